// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatchlog implements an optional Postgres-backed audit trail for
// dispatcher decisions (SPEC_FULL.md §11's domain-stack expansion), off by
// default. Grounded on the teacher's
// internal/ratelimiter/persistence/postgres.go: a bare *sql.DB, an
// idempotent insert-then-conditional-update pattern keyed by a caller-
// supplied id, and a single batch transaction per call.
package dispatchlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sigfinder/internal/sigtypes"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS dispatch_audit (
//   request_id   TEXT PRIMARY KEY,
//   recorder_url TEXT NOT NULL,
//   signal_hz    BIGINT NOT NULL,
//   issued_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//   accepted     BOOLEAN NOT NULL
// );

// Entry is one audited dispatch decision.
type Entry struct {
	RequestID string
	Request   sigtypes.RecordRequest
	SignalHz  int64
	Accepted  bool
}

// Auditor records dispatcher decisions idempotently, keyed by RequestID so a
// retried dispatch round never double-counts.
type Auditor struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// New returns an Auditor backed by db. Callers own the *sql.DB's lifecycle.
func New(db *sql.DB) *Auditor {
	return &Auditor{db: db, defaultTimeout: 10 * time.Second}
}

// RecordBatch audits every entry within a single transaction. A duplicate
// RequestID in a later call inserts no new row; it only updates the stored
// accepted flag when the new value differs.
func (a *Auditor) RecordBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.RequestID == "" {
			return errors.New("dispatchlog: Entry.RequestID must be set")
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && a.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.defaultTimeout)
		defer cancel()
	}

	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dispatch_audit(request_id, recorder_url, signal_hz, accepted)
			 VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
			e.RequestID, e.Request.RecorderURL, e.SignalHz, e.Accepted); err != nil {
			return fmt.Errorf("insert dispatch_audit(%s): %w", e.RequestID, err)
		}
		// Conditional update lets a later call correct the accepted flag
		// (e.g. an async accept confirmation); the row is written only when
		// the flag actually changes.
		if _, err := tx.ExecContext(ctx,
			`UPDATE dispatch_audit SET accepted = $2
			   WHERE request_id = $1 AND accepted IS DISTINCT FROM $2`,
			e.RequestID, e.Accepted); err != nil {
			return fmt.Errorf("update dispatch_audit(%s): %w", e.RequestID, err)
		}
	}

	return tx.Commit()
}

// DispatcherAdapter satisfies internal/dispatcher's Auditor interface without
// this package importing dispatcher, matching the teacher's pattern of
// narrow interfaces plus a structural adapter to avoid import cycles.
type DispatcherAdapter struct {
	auditor *Auditor
}

// NewDispatcherAdapter wraps auditor for use as a dispatcher.Auditor.
func NewDispatcherAdapter(auditor *Auditor) *DispatcherAdapter {
	return &DispatcherAdapter{auditor: auditor}
}

// RecordDispatch audits a single dispatch decision as a one-entry batch.
func (d *DispatcherAdapter) RecordDispatch(ctx context.Context, requestID, recorderURL string, signalHz int64, accepted bool) error {
	return d.auditor.RecordBatch(ctx, []Entry{{
		RequestID: requestID,
		Request:   sigtypes.RecordRequest{RecorderURL: recorderURL},
		SignalHz:  signalHz,
		Accepted:  accepted,
	}})
}
