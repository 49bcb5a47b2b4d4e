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

// Package scanlog implements an optional Kafka tee for rotated scan-log
// batches (SPEC_FULL.md §11's domain-stack expansion), off by default.
// Grounded on the teacher's internal/ratelimiter/persistence/kafka.go: an
// abstracted KafkaProducer interface, keyed messages, and a per-call timeout
// fallback. kafka_producer.go supplies the concrete kafka-go adapter.
package scanlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KafkaProducer is a minimal abstraction over a Kafka client, matching the
// persistence package's shape so either a real client (KafkaWriterProducer)
// or a test stand-in can be wired into a Tee.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Tee publishes rotated scan-log batches to a Kafka topic for downstream
// consumers, independent of the Processor's own on-disk ring.
type Tee struct {
	producer       KafkaProducer
	topic          string
	defaultTimeout time.Duration
}

// NewTee returns a Tee publishing to topic via producer.
func NewTee(producer KafkaProducer, topic string) *Tee {
	return &Tee{producer: producer, topic: topic, defaultTimeout: 10 * time.Second}
}

// batchMessage is the serialized payload sent to Kafka for one rotated log.
type batchMessage struct {
	SourcePath string `json:"source_path"`
	LineCount  int    `json:"line_count"`
	TsUnixMs   int64  `json:"ts_unix_ms"`
}

// TeeRotatedLog publishes one message describing a just-rotated scan log
// file, keyed by sourcePath so repeated delivery of the same rotation is
// deduplicated by a broker with idempotent production enabled.
func (t *Tee) TeeRotatedLog(ctx context.Context, sourcePath string, lineCount int, now time.Time) error {
	if sourcePath == "" {
		return errors.New("scanlog: sourcePath must be set")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && t.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.defaultTimeout)
		defer cancel()
	}

	msg := batchMessage{SourcePath: sourcePath, LineCount: lineCount, TsUnixMs: now.UnixMilli()}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal scanlog tee message: %w", err)
	}
	headers := map[string]string{"content-type": "application/json"}
	if err := t.producer.Produce(ctx, t.topic, []byte(sourcePath), b, headers); err != nil {
		return fmt.Errorf("kafka produce scanlog tee %s: %w", sourcePath, err)
	}
	return nil
}
