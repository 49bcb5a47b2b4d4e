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

// Package liveness implements the shared liveness sentinel described in
// SPEC_FULL.md §5: an externally visible marker whose removal signals
// orderly shutdown to the Proxy and Processor activities.
//
// The default backend is a plain file, matching the original's
// tempfile-backed pathlib.Path sentinel. An optional Redis-backed sentinel
// (SPEC_FULL.md §11) lets Proxy and Processor run as separate processes or
// containers rather than goroutines in one binary, reusing the teacher's
// RedisEvaler wrapper shape from internal/ratelimiter/persistence/clients.go.
package liveness

import (
	"context"
	"fmt"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Sentinel reports and controls process-wide liveness.
type Sentinel interface {
	// Alive reports whether the sentinel is still present.
	Alive(ctx context.Context) bool
	// Shutdown removes the sentinel, signaling all activities to stop.
	Shutdown(ctx context.Context) error
}

// FileSentinel is a touch-file sentinel: Alive is true iff the file exists.
type FileSentinel struct {
	Path string
}

// NewFileSentinel creates path (truncating any existing file) and returns a
// Sentinel backed by it.
func NewFileSentinel(path string) (*FileSentinel, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create liveness sentinel %s: %w", path, err)
	}
	_ = f.Close()
	return &FileSentinel{Path: path}, nil
}

// Alive reports whether the sentinel file still exists.
func (s *FileSentinel) Alive(context.Context) bool {
	_, err := os.Stat(s.Path)
	return err == nil
}

// Shutdown removes the sentinel file.
func (s *FileSentinel) Shutdown(context.Context) error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove liveness sentinel %s: %w", s.Path, err)
	}
	return nil
}

// RedisSentinel backs liveness with a refreshed Redis key, for deployments
// where Proxy and Processor are separate processes without a shared
// filesystem. The owning process must call Refresh periodically (shorter
// than TTL) to keep the key alive; Shutdown deletes it immediately.
type RedisSentinel struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSentinel returns a sentinel backed by the Redis key at addr. ttl
// defaults to 5s if <= 0.
func NewRedisSentinel(addr, key string, ttl time.Duration) *RedisSentinel {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisSentinel{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
		ttl:    ttl,
	}
}

// Refresh marks the sentinel alive for another TTL window. The owning
// (writer) side calls this; read-only observers only call Alive.
func (s *RedisSentinel) Refresh(ctx context.Context) error {
	if err := s.client.Set(ctx, s.key, "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh liveness key %s: %w", s.key, err)
	}
	return nil
}

// Alive reports whether the Redis key is still present (i.e. has not
// expired and has not been explicitly deleted).
func (s *RedisSentinel) Alive(ctx context.Context) bool {
	n, err := s.client.Exists(ctx, s.key).Result()
	return err == nil && n > 0
}

// Shutdown deletes the sentinel key immediately.
func (s *RedisSentinel) Shutdown(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete liveness key %s: %w", s.key, err)
	}
	return nil
}
