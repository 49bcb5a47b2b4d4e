package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sigfinder/internal/spool"
)

type chanSubscriber struct {
	mu     sync.Mutex
	lines  [][]byte
	closed bool
}

func (s *chanSubscriber) push(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *chanSubscriber) Recv(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return nil, false, nil
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, true, nil
}

func (s *chanSubscriber) Close() error {
	s.closed = true
	return nil
}

type toggleAlive struct {
	alive atomic.Bool
}

func (a *toggleAlive) Alive(context.Context) bool { return a.alive.Load() }

func TestProxyRunFlushesOnSentinelGone(t *testing.T) {
	dir := t.TempDir()
	sub := &chanSubscriber{}
	sub.push([]byte("line-one\n"))

	alive := &toggleAlive{}
	alive.alive.Store(true)

	p := New(sub, alive, dir)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	alive.alive.Store(false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not exit after sentinel removal")
	}

	if p.Running() {
		t.Fatalf("expected Running() to be false after exit")
	}

	visible := filepath.Join(dir, spool.BuffFile)
	if _, err := os.Stat(visible); err != nil {
		t.Fatalf("expected visible spool file to exist after flush: %v", err)
	}
}

type errSubscriber struct{}

func (errSubscriber) Recv(ctx context.Context) ([]byte, bool, error) {
	return nil, false, errors.New("boom")
}
func (errSubscriber) Close() error { return nil }

func TestProxyRunReturnsFatalRecvError(t *testing.T) {
	dir := t.TempDir()
	alive := &toggleAlive{}
	alive.alive.Store(true)

	p := New(errSubscriber{}, alive, dir)
	err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected fatal recv error to propagate")
	}
	if p.Running() {
		t.Fatalf("expected Running() false after fatal error")
	}
	if p.Err() == nil {
		t.Fatalf("expected Err() to be set")
	}
}
