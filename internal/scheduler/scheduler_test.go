package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsDueJobs(t *testing.T) {
	s := New()
	var calls int32
	s.Every(0, "job-1", func() { atomic.AddInt32(&calls, 1) })

	s.RunPending()
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatalf("expected job to run at least once")
	}
}

func TestSchedulerCancelRemovesTag(t *testing.T) {
	s := New()
	s.Every(time.Hour, "keep-me", func() {})
	s.Every(time.Hour, "drop-me", func() {})
	s.Cancel("drop-me")

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Tag != "keep-me" {
		t.Fatalf("expected only keep-me to remain, got %+v", jobs)
	}
}

func TestSchedulerRunPendingSkipsNotYetDue(t *testing.T) {
	s := New()
	var calls int32
	s.Every(time.Hour, "future", func() { atomic.AddInt32(&calls, 1) })
	s.RunPending()
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected job not due yet to not run")
	}
}
