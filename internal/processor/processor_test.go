package processor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"sigfinder/internal/sigtypes"
)

func TestSplitCompleteTrailingNewline(t *testing.T) {
	lines, complete := splitComplete("a\nb\nc\n")
	if !complete {
		t.Fatalf("expected complete=true")
	}
	if len(lines) != 3 || lines[2] != "c" {
		t.Fatalf("got %v", lines)
	}
}

func TestSplitCompleteTrailingPartialLine(t *testing.T) {
	lines, complete := splitComplete("a\nb\nc")
	if complete {
		t.Fatalf("expected complete=false")
	}
	if len(lines) != 3 || lines[2] != "c" {
		t.Fatalf("got %v", lines)
	}
}

func TestParseLinesMalformedAbortsBatch(t *testing.T) {
	lines := []string{`{"ts":1,"sweep_start":1,"buckets":{"100000000":-40},"config":{"freq_start":100000000,"freq_end":200000000}}`, `{"ts":1, bogus`}
	_, _, _, err := parseLines(lines)
	if err == nil {
		t.Fatalf("expected parse error for malformed second line")
	}
}

func TestParseLinesValidBatch(t *testing.T) {
	lines := []string{
		`{"ts":1.5,"sweep_start":1,"buckets":{"100000000":-40,"150000000":-20},"config":{"freq_start":100000000,"freq_end":200000000}}`,
	}
	records, cfg, gotConfig, err := parseLines(lines)
	if err != nil {
		t.Fatalf("parseLines: %v", err)
	}
	if !gotConfig || cfg.FreqStart != 100_000_000 {
		t.Fatalf("expected config to be parsed, got %+v (gotConfig=%v)", cfg, gotConfig)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}
}

func TestFrameAssemblerFirstBatchEmitsImmediateFrame(t *testing.T) {
	var a frameAssembler
	batch := []sigtypes.Record{{Freq: 100e6, DB: -40, SweepStart: 1}}
	frame, closed := a.Ingest(batch, sigtypes.ScanConfig{FreqStart: 100e6, FreqEnd: 200e6})
	if !closed {
		t.Fatalf("expected first batch to close a frame")
	}
	if len(frame.Records) != 1 {
		t.Fatalf("expected 1 record in first frame, got %d", len(frame.Records))
	}
}

func TestFrameAssemblerBoundaryCarriesRemainder(t *testing.T) {
	var a frameAssembler
	cfg := sigtypes.ScanConfig{FreqStart: 100e6, FreqEnd: 200e6}

	// First batch: entirely sweep 1, establishes lastSweepStart=1 and closes
	// immediately (no buffer yet).
	a.Ingest([]sigtypes.Record{{Freq: 100e6, SweepStart: 1}}, cfg)

	// Second batch: still sweep 1 (no boundary) -> accumulates into buffer.
	frame, closed := a.Ingest([]sigtypes.Record{{Freq: 101e6, SweepStart: 1}}, cfg)
	if closed {
		t.Fatalf("expected no frame closed mid-sweep, got %+v", frame)
	}

	// Third batch: sweep 2 records arrive mixed with a trailing sweep-1
	// record. The closed frame should be buffer + the sweep-1 record; the
	// sweep-2 record should carry over.
	mixed := []sigtypes.Record{{Freq: 102e6, SweepStart: 1}, {Freq: 130e6, SweepStart: 2}}
	frame, closed = a.Ingest(mixed, cfg)
	if !closed {
		t.Fatalf("expected boundary frame to close")
	}
	if len(frame.Records) != 2 {
		t.Fatalf("expected buffered + matching record in closed frame, got %d: %+v", len(frame.Records), frame.Records)
	}
	if !a.hasBuffer || len(a.buffer) != 1 || a.buffer[0].Freq != 130e6 {
		t.Fatalf("expected sweep-2 record carried into buffer, got %+v", a.buffer)
	}
}

type fakeAlive struct{ alive bool }

func (f fakeAlive) Alive(context.Context) bool { return f.alive }

type fakeProxy struct{ running bool }

func (f fakeProxy) Running() bool { return f.running }
func (f fakeProxy) Err() error    { return nil }

type collectingHandler struct {
	mu     sync.Mutex
	frames []sigtypes.Frame
}

func (h *collectingHandler) HandleFrame(frame sigtypes.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
}

func TestProcessorRunExitsWhenSentinelGone(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{LogPath: dir + "/scan.log", RotateSecs: 3600, NLog: 5, BuffPath: dir}
	handler := &collectingHandler{}
	p := New(cfg, fakeAlive{alive: false}, fakeProxy{running: true}, nil, handler, nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestProcessorRunExitsWhenProxyStopped(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{LogPath: dir + "/scan.log", RotateSecs: 3600, NLog: 5, BuffPath: dir}
	handler := &collectingHandler{}
	p := New(cfg, fakeAlive{alive: true}, fakeProxy{running: false}, nil, handler, nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRequestRotateForcesRotationBeforeRotateSecsElapses(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{LogPath: dir + "/scan.log", RotateSecs: 3600, NLog: 5, BuffPath: dir, PollInterval: time.Millisecond}
	handler := &collectingHandler{}
	p := New(cfg, fakeAlive{alive: true}, fakeProxy{running: true}, nil, handler, nil)

	p.RequestRotate()

	done := make(chan struct{})
	var rotate bool
	var err error
	go func() {
		rotate, err = p.drainUntilRotateOrStop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("drainUntilRotateOrStop did not return after RequestRotate")
	}
	if err != nil {
		t.Fatalf("drainUntilRotateOrStop: %v", err)
	}
	if !rotate {
		t.Fatalf("expected rotate=true after RequestRotate")
	}
	if p.rotateRequested.Load() {
		t.Fatalf("expected rotateRequested to be cleared after consumption")
	}
}

type fakeScanTee struct {
	mu         sync.Mutex
	calls      int
	sourcePath string
	lineCount  int
	done       chan struct{}
}

func (f *fakeScanTee) TeeRotatedLog(_ context.Context, sourcePath string, lineCount int, _ time.Time) error {
	f.mu.Lock()
	f.calls++
	f.sourcePath = sourcePath
	f.lineCount = lineCount
	f.mu.Unlock()
	close(f.done)
	return nil
}

func TestRotateTeesRotatedLogWhenScanTeeWired(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{LogPath: dir + "/scan.log", RotateSecs: 3600, NLog: 5, BuffPath: dir}
	handler := &collectingHandler{}
	p := New(cfg, fakeAlive{alive: true}, fakeProxy{running: true}, nil, handler, nil)

	if err := os.WriteFile(cfg.LogPath, []byte("line one\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	p.linesWritten = 1

	tee := &fakeScanTee{done: make(chan struct{})}
	p.SetScanTee(tee)

	if err := p.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	select {
	case <-tee.done:
	case <-time.After(time.Second):
		t.Fatalf("TeeRotatedLog was not called after rotate")
	}
	tee.mu.Lock()
	defer tee.mu.Unlock()
	if tee.calls != 1 {
		t.Fatalf("expected exactly one tee call, got %d", tee.calls)
	}
	if tee.lineCount != 1 {
		t.Fatalf("expected line count 1, got %d", tee.lineCount)
	}
	if p.linesWritten != 0 {
		t.Fatalf("expected linesWritten reset after rotate, got %d", p.linesWritten)
	}
}
