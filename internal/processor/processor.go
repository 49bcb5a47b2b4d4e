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

// Package processor implements the Processor state machine described in
// SPEC_FULL.md §4.2: OPEN -> DRAIN -> ROTATE -> OPEN, draining the Proxy's
// spool files, assembling them into sweep-bounded frames, and handing closed
// frames to a FrameHandler. Grounded on sigfinder.py's process_fft_lines
// main loop, with the log-file-plus-ticker-loop shape following the
// teacher's internal/ratelimiter/core/worker.go.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"sigfinder/internal/sflog"
	"sigfinder/internal/sigtypes"
	"sigfinder/internal/spool"
)

// FFTBufferTime matches the Proxy's buffering period; the heartbeat fires
// every 2x this interval.
const FFTBufferTime = time.Second

// ClockSkewGuard is the maximum age (either direction) a record's ts may
// differ from "now" before it is dropped, per SPEC_FULL.md §4.2 step 6.
const ClockSkewGuard = 60 * time.Second

// FrameHandler receives every closed frame, in arrival order. Implemented by
// callers that wire the Detector and Dispatcher together (kept out of this
// package to match the teacher's Worker/Persister separation).
type FrameHandler interface {
	HandleFrame(frame sigtypes.Frame)
}

// AliveChecker reports whether the system's liveness sentinel is still
// present. Implemented by internal/liveness.Sentinel.
type AliveChecker interface {
	Alive(ctx context.Context) bool
}

// ProxyStatus reports whether the companion Proxy activity is still running.
type ProxyStatus interface {
	Running() bool
	Err() error
}

// Scheduler is invoked once per idle poll, giving deferred/periodic jobs a
// chance to run without stalling the Processor. Implemented by
// internal/scheduler.Scheduler.
type Scheduler interface {
	RunPending()
}

// FrameCounter receives an increment for every closed frame, including
// empty ones, per SPEC_FULL.md §8 ("frame counter still increments").
type FrameCounter interface {
	IncFrameCounter()
}

// ScanTee receives a notification for every rotated scan log, letting a
// caller publish the rotation to an external sink. Implemented by
// internal/scanlog.Tee.
type ScanTee interface {
	TeeRotatedLog(ctx context.Context, sourcePath string, lineCount int, now time.Time) error
}

// Config bundles the Processor's knobs (specification §6).
type Config struct {
	LogPath      string
	RotateSecs   int
	NLog         int
	BuffPath     string
	PollInterval time.Duration // default 1s, matching the original's sleep_time
}

// Processor drains the Proxy's spool files into a rotating scan log, closing
// frames at sweep boundaries and dispatching them to a FrameHandler.
type Processor struct {
	cfg      Config
	sentinel AliveChecker
	proxy    ProxyStatus
	sched    Scheduler
	handler  FrameHandler
	counter  FrameCounter
	scanTee  ScanTee

	assembler frameAssembler

	fftPackets    int
	lastFreqHz    float64
	lastHeartbeat time.Time
	lastConfig    sigtypes.ScanConfig
	visiblePath   string
	linesWritten  int

	rotateRequested atomic.Bool
}

// New constructs a Processor. Any of sched, counter may be nil.
func New(cfg Config, sentinel AliveChecker, proxy ProxyStatus, sched Scheduler, handler FrameHandler, counter FrameCounter) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Processor{
		cfg:         cfg,
		sentinel:    sentinel,
		proxy:       proxy,
		sched:       sched,
		handler:     handler,
		counter:     counter,
		visiblePath: visiblePathFor(cfg.BuffPath),
	}
}

func visiblePathFor(buffPath string) string {
	return filepath.Join(buffPath, spool.BuffFile)
}

// SetScanTee wires an optional external tee for rotated scan logs. Left
// unset (nil), rotate publishes nothing, matching the default off
// scanlog_kafka_topic configuration.
func (p *Processor) SetScanTee(tee ScanTee) {
	p.scanTee = tee
}

// RequestRotate flags the current scan log for rotation at the next poll
// iteration, regardless of RotateSecs having elapsed. Wired to SIGHUP for
// operator-triggered manual rotation, matching Unix daemon convention.
func (p *Processor) RequestRotate() {
	p.rotateRequested.Store(true)
}

// Run executes the OPEN/DRAIN/ROTATE cycle until ctx is cancelled, the
// liveness sentinel disappears, or the Proxy activity stops.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !p.sentinel.Alive(ctx) {
			return nil
		}

		rotate, err := p.drainUntilRotateOrStop(ctx)
		if err != nil {
			return err
		}
		if !rotate {
			return nil
		}
		if err := p.rotate(); err != nil {
			sflog.Errorf("rotate scan log: %v", err)
		}
	}
}

// drainUntilRotateOrStop runs the DRAIN state against one open log file,
// returning (true, nil) when rotation is due, (false, nil) on clean
// shutdown, and a non-nil error only for unrecoverable log I/O failures.
func (p *Processor) drainUntilRotateOrStop(ctx context.Context) (bool, error) {
	mode := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if _, err := os.Stat(p.cfg.LogPath); err == nil {
		sflog.Infof("%s exists, will append first", p.cfg.LogPath)
	} else {
		sflog.Infof("opening %s", p.cfg.LogPath)
	}
	logFile, err := os.OpenFile(p.cfg.LogPath, mode, 0o644)
	if err != nil {
		return false, fmt.Errorf("open scan log %s: %w", p.cfg.LogPath, err)
	}
	defer logFile.Close()

	openedAt := time.Now()
	var textBuf strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return false, nil
		}
		if !p.sentinel.Alive(ctx) {
			return false, nil
		}
		if !p.proxy.Running() {
			sflog.Errorf("FFT proxy stopped running: %v", p.proxy.Err())
			return false, nil
		}

		now := time.Now()
		if now.Sub(p.lastHeartbeat) > 2*FFTBufferTime {
			sflog.Infof("received %d FFT packets, last freq %f MHz", p.fftPackets, p.lastFreqHz/1e6)
			p.fftPackets = 0
			p.lastHeartbeat = now
		}

		data, ok := p.drainSpool()
		if !ok {
			if p.sched != nil {
				p.sched.RunPending()
			}
			if p.rotateRequested.Swap(false) {
				return true, nil
			}
			time.Sleep(p.cfg.PollInterval)
			continue
		}
		textBuf.WriteString(string(data))
		p.fftPackets++

		lines, complete := splitComplete(textBuf.String())
		if len(lines) <= 1 {
			continue
		}
		if complete {
			logFile.WriteString(textBuf.String())
			p.linesWritten += len(lines)
			textBuf.Reset()
		} else {
			tail := lines[len(lines)-1]
			lines = lines[:len(lines)-1]
			flushed := strings.Join(lines, "\n") + "\n"
			logFile.WriteString(flushed)
			p.linesWritten += len(lines)
			textBuf.Reset()
			textBuf.WriteString(tail)
		}

		records, cfg, gotConfig, err := parseLines(lines)
		if err != nil {
			sflog.Errorf("%v", err)
			continue
		}
		if gotConfig {
			p.lastConfig = cfg
		}
		records = dropClockSkew(records, now)
		if len(records) > 0 {
			p.lastFreqHz = records[len(records)-1].Freq
		}

		frame, closed := p.assembler.Ingest(records, p.lastConfig)
		if closed {
			if p.counter != nil {
				p.counter.IncFrameCounter()
			}
			p.handler.HandleFrame(frame)
		}

		if time.Since(openedAt) > time.Duration(p.cfg.RotateSecs)*time.Second || p.rotateRequested.Swap(false) {
			return true, nil
		}
	}
}

// drainSpool reads and removes the visible spool file if present.
func (p *Processor) drainSpool() ([]byte, bool) {
	if _, err := os.Stat(p.visiblePath); err != nil {
		return nil, false
	}
	data, err := spool.ReadAndRemove(p.visiblePath)
	if err != nil {
		sflog.Errorf("read spool %s: %v", p.visiblePath, err)
		return nil, false
	}
	sflog.Infof("read %d bytes of FFT data", len(data))
	return data, true
}

// rotate executes the ROTATE state: shift the compressed ring, rename the
// open log to a numbered member, and compress it in the background.
func (p *Processor) rotate() error {
	if err := spool.RotateRing(p.cfg.LogPath, p.cfg.NLog); err != nil {
		return err
	}
	newLog := p.cfg.LogPath + ".1"
	if err := os.Rename(p.cfg.LogPath, newLog); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", p.cfg.LogPath, newLog, err)
	}
	go func() {
		if _, err := spool.CompressFile(newLog); err != nil {
			sflog.Errorf("compress rotated log %s: %v", newLog, err)
		}
	}()

	lineCount := p.linesWritten
	p.linesWritten = 0
	if p.scanTee != nil {
		go func() {
			if err := p.scanTee.TeeRotatedLog(context.Background(), newLog, lineCount, time.Now()); err != nil {
				sflog.Warnf("tee rotated log %s: %v", newLog, err)
			}
		}()
	}
	return nil
}

// splitComplete splits text on newlines, reporting whether the text ends
// with a trailing newline (i.e. every line is "complete").
func splitComplete(text string) ([]string, bool) {
	if text == "" {
		return nil, true
	}
	complete := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if complete {
		return lines, true
	}
	return lines, false
}

// parseLines parses each JSON line into flattened records, returning the
// last ScanConfig seen in the batch (gotConfig is false if none of the
// lines carried a non-empty config). Any parse error aborts the whole
// batch, matching SPEC_FULL.md §4.2: "skip the whole batch of that
// iteration".
func parseLines(lines []string) (records []sigtypes.Record, cfg sigtypes.ScanConfig, gotConfig bool, err error) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var wire sigtypes.WireRecord
		if err := json.Unmarshal([]byte(line), &wire); err != nil {
			return nil, sigtypes.ScanConfig{}, false, fmt.Errorf("parse scan line: %w", err)
		}
		if wire.Config.FreqStart != 0 || wire.Config.FreqEnd != 0 {
			cfg = wire.Config
			gotConfig = true
		}
		for freqStr, db := range wire.Buckets {
			var freq float64
			if _, err := fmt.Sscanf(freqStr, "%g", &freq); err != nil {
				return nil, sigtypes.ScanConfig{}, false, fmt.Errorf("parse bucket frequency %q: %w", freqStr, err)
			}
			records = append(records, sigtypes.Record{
				TS:         wire.TS,
				Freq:       freq,
				DB:         db,
				SweepStart: wire.SweepStart,
			})
		}
	}
	return records, cfg, gotConfig, nil
}

// dropClockSkew filters out records whose ts is ClockSkewGuard or more away
// from now in either direction.
func dropClockSkew(records []sigtypes.Record, now time.Time) []sigtypes.Record {
	nowSecs := float64(now.Unix())
	guard := ClockSkewGuard.Seconds()
	kept := make([]sigtypes.Record, 0, len(records))
	for _, r := range records {
		diff := nowSecs - r.TS
		if diff < 0 {
			diff = -diff
		}
		if diff >= guard {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
