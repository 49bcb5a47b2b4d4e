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

// Package main wires the signal finder's Proxy, Processor, Detector,
// Dispatcher, Scheduler, metrics, and control surface into one long-running
// binary, following the orchestration/graceful-shutdown shape of the
// teacher's cmd/ratelimiter-api/main.go.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	kafka "github.com/segmentio/kafka-go"
	"golang.org/x/sys/unix"

	"sigfinder/internal/control"
	"sigfinder/internal/detector"
	"sigfinder/internal/dispatcher"
	"sigfinder/internal/dispatchlog"
	"sigfinder/internal/gpio"
	"sigfinder/internal/liveness"
	"sigfinder/internal/metrics"
	"sigfinder/internal/processor"
	"sigfinder/internal/proxy"
	"sigfinder/internal/scanlog"
	"sigfinder/internal/scheduler"
	"sigfinder/internal/sflog"
	"sigfinder/internal/sigconfig"
	"sigfinder/internal/sigtypes"
)

func main() {
	cfg, err := sigconfig.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		sflog.Errorf("load config: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		sflog.Errorf("invalid config: %v", err)
		os.Exit(1)
	}

	sentinel, err := newSentinel(cfg)
	if err != nil {
		sflog.Errorf("create liveness sentinel: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger, err := gpio.FromEnv()
	if err != nil {
		sflog.Warnf("gpio trigger unavailable, falling back to no-op: %v", err)
		trigger = gpio.NoopTrigger{}
	}

	history := newBinHistory(cfg.History)

	httpClient := &http.Client{Timeout: time.Duration(cfg.RecordSecs) * time.Second}
	disp := dispatcher.New(httpClient, metrics.Default, dispatcher.Config{
		Recorders:          cfg.Recorders,
		MaxRecorderSignals: cfg.MaxRecorderSignals,
		RecordBWMsps:       cfg.RecordBWMsps,
		RecordSecs:         cfg.RecordSecs,
		RecorderSelect:     cfg.RecorderSelect,
	})

	var auditDB *sql.DB
	if cfg.DispatchAuditDSN != "" {
		auditDB, err = sql.Open("pgx", cfg.DispatchAuditDSN)
		if err != nil {
			sflog.Errorf("open dispatch audit database: %v", err)
			os.Exit(1)
		}
		disp.SetAuditor(dispatchlog.NewDispatcherAdapter(dispatchlog.New(auditDB)))
	}

	var scanTee *scanlog.Tee
	if cfg.ScanlogKafkaTopic != "" && cfg.ScanlogKafkaAddr != "" {
		scanKafkaWriter := &kafka.Writer{
			Addr:     kafka.TCP(cfg.ScanlogKafkaAddr),
			Balancer: &kafka.LeastBytes{},
		}
		defer func() { _ = scanKafkaWriter.Close() }()
		scanTee = scanlog.NewTee(scanlog.NewKafkaWriterProducer(scanKafkaWriter), cfg.ScanlogKafkaTopic)
	}

	sched := scheduler.New()
	ctrl := control.New(sched, &recordRequester{client: httpClient, bwMsps: cfg.RecordBWMsps})

	handler := &frameHandler{
		params: detector.Params{
			DBRollingFactor: cfg.DBRollingFactor,
			Width:           cfg.Width,
			Prominence:      cfg.Prominence,
			Threshold:       cfg.Threshold,
			BinMHz:          cfg.BinMHz,
			RecordBWMsps:    cfg.RecordBWMsps,
			RunningFFTSecs:  cfg.RunningFFTSecs,
		},
		state:        detector.NewState(),
		dispatcher:   disp,
		history:      history,
		trigger:      trigger,
		ctrl:         ctrl,
		dispatchSecs: cfg.RecordSecs,
		fftLogPath:   cfg.FFTLog,
	}

	var wg sync.WaitGroup

	sub, err := proxy.DialTCPSubscriber(fmt.Sprintf("%s:%d", cfg.LogAddr, cfg.LogPort), proxy.PollTimeout)
	if err != nil {
		sflog.Errorf("dial FFT publisher: %v", err)
		os.Exit(1)
	}
	px := proxy.New(sub, sentinel, cfg.BuffPath)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := px.Run(ctx); err != nil {
			sflog.Errorf("proxy stopped: %v", err)
		}
	}()

	proc := processor.New(processor.Config{
		LogPath:      cfg.Log,
		RotateSecs:   cfg.RotateSecs,
		NLog:         cfg.NLog,
		BuffPath:     cfg.BuffPath,
		PollInterval: time.Second,
	}, sentinel, px, sched, handler, metrics.Default)
	if scanTee != nil {
		proc.SetScanTee(scanTee)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := proc.Run(ctx); err != nil {
			sflog.Errorf("processor stopped: %v", err)
		}
	}()

	controlAddr := fmt.Sprintf(":%d", cfg.Port)
	controlServer := &http.Server{Addr: controlAddr}
	go func() {
		mux := http.NewServeMux()
		ctrl.RegisterRoutes(mux)
		mux.Handle("/metrics", metrics.Handler())
		controlServer.Handler = mux
		sflog.Infof("control surface listening on %s", controlAddr)
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sflog.Errorf("control surface stopped: %v", err)
		}
	}()

	// SIGHUP triggers an immediate scan log rotation, matching Unix daemon
	// convention for "reopen your logs" without restarting the process.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	go func() {
		for range hup {
			sflog.Infof("SIGHUP received, rotating scan log")
			proc.RequestRotate()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	sflog.Infof("shutting down")
	_ = sentinel.Shutdown(ctx)
	cancel()
	_ = sub.Close()
	if auditDB != nil {
		_ = auditDB.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = controlServer.Shutdown(shutdownCtx)

	wg.Wait()
}

func newSentinel(cfg *sigconfig.Config) (liveness.Sentinel, error) {
	if cfg.LivenessBackend == "redis" {
		return liveness.NewRedisSentinel(cfg.LivenessRedisAddr, "sigfinder:live", 5*time.Second), nil
	}
	path := cfg.BuffPath + "/sigfinder.live"
	return liveness.NewFileSentinel(path)
}

// binHistory is the short, bounded window of recent frames' detected bin
// sets the Dispatcher ranks candidate signals from (SPEC_FULL.md §4.4).
type binHistory struct {
	mu   sync.Mutex
	max  int
	sets []sigtypes.BinSet
}

func newBinHistory(max int) *binHistory {
	if max <= 0 {
		max = 1
	}
	return &binHistory{max: max}
}

func (h *binHistory) push(set sigtypes.BinSet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sets = append([]sigtypes.BinSet{set}, h.sets...)
	if len(h.sets) > h.max {
		h.sets = h.sets[:h.max]
	}
}

func (h *binHistory) snapshot() []sigtypes.BinSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sigtypes.BinSet, len(h.sets))
	copy(out, h.sets)
	return out
}

// frameHandler implements processor.FrameHandler: it runs the Detector over
// every closed frame, then the Dispatcher over the accumulated bin history,
// publishing results to the control surface and metrics along the way.
type frameHandler struct {
	params       detector.Params
	state        *detector.State
	dispatcher   *dispatcher.Dispatcher
	history      *binHistory
	trigger      gpio.Trigger
	ctrl         *control.Server
	dispatchSecs int
	fftLogPath   string
}

func (h *frameHandler) HandleFrame(frame sigtypes.Frame) {
	result := detector.Detect(frame, h.state, h.params, time.Now())
	metrics.Default.UpdateFromResult(result, result.Resampled.MaxTS)

	if h.fftLogPath != "" {
		if err := detector.WriteFFTLog(h.fftLogPath, result.Resampled.Samples); err != nil {
			sflog.Warnf("write fftlog: %v", err)
		}
	}

	if err := h.trigger.Fire(len(result.Peaks)); err != nil {
		sflog.Warnf("gpio trigger: %v", err)
	}

	bins := make([]sigtypes.PeakBin, 0, len(result.Bins))
	for center, db := range result.Bins {
		bins = append(bins, sigtypes.PeakBin{CenterMHz: center, DB: db})
	}
	h.ctrl.Publish(bins)

	// Empty frames carry no detected bin set: they neither enter the history
	// (matching the original's "if lastbins: ..." guard in process_fft_lines)
	// nor trigger a dispatch round, so an all-quiet frame issues no recorder
	// I/O at all (specification's "no dispatcher activity" boundary property).
	if len(result.BinSet) == 0 {
		return
	}
	h.history.push(result.BinSet)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.dispatchSecs+10)*time.Second)
	defer cancel()
	h.dispatcher.RunRound(ctx, h.history.snapshot())
}

// recordRequester implements control.Requester by issuing the same
// GET <recorder>/v1/record/<hz>/<samples>/<bps> request the Dispatcher uses,
// for operator-initiated one-shot or periodic re-records via POST /result.
type recordRequester struct {
	client *http.Client
	bwMsps int
}

func (r *recordRequester) Request(workerURL string, signalMHz float64, bandwidthMBps, durationSecs int) error {
	if bandwidthMBps <= 0 {
		bandwidthMBps = r.bwMsps
	}
	bps := bandwidthMBps * 1_048_576
	samples := int64(bps) * int64(durationSecs)
	hz := int64(signalMHz * 1e6)
	url := fmt.Sprintf("%s/v1/record/%d/%d/%d", workerURL, hz, samples, bps)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(durationSecs)*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build record request %s: %w", url, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("record request %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("record request %s returned %d", url, resp.StatusCode)
	}
	return nil
}
