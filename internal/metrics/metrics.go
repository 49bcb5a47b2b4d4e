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

// Package metrics declares the signal finder's seven contractual Prometheus
// series (SPEC_FULL.md §6) and registers them eagerly, in the same
// package-level-vars-plus-init style as the teacher's
// internal/ratelimiter/telemetry/churn/prom_counters.go.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sigfinder/internal/detector"
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	lastBinFreqTime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "last_bin_freq_time",
		Help: "epoch time last signal in each bin",
	}, []string{"bin_mhz"})

	workerRecordRequest = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_record_request",
		Help: "record requests made to workers",
	}, []string{"worker"})

	freqPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "freq_power",
		Help: "bin frequencies and db over time",
	}, []string{"bin_freq"})

	newBins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "new_bins",
		Help: "frequencies of new bins",
	}, []string{"bin_freq"})

	oldBins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "old_bins",
		Help: "frequencies of old bins",
	}, []string{"bin_freq"})

	binFreqCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bin_freq_count",
		Help: "count of signals in each bin",
	}, []string{"bin_mhz"})

	frameCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frame_counter",
		Help: "number of frames processed",
	})
)

func init() {
	prometheus.MustRegister(lastBinFreqTime, workerRecordRequest, freqPower, newBins, oldBins, binFreqCount, frameCounter)
}

// Vars is the handle the rest of the pipeline updates. A struct rather than
// bare package functions so tests can construct an isolated registry if
// ever needed, while production code uses the package-level Default.
type Vars struct{}

// Default is the process-wide metrics handle; the Prometheus client library
// itself is the source of truth for concurrency safety.
var Default = Vars{}

// SetLastBinFreqTime records the epoch time a bin was last seen.
func (Vars) SetLastBinFreqTime(binMHz float64, ts float64) {
	lastBinFreqTime.WithLabelValues(formatFreq(binMHz)).Set(ts)
}

// SetWorkerRecordRequest records the frequency (Hz) most recently requested
// of a worker. Satisfies internal/dispatcher.Metrics.
func (Vars) SetWorkerRecordRequest(worker string, signalHz int64) {
	workerRecordRequest.WithLabelValues(worker).Set(float64(signalHz))
}

// SetFreqPower records a bin's most recent peak power.
func (Vars) SetFreqPower(binMHz float64, db float64) {
	freqPower.WithLabelValues(formatFreq(binMHz)).Set(db)
}

// IncNewBin increments the new-bin counter for a freshly detected bin.
func (Vars) IncNewBin(binMHz float64) {
	newBins.WithLabelValues(formatFreq(binMHz)).Inc()
}

// IncOldBin increments the retired-bin counter for a bin no longer detected.
func (Vars) IncOldBin(binMHz float64) {
	oldBins.WithLabelValues(formatFreq(binMHz)).Inc()
}

// IncBinFreqCount increments the per-bin occurrence counter.
func (Vars) IncBinFreqCount(binMHz float64) {
	binFreqCount.WithLabelValues(formatFreq(binMHz)).Inc()
}

// IncFrameCounter increments the global frame counter. Satisfies
// internal/processor.FrameCounter.
func (Vars) IncFrameCounter() {
	frameCounter.Inc()
}

func formatFreq(mhz float64) string {
	return strconv.FormatFloat(mhz, 'f', -1, 64)
}

// UpdateFromResult folds one Detect result into the metrics series, mirroring
// the original's update_prom_vars(peak_dbs, new_bins, old_bins, prom_vars).
func (v Vars) UpdateFromResult(result detector.Result, nowEpoch float64) {
	for center, db := range result.Bins {
		v.SetFreqPower(center, db)
		v.SetLastBinFreqTime(center, nowEpoch)
		v.IncBinFreqCount(center)
	}
	for center := range result.NewBins {
		v.IncNewBin(center)
	}
	for center := range result.OldBins {
		v.IncOldBin(center)
	}
}
