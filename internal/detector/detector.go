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

// Package detector implements the per-frame signal-detection pipeline:
// quantizing a frame onto the scanner's native frequency grid, smoothing it,
// finding peaks, mapping them onto monitoring bins, and folding the result
// into a running long-window spectrum. Grounded on the process_fft function
// of sigfinder.py (resample/smooth/peak-find/bin-map) with the grouped-mean
// and rolling-mean passes reimplemented over a sorted []BinSample slice
// instead of a pandas DataFrame, per SPEC_FULL.md §9 and DESIGN.md.
package detector

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"sigfinder/internal/sflog"
	"sigfinder/internal/sigtypes"
)

// SCANFRes is the scanner's native FFT bucket width in Hz, used to quantize
// raw frequencies onto a fixed grid before grouping. SPEC_FULL.md §3.
const SCANFRes = 10_000.0

// Params bundles the Detector's tunable thresholds (specification §6).
type Params struct {
	DBRollingFactor float64
	Width           int
	Prominence      float64
	Threshold       float64
	BinMHz          int
	RecordBWMsps    int
	RunningFFTSecs  int
}

// State is the Detector's carry-over between frames: the prior bin set and
// the running long-window spectrum.
type State struct {
	LastBins  sigtypes.BinSet
	RunningDB []sigtypes.FFTSample
}

// NewState returns a zero-valued initial Detector state.
func NewState() *State {
	return &State{LastBins: sigtypes.BinSet{}}
}

// Result is everything one Detect call produces.
type Result struct {
	Resampled  sigtypes.ResampledFrame
	Peaks      []sigtypes.Peak
	Bins       map[float64]float64 // center MHz -> peak dB
	NewBins    sigtypes.BinSet
	OldBins    sigtypes.BinSet
	BinSet     sigtypes.BinSet
	MeanFreqDB []sigtypes.BinSample // running mean spectrum, for plotting collaborators
}

// Detect runs the full per-frame pipeline described in SPEC_FULL.md §4.3. now
// is passed in (never computed internally) to keep the function a pure,
// deterministic transform of its inputs, per §8's round-trip property.
func Detect(frame sigtypes.Frame, state *State, p Params, now time.Time) Result {
	resampled := quantize(frame.Records)
	smoothDB(resampled.Samples, p.DBRollingFactor)
	sanityCheck(resampled.Samples)

	peaks := findPeaks(resampled.Samples, p.Width, p.Prominence, p.Threshold)

	updateRunning(state, resampled.Samples, now, p.RunningFFTSecs)
	meanSpectrum := runningMean(state.RunningDB)

	freqStartMHz := frame.Config.FreqStart / 1e6
	freqEndMHz := frame.Config.FreqEnd / 1e6
	bins := make(map[float64]float64, len(peaks))
	newBinSet := sigtypes.BinSet{}
	for _, peak := range peaks {
		center := GetCenter(peak.FreqMHz, freqStartMHz, freqEndMHz, p.BinMHz, p.RecordBWMsps)
		if err := ValidateBin(center, freqStartMHz, freqEndMHz, p.BinMHz); err != nil {
			sflog.Warnf("peak at %f MHz: %v", peak.FreqMHz, err)
			continue
		}
		bins[center] = peak.DB
		newBinSet[center] = struct{}{}
	}

	newBins := newBinSet.Sub(state.LastBins)
	oldBins := state.LastBins.Sub(newBinSet)
	state.LastBins = newBinSet

	return Result{
		Resampled:  resampled,
		Peaks:      peaks,
		Bins:       bins,
		NewBins:    newBins,
		OldBins:    oldBins,
		BinSet:     newBinSet,
		MeanFreqDB: meanSpectrum,
	}
}

// quantize maps raw Hz records onto the SCAN_FRES grid in MHz, grouping by
// quantized frequency with an arithmetic mean over db, then returns them
// sorted ascending with no duplicate keys.
func quantize(records []sigtypes.Record) sigtypes.ResampledFrame {
	sums := make(map[float64]float64, len(records))
	counts := make(map[float64]int, len(records))
	var maxTS float64

	for _, r := range records {
		// RoundToEven matches Python/numpy's default round-half-to-even, so a
		// sample sitting exactly on a cell boundary merges with its neighbor
		// the same way the upstream scanner's own rounding would.
		freqMHz := math.RoundToEven(r.Freq/SCANFRes) * SCANFRes / 1e6
		sums[freqMHz] += r.DB
		counts[freqMHz]++
		if r.TS > maxTS {
			maxTS = r.TS
		}
	}

	samples := make([]sigtypes.BinSample, 0, len(sums))
	for freq, sum := range sums {
		samples = append(samples, sigtypes.BinSample{FreqMHz: freq, DB: sum / float64(counts[freq])})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].FreqMHz < samples[j].FreqMHz })

	return sigtypes.ResampledFrame{Samples: samples, MaxTS: maxTS}
}

// smoothDB applies a trailing-window rolling mean in place, matching the
// original's calc_db rolling average. A factor <= 0 disables smoothing.
func smoothDB(samples []sigtypes.BinSample, factor float64) {
	if factor <= 0 || len(samples) == 0 {
		return
	}
	window := int(factor)
	if window < 1 {
		window = 1
	}
	raw := make([]float64, len(samples))
	for i, s := range samples {
		raw[i] = s.DB
	}
	for i := range samples {
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}
		var sum float64
		for j := lo; j <= i; j++ {
			sum += raw[j]
		}
		samples[i].DB = sum / float64(i-lo+1)
	}
}

// sanityCheck logs a warning if the mean frequency gap is more than double
// the minimum gap, indicating the upstream scanner is under-sampling.
// Non-fatal, matching the original's process_fft diagnostic.
func sanityCheck(samples []sigtypes.BinSample) {
	if len(samples) < 2 {
		return
	}
	min := math.Inf(1)
	max := math.Inf(-1)
	var sum float64
	n := len(samples) - 1
	for i := 1; i < len(samples); i++ {
		diff := samples[i].FreqMHz - samples[i-1].FreqMHz
		if diff < min {
			min = diff
		}
		if diff > max {
			max = diff
		}
		sum += diff
	}
	mean := sum / float64(n)
	sflog.Infof("new frame with %d samples, frequency sample differences min %f mean %f max %f", len(samples), min, mean, max)
	if min > 0 && mean > min*2 {
		sflog.Warnf("mean frequency diff larger than minimum - increase scanner sample rate")
	}
}

// updateRunning prunes entries older than runningFFTSecs and appends the
// current frame's samples, maintaining the flat, timestamp-pruned buffer
// described in SPEC_FULL.md §9 (deliberately not reproducing the original's
// pd.concat(running_df, df) bug).
func updateRunning(state *State, samples []sigtypes.BinSample, now time.Time, runningFFTSecs int) {
	cutoff := now.Add(-time.Duration(runningFFTSecs) * time.Second)
	kept := state.RunningDB[:0]
	for _, s := range state.RunningDB {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	for _, s := range samples {
		kept = append(kept, sigtypes.FFTSample{At: now, FreqMHz: s.FreqMHz, DB: s.DB})
	}
	state.RunningDB = kept
}

// runningMean computes a per-frequency mean over the running window,
// matching the original's mean_running_df collaborator for plotting.
func runningMean(window []sigtypes.FFTSample) []sigtypes.BinSample {
	sums := make(map[float64]float64, len(window))
	counts := make(map[float64]int, len(window))
	for _, s := range window {
		sums[s.FreqMHz] += s.DB
		counts[s.FreqMHz]++
	}
	out := make([]sigtypes.BinSample, 0, len(sums))
	for freq, sum := range sums {
		out = append(out, sigtypes.BinSample{FreqMHz: freq, DB: sum / float64(counts[freq])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FreqMHz < out[j].FreqMHz })
	return out
}

// GetCenter maps a detected peak frequency to its monitoring bin center.
// At the lower edge the center is raised to at least
// freqStartMHz + recordBWMsps/2, so the recording window starts inside the
// swept range; at the upper edge it is lowered to at most
// freqEndMHz - binMHz/2 (half the bin width, not half the record
// bandwidth), matching §8's upper bound on bin centers.
func GetCenter(peakFreqMHz, freqStartMHz, freqEndMHz float64, binMHz, recordBWMsps int) float64 {
	bin := float64(binMHz)
	if bin <= 0 {
		return peakFreqMHz
	}
	offset := peakFreqMHz - freqStartMHz
	ratio := offset / bin
	binIndex := math.Floor(ratio)
	if ratio-binIndex < 1e-9 && binIndex > 0 {
		// Exactly on a bin edge: tie-break toward the lower bin center.
		binIndex--
	}
	center := freqStartMHz + binIndex*bin + bin/2
	halfRecord := float64(recordBWMsps) / 2
	if halfRecord > 0 && center-halfRecord < freqStartMHz {
		center = freqStartMHz + halfRecord
	}
	if upper := freqEndMHz - bin/2; freqEndMHz > 0 && center > upper {
		center = upper
	}
	return center
}

// WriteFFTLog writes samples (freq MHz, db), tab-separated one per line, to
// path via the original's atomic temp-file-then-rename dance: write to
// "."+basename in the same directory, then os.Rename into place, so a reader
// polling path never observes a partial write.
func WriteFFTLog(path string, samples []sigtypes.BinSample) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path))

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	for _, s := range samples {
		line := strconv.FormatFloat(s.FreqMHz, 'f', -1, 64) + "\t" + strconv.FormatFloat(s.DB, 'f', -1, 64) + "\n"
		if _, err := f.WriteString(line); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", tmp, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ValidateBin reports the §8 invariant that a detected bin must lie within
// [freqStartMHz, freqEndMHz - binMHz/2].
func ValidateBin(center, freqStartMHz, freqEndMHz float64, binMHz int) error {
	upper := freqEndMHz - float64(binMHz)/2
	if center < freqStartMHz || center > upper {
		return fmt.Errorf("bin center %f MHz out of range [%f, %f]", center, freqStartMHz, upper)
	}
	return nil
}
