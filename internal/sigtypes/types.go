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

// Package sigtypes defines the data shapes shared across the signal-finder
// pipeline: FFT records as they arrive from the scanner, the frames they are
// grouped into, and the detector/dispatcher outputs derived from them.
package sigtypes

import (
	"encoding/json"
	"sort"
	"time"
)

// Record is a single bucket observation from the upstream scanner.
type Record struct {
	TS         float64 `json:"ts"`
	Freq       float64 `json:"freq"`
	DB         float64 `json:"db"`
	SweepStart float64 `json:"sweep_start"`
}

// ScanConfig is the scanner configuration carried alongside each wire record.
// Only FreqStart/FreqEnd are required by the pipeline; Extra preserves any
// other fields the scanner sent, via UnmarshalJSON/MarshalJSON below, so they
// round-trip through logging untouched instead of being silently dropped.
type ScanConfig struct {
	FreqStart float64
	FreqEnd   float64
	Extra     map[string]json.RawMessage
}

// scanConfigWire is ScanConfig's field-level JSON shape, used by
// UnmarshalJSON/MarshalJSON to separate the two known fields from whatever
// else the scanner sent.
type scanConfigWire struct {
	FreqStart float64 `json:"freq_start"`
	FreqEnd   float64 `json:"freq_end"`
}

// UnmarshalJSON decodes freq_start/freq_end normally and stashes every other
// top-level field into Extra, so round-tripping a config never silently
// drops scanner-specific settings this pipeline does not otherwise use.
func (c *ScanConfig) UnmarshalJSON(data []byte) error {
	var known scanConfigWire
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "freq_start")
	delete(raw, "freq_end")

	c.FreqStart = known.FreqStart
	c.FreqEnd = known.FreqEnd
	c.Extra = nil
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

// MarshalJSON re-merges Extra's fields alongside freq_start/freq_end.
func (c ScanConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+2)
	for k, v := range c.Extra {
		out[k] = v
	}
	freqStart, err := json.Marshal(c.FreqStart)
	if err != nil {
		return nil, err
	}
	freqEnd, err := json.Marshal(c.FreqEnd)
	if err != nil {
		return nil, err
	}
	out["freq_start"] = freqStart
	out["freq_end"] = freqEnd
	return json.Marshal(out)
}

// WireRecord is the JSON-lines shape received from the publisher:
// {"ts":..., "sweep_start":..., "buckets": {"<freq_hz>": db, ...}, "config": {...}}
type WireRecord struct {
	TS         float64            `json:"ts"`
	SweepStart float64            `json:"sweep_start"`
	Buckets    map[string]float64 `json:"buckets"`
	Config     ScanConfig         `json:"config"`
}

// Frame is an unordered collection of records sharing one SweepStart.
type Frame struct {
	SweepStart float64
	Records    []Record
	Config     ScanConfig
}

// BinSample is one point of a resampled, quantized frame: a frequency in MHz
// and its (possibly smoothed) power in dB.
type BinSample struct {
	FreqMHz float64
	DB      float64
}

// ResampledFrame is a frame mapped onto the SCAN_FRES grid: strictly
// ascending by FreqMHz, no duplicate frequency keys.
type ResampledFrame struct {
	Samples []BinSample
	MaxTS   float64
}

// Peak is a detected local maximum of the smoothed dB curve.
type Peak struct {
	FreqMHz float64
	DB      float64
}

// PeakBin is a peak after being mapped to its monitoring bin center.
type PeakBin struct {
	CenterMHz float64
	DB        float64
}

// BinSet is the set of monitoring bin centers (MHz) detected in one frame.
type BinSet map[float64]struct{}

// NewBinSet builds a BinSet from a slice of centers.
func NewBinSet(centers ...float64) BinSet {
	s := make(BinSet, len(centers))
	for _, c := range centers {
		s[c] = struct{}{}
	}
	return s
}

// Sub returns the elements of s not present in other (s - other).
func (s BinSet) Sub(other BinSet) BinSet {
	out := make(BinSet)
	for c := range s {
		if _, ok := other[c]; !ok {
			out[c] = struct{}{}
		}
	}
	return out
}

// Sorted returns the bin centers in ascending order.
func (s BinSet) Sorted() []float64 {
	out := make([]float64, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Float64s(out)
	return out
}

// FreqExclusion is a [lo_hz, hi_hz] interval a recorder refuses to record in.
// Either bound may be absent (nil), meaning unbounded on that side.
type FreqExclusion struct {
	LoHz *float64
	HiHz *float64
}

// Contains reports whether hz falls within the exclusion range.
func (e FreqExclusion) Contains(hz float64) bool {
	if e.LoHz != nil && hz < *e.LoHz {
		return false
	}
	if e.HiHz != nil && hz > *e.HiHz {
		return false
	}
	return true
}

// RecorderInfo describes one SDR recorder worker and its current exclusions.
type RecorderInfo struct {
	BaseURL      string
	FreqExcluded []FreqExclusion
}

// Excludes reports whether any exclusion range in r covers the given
// frequency in Hz.
func (r RecorderInfo) Excludes(hz float64) bool {
	for _, e := range r.FreqExcluded {
		if e.Contains(hz) {
			return true
		}
	}
	return false
}

// FFTSample is one point of the long-window running spectrum, timestamped so
// it can be pruned by age.
type FFTSample struct {
	At      time.Time
	FreqMHz float64
	DB      float64
}

// RecordRequest is a single dispatched (signal, recorder) assignment.
type RecordRequest struct {
	SignalMHz   float64
	RecorderURL string
}
