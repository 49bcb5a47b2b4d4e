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

package processor

import "sigfinder/internal/sigtypes"

// frameAssembler tracks the sweep boundary and carries records belonging to
// a still-open sweep across batches, closing a frame whenever a new batch's
// maximum sweep_start differs from the last one seen. Grounded directly on
// sigfinder.py's process_fft_lines carry-over of `fftbuffer`/`last_sweep_start`,
// including its exact first-frame transient: the very first detected
// boundary is emitted as a complete frame with no carry, since no buffer
// exists yet to merge against.
type frameAssembler struct {
	hasBuffer      bool
	buffer         []sigtypes.Record
	lastSweepStart float64
}

// Ingest feeds one batch of newly parsed records and reports the frame
// closed by this batch, if any.
func (a *frameAssembler) Ingest(batch []sigtypes.Record, cfg sigtypes.ScanConfig) (sigtypes.Frame, bool) {
	if len(batch) == 0 {
		return sigtypes.Frame{}, false
	}

	maxSweep := batch[0].SweepStart
	for _, r := range batch[1:] {
		if r.SweepStart > maxSweep {
			maxSweep = r.SweepStart
		}
	}

	if maxSweep != a.lastSweepStart {
		var frame []sigtypes.Record
		closedSweep := a.lastSweepStart
		if !a.hasBuffer {
			frame = batch
			closedSweep = maxSweep
		} else {
			frame = append(a.buffer, filterBySweep(batch, a.lastSweepStart, true)...)
			a.buffer = filterBySweep(batch, a.lastSweepStart, false)
		}
		a.lastSweepStart = maxSweep
		return sigtypes.Frame{SweepStart: closedSweep, Records: frame, Config: cfg}, true
	}

	if !a.hasBuffer {
		a.buffer = batch
		a.hasBuffer = true
	} else {
		a.buffer = append(a.buffer, batch...)
	}
	return sigtypes.Frame{}, false
}

func filterBySweep(records []sigtypes.Record, sweepStart float64, equal bool) []sigtypes.Record {
	out := make([]sigtypes.Record, 0, len(records))
	for _, r := range records {
		if (r.SweepStart == sweepStart) == equal {
			out = append(out, r)
		}
	}
	return out
}
