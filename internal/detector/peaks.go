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

package detector

import "sigfinder/internal/sigtypes"

// findPeaks is a width/prominence/threshold peak finder over the sorted,
// smoothed samples, standing in for scipy_find_sig_windows (imported by
// sigfinder.py from gamutrf.sigwindows, not present in the retrieval pack).
// A sample i is a local maximum candidate if it is >= its neighbors within
// width/2 samples on each side; it survives if its db is at or above
// threshold and its prominence (see peakProminence) is at least the
// configured minimum.
func findPeaks(samples []sigtypes.BinSample, width int, prominence, threshold float64) []sigtypes.Peak {
	n := len(samples)
	if n == 0 || width <= 0 {
		return nil
	}
	half := width / 2
	if half < 1 {
		half = 1
	}

	var candidates []int
	for i := 0; i < n; i++ {
		if samples[i].DB < threshold {
			continue
		}
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi >= n {
			hi = n - 1
		}
		isMax := true
		for j := lo; j <= hi; j++ {
			if j == i {
				continue
			}
			if samples[j].DB > samples[i].DB {
				isMax = false
				break
			}
		}
		if isMax {
			candidates = append(candidates, i)
		}
	}

	var peaks []sigtypes.Peak
	for _, i := range candidates {
		if peakProminence(samples, i) < prominence {
			continue
		}
		peaks = append(peaks, sigtypes.Peak{FreqMHz: samples[i].FreqMHz, DB: samples[i].DB})
	}
	return peaks
}

// peakProminence is the height of sample i above the higher of the two
// lowest saddle points reached walking left and right before encountering a
// taller sample (or the array edge).
func peakProminence(samples []sigtypes.BinSample, i int) float64 {
	leftMin := samples[i].DB
	for j := i - 1; j >= 0; j-- {
		if samples[j].DB > samples[i].DB {
			break
		}
		if samples[j].DB < leftMin {
			leftMin = samples[j].DB
		}
	}
	rightMin := samples[i].DB
	for j := i + 1; j < len(samples); j++ {
		if samples[j].DB > samples[i].DB {
			break
		}
		if samples[j].DB < rightMin {
			rightMin = samples[j].DB
		}
	}
	saddle := leftMin
	if rightMin > saddle {
		saddle = rightMin
	}
	return samples[i].DB - saddle
}
