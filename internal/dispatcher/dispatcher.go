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

// Package dispatcher implements the recorder-dispatch logic described in
// SPEC_FULL.md §4.4: fetching per-recorder frequency exclusions, ranking
// candidate signals from the flattened bin history, assigning signals to
// recorders under a per-round capacity limit, and issuing record requests.
// Grounded on sigfinder.py's get_freq_exclusions/call_record_signals and the
// choose_record_signal/choose_recorders contracts (sigwindows.py is not in
// the retrieval pack; tie-break order is this implementation's own
// documented choice, see DESIGN.md).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"

	"sigfinder/internal/sflog"
	"sigfinder/internal/sigtypes"
)

// MB is the bandwidth multiplier (2^20 = 1,048,576 samples per second per
// record_bw_msps unit) used for record request arithmetic.
const MB = 1_048_576

// HTTPDoer is the subset of *http.Client the dispatcher needs, letting tests
// substitute a recording stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Metrics receives the per-round outcomes the caller should publish as
// Prometheus series. Implemented by internal/metrics.
type Metrics interface {
	SetWorkerRecordRequest(worker string, signalHz int64)
}

// Auditor records one dispatch decision for durable audit, independent of
// Metrics' in-memory counters. Implemented by internal/dispatchlog's
// DispatcherAdapter; nil by default (no-op).
type Auditor interface {
	RecordDispatch(ctx context.Context, requestID, recorderURL string, signalHz int64, accepted bool) error
}

// Config bundles the dispatcher's knobs (specification §6).
type Config struct {
	Recorders          []string
	MaxRecorderSignals int
	RecordBWMsps       int
	RecordSecs         int
	// RecorderSelect selects the per-round recorder-assignment policy:
	// "" (rank-order, default) or "rendezvous" (consistent-hash assignment,
	// SPEC_FULL.md §11).
	RecorderSelect string
}

// Dispatcher issues recorder requests for the current bin history.
type Dispatcher struct {
	client  HTTPDoer
	metrics Metrics
	cfg     Config
	auditor Auditor
}

// New returns a Dispatcher. client may be *http.Client{Timeout: ...} or a
// test stub implementing HTTPDoer.
func New(client HTTPDoer, metrics Metrics, cfg Config) *Dispatcher {
	return &Dispatcher{client: client, metrics: metrics, cfg: cfg}
}

// SetAuditor wires an optional durable audit trail for dispatch decisions.
// Left unset (nil), RunRound audits nothing, matching the default off
// dispatch_audit_dsn configuration.
func (d *Dispatcher) SetAuditor(auditor Auditor) {
	d.auditor = auditor
}

// freqExcludedWire is the JSON shape of a recorder's /v1/info response.
type freqExcludedWire struct {
	FreqExcluded [][2]*float64 `json:"freq_excluded"`
}

// FetchExclusions issues GET <recorder>/v1/info for every configured
// recorder, parsing freq_excluded pairs. Recorders that fail or return
// non-200 are simply absent from the result, per §4.4 step 1.
func (d *Dispatcher) FetchExclusions(ctx context.Context) []sigtypes.RecorderInfo {
	var infos []sigtypes.RecorderInfo
	for _, base := range d.cfg.Recorders {
		excl, ok := d.fetchOneExclusion(ctx, base)
		if !ok {
			continue
		}
		infos = append(infos, sigtypes.RecorderInfo{BaseURL: base, FreqExcluded: excl})
	}
	return infos
}

func (d *Dispatcher) fetchOneExclusion(ctx context.Context, base string) ([]sigtypes.FreqExclusion, bool) {
	url := fmt.Sprintf("%s/v1/info", base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		sflog.Debugf("build info request for %s: %v", base, err)
		return nil, false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		sflog.Debugf("info request to %s failed: %v", base, err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		sflog.Debugf("info request to %s returned %d", base, resp.StatusCode)
		return nil, false
	}
	var wire freqExcludedWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		sflog.Debugf("decode info response from %s: %v", base, err)
		return nil, false
	}
	exclusions := make([]sigtypes.FreqExclusion, 0, len(wire.FreqExcluded))
	for _, pair := range wire.FreqExcluded {
		exclusions = append(exclusions, sigtypes.FreqExclusion{LoHz: pair[0], HiHz: pair[1]})
	}
	return exclusions, true
}

// ChooseRecordSignal ranks flattened history entries by descending
// occurrence count then ascending frequency, and returns the top limit
// unique centers.
func ChooseRecordSignal(flattened []float64, limit int) []float64 {
	counts := make(map[float64]int, len(flattened))
	for _, f := range flattened {
		counts[f]++
	}
	uniq := make([]float64, 0, len(counts))
	for f := range counts {
		uniq = append(uniq, f)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if counts[uniq[i]] != counts[uniq[j]] {
			return counts[uniq[i]] > counts[uniq[j]]
		}
		return uniq[i] < uniq[j]
	})
	if limit >= 0 && limit < len(uniq) {
		uniq = uniq[:limit]
	}
	return uniq
}

// ChooseRecorders assigns ranked signals to recorders: no recorder exceeds
// maxPerRecorder assignments, a signal is never assigned to a recorder whose
// exclusion set contains it, and assignment is deterministic: iterate
// signals in rank order, and for each pick the first eligible recorder
// (ascending by base URL) with remaining capacity. If recorderSelect is
// "rendezvous", the recorder that the consistent hash picks for the signal
// (over all recorders passed in) is tried first; when it lacks capacity or
// excludes the signal, the remaining recorders are tried in ascending
// base-URL order.
func ChooseRecorders(signals []float64, recorders []sigtypes.RecorderInfo, maxPerRecorder int, recorderSelect string) []sigtypes.RecordRequest {
	if len(recorders) == 0 || maxPerRecorder <= 0 {
		return nil
	}
	sorted := make([]sigtypes.RecorderInfo, len(recorders))
	copy(sorted, recorders)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BaseURL < sorted[j].BaseURL })

	var hasher *rendezvous.Rendezvous
	if recorderSelect == "rendezvous" {
		urls := make([]string, len(sorted))
		for i, r := range sorted {
			urls[i] = r.BaseURL
		}
		hasher = rendezvous.New(urls, func(s string) uint64 { return xxhash.Sum64String(s) })
	}

	remaining := make(map[string]int, len(sorted))
	for _, r := range sorted {
		remaining[r.BaseURL] = maxPerRecorder
	}

	var out []sigtypes.RecordRequest
	for _, signal := range signals {
		order := recorderOrder(sorted, signal, hasher)
		for _, r := range order {
			hz := signal * 1e6
			if remaining[r.BaseURL] <= 0 || r.Excludes(hz) {
				continue
			}
			out = append(out, sigtypes.RecordRequest{SignalMHz: signal, RecorderURL: r.BaseURL})
			remaining[r.BaseURL]--
			break
		}
	}
	return out
}

// recorderOrder returns the preference order of recorders to try for one
// signal: rendezvous-hash order when hasher is set, else the fixed
// ascending-by-base-URL order already applied to sorted.
func recorderOrder(sorted []sigtypes.RecorderInfo, signal float64, hasher *rendezvous.Rendezvous) []sigtypes.RecorderInfo {
	if hasher == nil {
		return sorted
	}
	byURL := make(map[string]sigtypes.RecorderInfo, len(sorted))
	for _, r := range sorted {
		byURL[r.BaseURL] = r
	}
	key := fmt.Sprintf("%g", signal)
	preferred := hasher.Lookup(key)
	order := make([]sigtypes.RecorderInfo, 0, len(sorted))
	if r, ok := byURL[preferred]; ok {
		order = append(order, r)
	}
	for _, r := range sorted {
		if r.BaseURL != preferred {
			order = append(order, r)
		}
	}
	return order
}

// RunRound executes one full dispatch round: fetch exclusions, rank flattened
// history signals, assign to recorders, and issue record requests, updating
// Metrics for every accepted request. history is ordered newest-first, one
// BinSet per recent frame, matching internal/sigtypes.BinSet and
// SPEC_FULL.md §4.4.
func (d *Dispatcher) RunRound(ctx context.Context, history []sigtypes.BinSet) {
	if len(history) == 0 {
		return
	}
	var flattened []float64
	for _, bins := range history {
		flattened = append(flattened, bins.Sorted()...)
	}

	recorders := d.FetchExclusions(ctx)
	if len(recorders) == 0 {
		return
	}

	limit := len(recorders) * d.cfg.MaxRecorderSignals
	signals := ChooseRecordSignal(flattened, limit)
	assignments := ChooseRecorders(signals, recorders, d.cfg.MaxRecorderSignals, d.cfg.RecorderSelect)

	for _, a := range assignments {
		d.issueRequest(ctx, a)
	}
}

func (d *Dispatcher) issueRequest(ctx context.Context, a sigtypes.RecordRequest) {
	signalHz := int64(a.SignalMHz * 1e6)
	recordBPS := d.cfg.RecordBWMsps * MB
	samples := int64(recordBPS) * int64(d.cfg.RecordSecs)
	url := fmt.Sprintf("%s/v1/record/%d/%d/%d", a.RecorderURL, signalHz, samples, recordBPS)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		sflog.Warnf("build record request %s: %v", url, err)
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		sflog.Debugf("record request %s failed: %v", url, err)
		return
	}
	defer resp.Body.Close()
	accepted := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !accepted {
		sflog.Debugf("record request %s returned %d", url, resp.StatusCode)
	}

	if d.auditor != nil {
		requestID := fmt.Sprintf("%s-%d-%d", a.RecorderURL, signalHz, time.Now().UnixNano())
		if err := d.auditor.RecordDispatch(ctx, requestID, a.RecorderURL, signalHz, accepted); err != nil {
			sflog.Warnf("audit dispatch %s: %v", url, err)
		}
	}

	if !accepted {
		return
	}
	if d.metrics != nil {
		d.metrics.SetWorkerRecordRequest(a.RecorderURL, signalHz)
	}
}
