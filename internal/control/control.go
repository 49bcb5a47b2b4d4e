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

// Package control implements the operator control surface described in
// SPEC_FULL.md §4.5: GET / renders the current peak bins, POST /result
// enqueues a periodic or repeated one-shot recording job, and GET /requests
// lists scheduled jobs. Routing follows the teacher's
// internal/ratelimiter/api/server.go; the caller mounts /metrics alongside
// these routes the way cmd/tfd-proxy/main.go wires promhttp.Handler().
package control

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync/atomic"
	"time"

	"sigfinder/internal/scheduler"
	"sigfinder/internal/sigtypes"
)

// Requester issues one record request against a worker, in the same shape as
// a sigtypes.RecordRequest but addressed explicitly by the operator.
type Requester interface {
	Request(workerURL string, signalMHz float64, bandwidthMBps, durationSecs int) error
}

// JobScheduler is the subset of internal/scheduler.Scheduler the control
// surface needs.
type JobScheduler interface {
	Every(interval time.Duration, tag string, fn func())
	Jobs() []scheduler.Job
}

// Server is the operator control surface.
type Server struct {
	sched     JobScheduler
	requester Requester
	latest    atomic.Pointer[[]sigtypes.PeakBin]
}

// New returns a Server. Publish must be called at least once before GET /
// renders anything meaningful.
func New(sched JobScheduler, requester Requester) *Server {
	return &Server{sched: sched, requester: requester}
}

// Publish replaces the latest peak-bin snapshot, matching the specification's
// single-slot atomic.Pointer[[]PeakBin] design (SPEC_FULL.md §9). Called by
// the Processor/Detector wiring after every closed frame.
func (s *Server) Publish(bins []sigtypes.PeakBin) {
	snap := make([]sigtypes.PeakBin, len(bins))
	copy(snap, bins)
	s.latest.Store(&snap)
}

// RegisterRoutes attaches the control surface's handlers to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/result", s.handleResult)
	mux.HandleFunc("/requests", s.handleRequests)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>signal finder</title></head><body>
<h1>current peak bins</h1>
<table border="1">
<tr><th>center MHz</th><th>dB</th></tr>
{{range .}}<tr><td>{{.CenterMHz}}</td><td>{{.DB}}</td></tr>
{{end}}
</table>
</body></html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	bins := s.latest.Load()
	if bins == nil {
		bins = &[]sigtypes.PeakBin{}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, *bins); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// resultRequest is the POST /result body shape from the specification.
type resultRequest struct {
	Worker    string  `json:"worker"`
	Frequency float64 `json:"frequency"` // MHz
	Bandwidth int     `json:"bandwidth"` // MB/s
	Duration  int     `json:"duration"`  // seconds
	Repeat    int     `json:"repeat"`    // -1 means periodic, else N one-shots
}

// handleResult enqueues a periodic job (repeat == -1) or issues repeat+1
// one-shot requests spaced duration seconds apart, per SPEC_FULL.md §4.5.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Worker == "" || req.Duration <= 0 {
		http.Error(w, "worker and duration are required", http.StatusBadRequest)
		return
	}

	issue := func() {
		if err := s.requester.Request(req.Worker, req.Frequency, req.Bandwidth, req.Duration); err != nil {
			// Best-effort: the job loop cannot surface errors to the caller,
			// who has already received 202.
			_ = err
		}
	}

	if req.Repeat < 0 {
		tag := fmt.Sprintf("%s:%g", req.Worker, req.Frequency)
		s.sched.Every(time.Duration(req.Duration)*time.Second, tag, issue)
	} else {
		go func(n int) {
			for i := 0; i <= n; i++ {
				issue()
				if i < n {
					time.Sleep(time.Duration(req.Duration) * time.Second)
				}
			}
		}(req.Repeat)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.Jobs()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(jobs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
