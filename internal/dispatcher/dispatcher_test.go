package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"sigfinder/internal/sigtypes"
)

type fakeMetrics struct {
	mu    sync.Mutex
	calls map[string]int64
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{calls: map[string]int64{}} }

func (f *fakeMetrics) SetWorkerRecordRequest(worker string, signalHz int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[worker] = signalHz
}

func TestChooseRecordSignalRanksByCountThenFreq(t *testing.T) {
	flattened := []float64{150, 150, 110, 130, 130, 130}
	got := ChooseRecordSignal(flattened, 2)
	want := []float64{130, 150}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestChooseRecordersExcludesAndCaps(t *testing.T) {
	lo, hi := 140e6, 160e6
	recorders := []sigtypes.RecorderInfo{
		{BaseURL: "http://r1", FreqExcluded: []sigtypes.FreqExclusion{{LoHz: &lo, HiHz: &hi}}},
		{BaseURL: "http://r2"},
	}
	got := ChooseRecorders([]float64{150, 130}, recorders, 1, "")
	if len(got) != 2 {
		t.Fatalf("expected 2 assignments, got %d: %+v", len(got), got)
	}
	byFreq := map[float64]string{}
	for _, a := range got {
		byFreq[a.SignalMHz] = a.RecorderURL
	}
	if byFreq[150] != "http://r2" {
		t.Fatalf("150 MHz should avoid r1's exclusion, got %q", byFreq[150])
	}
	if byFreq[130] != "http://r1" {
		t.Fatalf("130 MHz should go to r1 (r2 already at capacity), got %q", byFreq[130])
	}
}

func TestChooseRecordersZeroRecordersIsNoOp(t *testing.T) {
	got := ChooseRecorders([]float64{100}, nil, 1, "")
	if got != nil {
		t.Fatalf("expected no assignments with zero recorders, got %v", got)
	}
}

func TestDispatcherRunRoundExclusionHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/info":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"freq_excluded": [][2]*float64{{ptr(140e6), ptr(160e6)}},
			})
		case len(r.URL.Path) > len("/v1/record/"):
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	metrics := newFakeMetrics()
	d := New(srv.Client(), metrics, Config{
		Recorders:          []string{srv.URL},
		MaxRecorderSignals: 1,
		RecordBWMsps:       20,
		RecordSecs:         10,
	})

	history := []sigtypes.BinSet{sigtypes.NewBinSet(150)}
	d.RunRound(context.Background(), history)

	if len(metrics.calls) != 0 {
		t.Fatalf("expected no record requests honoring exclusion, got %v", metrics.calls)
	}
}

func TestDispatcherRunRoundSingleRecorderNoExclusion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/info":
			_ = json.NewEncoder(w).Encode(map[string]any{"freq_excluded": [][2]*float64{}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	metrics := newFakeMetrics()
	d := New(srv.Client(), metrics, Config{
		Recorders:          []string{srv.URL},
		MaxRecorderSignals: 1,
		RecordBWMsps:       20,
		RecordSecs:         10,
	})

	d.RunRound(context.Background(), []sigtypes.BinSet{sigtypes.NewBinSet(150)})

	if got, ok := metrics.calls[srv.URL]; !ok || got != 150_000_000 {
		t.Fatalf("expected a 150 MHz record request to %s, got %v", srv.URL, metrics.calls)
	}
}

func TestDispatcherRunRoundCapsAtTwoRecorders(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/info":
			_ = json.NewEncoder(w).Encode(map[string]any{"freq_excluded": [][2]*float64{}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
	srv1 := httptest.NewServer(http.HandlerFunc(handler))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(handler))
	defer srv2.Close()

	metrics := newFakeMetrics()
	d := New(http.DefaultClient, metrics, Config{
		Recorders:          []string{srv1.URL, srv2.URL},
		MaxRecorderSignals: 1,
		RecordBWMsps:       20,
		RecordSecs:         10,
	})

	history := make([]sigtypes.BinSet, 0, 3)
	for i := 0; i < 10; i++ {
		history = append(history, sigtypes.NewBinSet(float64(100+i*10)))
	}
	d.RunRound(context.Background(), history)

	if len(metrics.calls) != 2 {
		t.Fatalf("expected exactly 2 distinct recorders used, got %v", metrics.calls)
	}
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeAuditor) RecordDispatch(_ context.Context, requestID, recorderURL string, signalHz int64, accepted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, requestID+"|"+recorderURL)
	return nil
}

func TestDispatcherRunRoundAuditsAcceptedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/info":
			_ = json.NewEncoder(w).Encode(map[string]any{"freq_excluded": [][2]*float64{}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	metrics := newFakeMetrics()
	d := New(srv.Client(), metrics, Config{
		Recorders:          []string{srv.URL},
		MaxRecorderSignals: 1,
		RecordBWMsps:       20,
		RecordSecs:         10,
	})
	auditor := &fakeAuditor{}
	d.SetAuditor(auditor)

	d.RunRound(context.Background(), []sigtypes.BinSet{sigtypes.NewBinSet(150)})

	if len(auditor.entries) != 1 {
		t.Fatalf("expected one audited dispatch, got %v", auditor.entries)
	}
}

func TestDispatcherRunRoundWithoutAuditorIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/info":
			_ = json.NewEncoder(w).Encode(map[string]any{"freq_excluded": [][2]*float64{}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	metrics := newFakeMetrics()
	d := New(srv.Client(), metrics, Config{
		Recorders:          []string{srv.URL},
		MaxRecorderSignals: 1,
		RecordBWMsps:       20,
		RecordSecs:         10,
	})

	d.RunRound(context.Background(), []sigtypes.BinSet{sigtypes.NewBinSet(150)})

	if got, ok := metrics.calls[srv.URL]; !ok || got != 150_000_000 {
		t.Fatalf("expected dispatch to still succeed without an auditor wired, got %v", metrics.calls)
	}
}

func ptr(f float64) *float64 { return &f }
