package sigtypes

import (
	"encoding/json"
	"testing"
)

func TestScanConfigUnmarshalPreservesExtraFields(t *testing.T) {
	var cfg ScanConfig
	if err := json.Unmarshal([]byte(`{"freq_start":100000000,"freq_end":200000000,"gain":"auto"}`), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.FreqStart != 100_000_000 || cfg.FreqEnd != 200_000_000 {
		t.Fatalf("unexpected known fields: %+v", cfg)
	}
	if string(cfg.Extra["gain"]) != `"auto"` {
		t.Fatalf("expected gain to be preserved in Extra, got %v", cfg.Extra)
	}
}

func TestScanConfigRoundTripsExtraFields(t *testing.T) {
	in := []byte(`{"freq_start":100000000,"freq_end":200000000,"gain":"auto","samp_rate":20000000}`)
	var cfg ScanConfig
	if err := json.Unmarshal(in, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped ScanConfig
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("unmarshal round-tripped: %v", err)
	}
	if roundTripped.FreqStart != cfg.FreqStart || roundTripped.FreqEnd != cfg.FreqEnd {
		t.Fatalf("known fields did not round-trip: %+v", roundTripped)
	}
	if string(roundTripped.Extra["gain"]) != `"auto"` || string(roundTripped.Extra["samp_rate"]) != "20000000" {
		t.Fatalf("extra fields did not round-trip: %v", roundTripped.Extra)
	}
}

func TestScanConfigUnmarshalNoExtraFieldsLeavesExtraNil(t *testing.T) {
	var cfg ScanConfig
	if err := json.Unmarshal([]byte(`{"freq_start":100000000,"freq_end":200000000}`), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Extra != nil {
		t.Fatalf("expected nil Extra with no extra fields, got %v", cfg.Extra)
	}
}
