package gpio

import "testing"

func TestNoopTriggerNeverErrors(t *testing.T) {
	var trig Trigger = NoopTrigger{}
	if err := trig.Fire(5); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := trig.Fire(0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestFromEnvDefaultsToNoop(t *testing.T) {
	t.Setenv("PEAK_TRIGGER", "0")
	trig, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if _, ok := trig.(NoopTrigger); !ok {
		t.Fatalf("expected NoopTrigger when PEAK_TRIGGER=0, got %T", trig)
	}
}

func TestFromEnvUnsetIsNoop(t *testing.T) {
	trig, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if _, ok := trig.(NoopTrigger); !ok {
		t.Fatalf("expected NoopTrigger when PEAK_TRIGGER unset, got %T", trig)
	}
}
