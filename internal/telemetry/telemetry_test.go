package telemetry

import (
	"context"
	"testing"
)

func TestNewProviderDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Meter("relay") == nil {
		t.Fatal("expected fallback meter")
	}
	if Environment() != "staging" {
		t.Fatalf("expected lower-cased environment, got %q", Environment())
	}
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush on disabled provider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on disabled provider: %v", err)
	}
}

func TestEnvironmentDefault(t *testing.T) {
	SetEnvironment("  ")
	if Environment() != "development" {
		t.Fatalf("expected development fallback, got %q", Environment())
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Errorf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHistogramViews(t *testing.T) {
	if len(HistogramViews()) != 2 {
		t.Fatal("expected bundle and oracle latency views")
	}
}

func TestAttributeHelpers(t *testing.T) {
	attrs := StageAttributes("dev", "validate", "-8")
	if len(attrs) != 3 || attrs[1].Value.AsString() != "validate" {
		t.Fatalf("unexpected stage attributes %v", attrs)
	}
	if got := PolicyAttributes("dev", "acme", "throttled"); got[2].Value.AsString() != "throttled" {
		t.Fatalf("unexpected policy attributes %v", got)
	}
}
