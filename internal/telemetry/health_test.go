package telemetry

import (
	"testing"
	"time"
)

func TestProviderHealthSlidingWindowDropsOldSamples(t *testing.T) {
	h := NewProviderHealth(3)

	h.Record("openai", false, 100*time.Millisecond)
	h.Record("openai", false, 100*time.Millisecond)
	h.Record("openai", false, 100*time.Millisecond)
	if got := h.Status("openai"); got.SuccessRate != 0 {
		t.Fatalf("expected 0%% success rate after three failures, got %+v", got)
	}

	// A window of 3: three more successes should push every failure out.
	h.Record("openai", true, 200*time.Millisecond)
	h.Record("openai", true, 200*time.Millisecond)
	h.Record("openai", true, 200*time.Millisecond)

	got := h.Status("openai")
	if got.Samples != 3 {
		t.Fatalf("expected window capped at 3 samples, got %d", got.Samples)
	}
	if got.SuccessRate != 1 {
		t.Fatalf("expected 100%% success rate once failures rolled off the window, got %+v", got)
	}
	if got.AvgLatencyMs != 200 {
		t.Fatalf("expected average latency of 200ms, got %d", got.AvgLatencyMs)
	}
}

func TestProviderHealthUnknownProviderReportsZeroSamples(t *testing.T) {
	h := NewProviderHealth(0)
	got := h.Status("never-called")
	if got.Samples != 0 || got.SuccessRate != 0 {
		t.Fatalf("expected zero-value status for an unrecorded provider, got %+v", got)
	}
}

func TestProviderHealthSnapshotSortedByProvider(t *testing.T) {
	h := NewProviderHealth(5)
	h.Record("openai", true, 50*time.Millisecond)
	h.Record("anthropic", true, 50*time.Millisecond)

	snap := h.Snapshot()
	if len(snap) != 2 || snap[0].Provider != "anthropic" || snap[1].Provider != "openai" {
		t.Fatalf("expected snapshot sorted by provider name, got %+v", snap)
	}
}
