package telemetry

import (
	"sort"
	"sync"
	"time"
)

// healthWindowSize bounds how many of a provider's most recent calls
// feed its health status; older outcomes fall off the ring rather than
// being folded into a lifetime average.
const healthWindowSize = 20

type healthSample struct {
	success bool
	latency time.Duration
}

// ProviderHealth tracks each provider's recent call outcomes in a
// fixed-size ring, reporting a success rate and average latency over
// that trailing window instead of a cumulative lifetime figure.
// Modeled after the reference implementation's FairnessConfig/
// CrawlPolicy machinery for domain credibility, repurposed here from
// source credibility to provider reliability: this is observational
// only and is never consulted to skip, reorder, or rank a configured
// provider against another.
type ProviderHealth struct {
	mu     sync.Mutex
	window int
	rings  map[string][]healthSample
	cursor map[string]int
}

// NewProviderHealth builds a tracker with the given window size; a
// non-positive size falls back to healthWindowSize.
func NewProviderHealth(window int) *ProviderHealth {
	if window <= 0 {
		window = healthWindowSize
	}
	return &ProviderHealth{
		window: window,
		rings:  map[string][]healthSample{},
		cursor: map[string]int{},
	}
}

// Record folds one provider call outcome into its sliding window.
func (h *ProviderHealth) Record(provider string, success bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := h.rings[provider]
	sample := healthSample{success: success, latency: latency}
	if len(ring) < h.window {
		h.rings[provider] = append(ring, sample)
		return
	}
	ring[h.cursor[provider]] = sample
	h.cursor[provider] = (h.cursor[provider] + 1) % h.window
}

// HealthStatus is one provider's sliding-window health at the moment
// of the snapshot.
type HealthStatus struct {
	Provider     string
	Samples      int
	SuccessRate  float64
	AvgLatencyMs int64
}

// Status reports one provider's current window, or a zero HealthStatus
// with Samples == 0 if nothing has been recorded for it yet.
func (h *ProviderHealth) Status(provider string) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return statusFromRing(provider, h.rings[provider])
}

// Snapshot reports every provider seen so far, sorted by name for
// stable API output.
func (h *ProviderHealth) Snapshot() []HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HealthStatus, 0, len(h.rings))
	for provider, ring := range h.rings {
		out = append(out, statusFromRing(provider, ring))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func statusFromRing(provider string, ring []healthSample) HealthStatus {
	if len(ring) == 0 {
		return HealthStatus{Provider: provider}
	}
	var successes int
	var total time.Duration
	for _, s := range ring {
		if s.success {
			successes++
		}
		total += s.latency
	}
	return HealthStatus{
		Provider:     provider,
		Samples:      len(ring),
		SuccessRate:  float64(successes) / float64(len(ring)),
		AvgLatencyMs: total.Milliseconds() / int64(len(ring)),
	}
}
