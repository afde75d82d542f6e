// Package telemetry tracks per-provider cost/latency/token metrics and
// wires OpenTelemetry tracing plus a Prometheus /metrics endpoint.
package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ideaforge/engine/config"
)

// Telemetry is the process-wide sink for cost tracking, provider
// metrics, and slow-query logging. One instance is built at startup
// and passed explicitly to every component that reports timings.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	metrics     *ProviderMetrics
	costTracker *CostTracker
	health      *ProviderHealth

	promRequests *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec
	promErrors   *prometheus.CounterVec
}

// ProviderMetrics holds per-provider counters guarded by Telemetry.mu.
type ProviderMetrics struct {
	Requests       map[string]int64
	Successes      map[string]int64
	Failures       map[string]int64
	TokensUsed     map[string]int64
	AverageLatency map[string]time.Duration
}

// CostTracker accumulates approximate spend, mirroring the shape the
// reference implementation keeps per provider and per model.
type CostTracker struct {
	ProviderCosts map[string]float64
	ModelCosts    map[string]float64
	TotalCost     float64
	TotalTokens   int64
}

// New builds a Telemetry sink. When cfg.Enabled, provider counters are
// also registered with the given Prometheus registerer (pass
// prometheus.DefaultRegisterer or a private registry).
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		tracer: otel.Tracer("ideaforge/engine"),
		metrics: &ProviderMetrics{
			Requests:       make(map[string]int64),
			Successes:      make(map[string]int64),
			Failures:       make(map[string]int64),
			TokensUsed:     make(map[string]int64),
			AverageLatency: make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			ProviderCosts: make(map[string]float64),
			ModelCosts:    make(map[string]float64),
		},
		health: NewProviderHealth(0),
	}

	if cfg.Enabled {
		t.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ideaforge_provider_requests_total",
			Help: "Total provider calls by provider and outcome.",
		}, []string{"provider", "outcome"})
		t.promLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ideaforge_provider_latency_seconds",
			Help:    "Provider call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"})
		t.promErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ideaforge_pipeline_errors_total",
			Help: "Pipeline errors by classified code.",
		}, []string{"code"})
		if reg != nil {
			reg.MustRegister(t.promRequests, t.promLatency, t.promErrors)
		}
	}

	return t
}

// Tracer returns the OTel tracer used for orchestrator pipeline spans.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// StartSpan starts a named span for one orchestrator pipeline stage.
func (t *Telemetry) StartSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, stage)
}

// RecordProviderCall records the outcome of a single provider attempt.
func (t *Telemetry) RecordProviderCall(provider string, success bool, latency time.Duration, promptTokens, completionTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.Requests[provider]++
	if success {
		t.metrics.Successes[provider]++
	} else {
		t.metrics.Failures[provider]++
	}
	tokens := int64(promptTokens + completionTokens)
	t.metrics.TokensUsed[provider] += tokens
	t.costTracker.TotalTokens += tokens

	n := t.metrics.Requests[provider]
	prev := t.metrics.AverageLatency[provider]
	t.metrics.AverageLatency[provider] = prev + (latency-prev)/time.Duration(n)

	t.health.Record(provider, success, latency)

	if t.cfg.Enabled {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		t.promRequests.WithLabelValues(provider, outcome).Inc()
		t.promLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// RecordError records a classified pipeline error by code.
func (t *Telemetry) RecordError(code string) {
	if t.cfg.Enabled && t.promErrors != nil {
		t.promErrors.WithLabelValues(code).Inc()
	}
}

// ObserveQuery logs a repository query that exceeded the configured
// slow-query threshold. Timing itself belongs to the store; this is
// purely a reporting sink.
func (t *Telemetry) ObserveQuery(operation string, d time.Duration) {
	threshold := time.Duration(t.cfg.SlowQueryMillis) * time.Millisecond
	if d >= threshold {
		t.logger.Printf("slow query: %s took %s (threshold %s)", operation, d, threshold)
	}
}

// Snapshot returns a copy of the current provider metrics for
// diagnostics endpoints.
func (t *Telemetry) Snapshot() ProviderMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := ProviderMetrics{
		Requests:       make(map[string]int64, len(t.metrics.Requests)),
		Successes:      make(map[string]int64, len(t.metrics.Successes)),
		Failures:       make(map[string]int64, len(t.metrics.Failures)),
		TokensUsed:     make(map[string]int64, len(t.metrics.TokensUsed)),
		AverageLatency: make(map[string]time.Duration, len(t.metrics.AverageLatency)),
	}
	for k, v := range t.metrics.Requests {
		out.Requests[k] = v
	}
	for k, v := range t.metrics.Successes {
		out.Successes[k] = v
	}
	for k, v := range t.metrics.Failures {
		out.Failures[k] = v
	}
	for k, v := range t.metrics.TokensUsed {
		out.TokensUsed[k] = v
	}
	for k, v := range t.metrics.AverageLatency {
		out.AverageLatency[k] = v
	}
	return out
}

// ProviderHealth reports one provider's sliding-window success rate and
// average latency, for feeding into orchestrator.ProviderStatus.
func (t *Telemetry) ProviderHealth(provider string) HealthStatus {
	return t.health.Status(provider)
}

// ProviderHealthSnapshot reports every provider's sliding-window health
// seen so far, for surfacing on diagnostics and research-status routes.
func (t *Telemetry) ProviderHealthSnapshot() []HealthStatus {
	return t.health.Snapshot()
}

// NewTracerProvider builds a minimal SDK tracer provider for cmd/
// entrypoints; callers are responsible for Shutdown on exit. Without a
// configured OTLP endpoint the provider samples but exports nowhere,
// which is sufficient for local span propagation and tests.
func NewTracerProvider() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}
