package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	jobsPublished     otelmetric.Int64Counter
	jobsCompleted     otelmetric.Int64Counter
	jobsFailed        otelmetric.Int64Counter
	jobsRetried       otelmetric.Int64Counter
	jobsStalled       otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("ideaforge/queue/streams")
	var err error
	jobsPublished, err = meter.Int64Counter(
		"queue_jobs_published_total",
		otelmetric.WithDescription("Jobs published to the enqueue stream"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_jobs_published_total: %v", err)
	}
	jobsCompleted, err = meter.Int64Counter(
		"queue_jobs_completed_total",
		otelmetric.WithDescription("Jobs that finished the pipeline successfully"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_jobs_completed_total: %v", err)
	}
	jobsFailed, err = meter.Int64Counter(
		"queue_jobs_failed_total",
		otelmetric.WithDescription("Jobs that exhausted retries or hit ALL_PROVIDERS_FAILED"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_jobs_failed_total: %v", err)
	}
	jobsRetried, err = meter.Int64Counter(
		"queue_jobs_retried_total",
		otelmetric.WithDescription("Job attempts re-published after a failure"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_jobs_retried_total: %v", err)
	}
	jobsStalled, err = meter.Int64Counter(
		"queue_jobs_stalled_total",
		otelmetric.WithDescription("Jobs reclaimed after staying unacknowledged past the stalled timeout"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_jobs_stalled_total: %v", err)
	}
}

// RecordJobPublished increments the published counter for one job.
func RecordJobPublished(ctx context.Context) {
	streamMetricsOnce.Do(initStreamMetrics)
	if jobsPublished != nil {
		jobsPublished.Add(contextOrBackground(ctx), 1)
	}
}

// RecordJobOutcome increments the completed/failed/retried/stalled
// counter matching outcome, tagged with the job's current attempt.
func RecordJobOutcome(ctx context.Context, outcome string, attempt int) {
	streamMetricsOnce.Do(initStreamMetrics)
	attrs := otelmetric.WithAttributes(attribute.Int("attempt", attempt))
	switch outcome {
	case "completed":
		if jobsCompleted != nil {
			jobsCompleted.Add(contextOrBackground(ctx), 1, attrs)
		}
	case "failed":
		if jobsFailed != nil {
			jobsFailed.Add(contextOrBackground(ctx), 1, attrs)
		}
	case "retried":
		if jobsRetried != nil {
			jobsRetried.Add(contextOrBackground(ctx), 1, attrs)
		}
	case "stalled":
		if jobsStalled != nil {
			jobsStalled.Add(contextOrBackground(ctx), 1, attrs)
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
