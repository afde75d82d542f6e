// Package queue implements the durable job queue (C8): a thin,
// domain-specific wrapper over internal/queue/streams that enqueues
// research pipeline runs and reports their queue-visible state.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ideaforge/engine/internal/queue/streams"
)

// StreamJobEnqueued is the Redis stream new jobs are published to.
const StreamJobEnqueued = "job.enqueued"

// Job states, per §4.8.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateStalled   = "stalled"
)

// JobPayload is the enqueued unit of work: enough to start or resume
// a research session.
type JobPayload struct {
	ProblemStatement string         `json:"problemStatement"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Queue publishes jobs onto the durable stream.
type Queue struct {
	publisher *streams.Publisher
}

// New builds a Queue bound to a publisher already wired with the
// schema registry.
func New(publisher *streams.Publisher) *Queue {
	return &Queue{publisher: publisher}
}

// Enqueue publishes a new job and returns its opaque jobId. The jobId
// is also the envelope's event id, so a worker can address checkpoints
// by it directly.
func (q *Queue) Enqueue(ctx context.Context, problemStatement string, metadata map[string]any) (string, error) {
	jobID := uuid.NewString()
	payload := JobPayload{ProblemStatement: problemStatement, Metadata: metadata}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	env := streams.Envelope{
		EventID:        jobID,
		EventType:      StreamJobEnqueued,
		PayloadVersion: "v1",
		Data:           data,
	}
	if _, err := q.publisher.Publish(ctx, StreamJobEnqueued, env); err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	streams.RecordJobPublished(ctx)
	return jobID, nil
}

// Checkpoint stage names shared between the worker (which writes
// them) and any poller (which reads them) — keeping them here avoids
// the two packages agreeing on magic strings independently.
const (
	StagePipeline       = "queue.pipeline"
	StageSessionBind    = "queue.session_binding"
	StageStallCount     = "queue.stall_count"
	StageFailedReason   = "queue.failed_reason"
	StageProviderStatus = "queue.provider_status"
)

// ScopeJobAttempt namespaces internal/store.Store.ClaimIdempotency
// claims keyed by (jobID, attempt): the worker claims one before
// running the pipeline for that attempt so a redelivery of the exact
// same attempt (a stalled-consumer reclaim, or Redis Streams' own
// at-least-once delivery) is recognized and skipped instead of
// rerunning fan-out and duplicating idea rows (Testable Property 6).
const ScopeJobAttempt = "queue.job_attempt"

// JobStatus is the polled state of one enqueued job, per §6.1's
// `GET /research/job/:jobId` response shape.
type JobStatus struct {
	JobID          string
	State          string
	SessionID      string
	FailedReason   string
	ProviderStatus json.RawMessage
}

// CheckpointReader is the read side of the checkpoint store, enough to
// reconstruct a job's polled status without depending on the store
// package directly.
type CheckpointReader interface {
	GetCheckpoint(ctx context.Context, jobID, stage string) (status string, found bool, err error)
}

// Status reconstructs a job's polled state from its checkpoints. A job
// with no pipeline checkpoint yet is reported as waiting: the worker
// hasn't picked it up, but it was durably enqueued.
func Status(ctx context.Context, reader CheckpointReader, jobID string) (JobStatus, error) {
	out := JobStatus{JobID: jobID, State: StateWaiting}

	if state, found, err := reader.GetCheckpoint(ctx, jobID, StagePipeline); err != nil {
		return out, err
	} else if found {
		out.State = state
	}
	if sessionID, found, err := reader.GetCheckpoint(ctx, jobID, StageSessionBind); err != nil {
		return out, err
	} else if found {
		out.SessionID = sessionID
	}
	if reason, found, err := reader.GetCheckpoint(ctx, jobID, StageFailedReason); err != nil {
		return out, err
	} else if found {
		out.FailedReason = reason
	}
	if raw, found, err := reader.GetCheckpoint(ctx, jobID, StageProviderStatus); err != nil {
		return out, err
	} else if found {
		out.ProviderStatus = json.RawMessage(raw)
	}
	return out, nil
}
