// Package worker consumes durable jobs (C8) and drives the pipeline
// orchestrator to completion, with retry-with-backoff and
// stalled-consumer reassignment.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/orchestrator"
	"github.com/ideaforge/engine/internal/queue"
	"github.com/ideaforge/engine/internal/queue/streams"
	"github.com/ideaforge/engine/internal/store"
)

// StoreAPI captures the store methods the worker needs beyond what it
// hands to the orchestrator.
type StoreAPI interface {
	CreateSession(ctx context.Context, problemStatement string, metadata map[string]any) (store.Session, error)
	UpsertCheckpoint(ctx context.Context, jobID, stage, status string) error
	GetCheckpoint(ctx context.Context, jobID, stage string) (status string, found bool, err error)
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
}

// Runner is the subset of orchestrator.Orchestrator the worker drives.
type Runner interface {
	RunSession(ctx context.Context, sessionID, problemStatement string) (orchestrator.Result, error)
}

// Processor consumes job.enqueued events, resolves or creates the
// backing session, and runs the pipeline to completion, retrying
// transient failures with exponential backoff and reclaiming jobs
// left unacknowledged for longer than StalledTimeout. No heartbeat is
// sent while a job runs, so a job still running past StalledTimeout
// is reclaimed as well.
type Processor struct {
	logger    *log.Logger
	store     StoreAPI
	runner    Runner
	consumer  *streams.Consumer
	publisher *streams.Publisher
	cfg       config.QueueConfig
	tracer    trace.Tracer

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Processor.
func New(logger *log.Logger, st StoreAPI, runner Runner, pub *streams.Publisher, cons *streams.Consumer, cfg config.QueueConfig, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	return &Processor{
		logger:    logger,
		store:     st,
		runner:    runner,
		consumer:  cons,
		publisher: pub,
		cfg:       cfg,
		tracer:    tracer,
		sem:       make(chan struct{}, cfg.Concurrency),
	}
}

// Start blocks, consuming job.enqueued until ctx is cancelled. On
// cancellation it stops pulling new work and drains in-flight jobs
// before returning (graceful shutdown, per §4.8).
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; concurrency=%d attempts=%d", p.cfg.Concurrency, p.cfg.Attempts)

	stallCtx, stopStall := context.WithCancel(ctx)
	defer stopStall()
	go p.reclaimStalledLoop(stallCtx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: draining in-flight jobs")
			p.wg.Wait()
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, queue.StreamJobEnqueued, streams.WithBlock(5*time.Second), streams.WithCount(int64(p.cfg.Concurrency)))
		if err != nil {
			p.logger.Printf("error reading job stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			p.dispatch(ctx, msg, false)
		}
	}
}

// dispatch runs one message's handling on a bounded goroutine pool,
// blocking the caller when the pool is saturated so Read never races
// ahead of processing capacity.
func (p *Processor) dispatch(ctx context.Context, msg streams.Message, reclaimed bool) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() { <-p.sem; p.wg.Done() }()
		if err := p.handle(ctx, msg, reclaimed); err != nil {
			p.logger.Printf("error handling job %s: %v", msg.Envelope.EventID, err)
		}
		if err := p.consumer.Ack(ctx, queue.StreamJobEnqueued, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack job %s: %v", msg.Envelope.EventID, err)
		}
	}()
}

func (p *Processor) handle(ctx context.Context, msg streams.Message, reclaimed bool) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_job")
	defer span.End()

	jobID := msg.Envelope.EventID

	status, found, err := p.store.GetCheckpoint(ctx, jobID, queue.StagePipeline)
	if err != nil {
		return fmt.Errorf("get pipeline checkpoint: %w", err)
	}
	if found && (status == queue.StateCompleted || status == queue.StateFailed) {
		p.logger.Printf("job %s already %s, skipping redelivery", jobID, status)
		return nil
	}

	if reclaimed {
		if p.stalledLimitExceeded(ctx, jobID) {
			p.failJob(ctx, jobID, "exceeded max stalled count")
			return nil
		}
		streams.RecordJobOutcome(ctx, "stalled", msg.Envelope.Attempt)
	}

	claimKey := fmt.Sprintf("%s:%d", jobID, msg.Envelope.Attempt)
	claimed, err := p.store.ClaimIdempotency(ctx, queue.ScopeJobAttempt, claimKey)
	if err != nil {
		return fmt.Errorf("claim job attempt: %w", err)
	}
	if !claimed {
		p.logger.Printf("job %s attempt %d already claimed, skipping duplicate delivery", jobID, msg.Envelope.Attempt)
		return nil
	}

	if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StagePipeline, queue.StateActive); err != nil {
		return fmt.Errorf("mark job active: %w", err)
	}

	var payload queue.JobPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		p.failJob(ctx, jobID, "malformed job payload")
		return fmt.Errorf("unmarshal job payload: %w", err)
	}

	sessionID, err := p.resolveSession(ctx, jobID, payload)
	if err != nil {
		p.failJob(ctx, jobID, err.Error())
		return err
	}

	result, runErr := p.runner.RunSession(ctx, sessionID, payload.ProblemStatement)
	if runErr == nil {
		if statusJSON, err := json.Marshal(result.ProviderStatus); err == nil {
			if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StageProviderStatus, string(statusJSON)); err != nil {
				p.logger.Printf("warn: failed to record provider status for job %s: %v", jobID, err)
			}
		}
		if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StagePipeline, queue.StateCompleted); err != nil {
			p.logger.Printf("warn: failed to mark job %s completed: %v", jobID, err)
		}
		streams.RecordJobOutcome(ctx, "completed", msg.Envelope.Attempt)
		return nil
	}

	return p.retryOrFail(ctx, jobID, msg, runErr)
}

// retryOrFail republishes the job with a bumped attempt count and an
// exponential backoff delay when attempts remain, per §4.8's
// `attempts = 2 (default), exponential backoff with base 5000 ms`.
// Beyond the configured attempts the job is failed for good.
func (p *Processor) retryOrFail(ctx context.Context, jobID string, msg streams.Message, runErr error) error {
	next := msg.Envelope.Attempt + 1
	if next >= p.cfg.Attempts {
		p.failJob(ctx, jobID, runErr.Error())
		streams.RecordJobOutcome(ctx, "failed", msg.Envelope.Attempt)
		return runErr
	}

	backoff := p.cfg.BackoffBase * time.Duration(1<<uint(next))
	p.logger.Printf("job %s failed (attempt %d): %v; retrying in %s", jobID, msg.Envelope.Attempt, runErr, backoff)
	time.Sleep(backoff)

	retryEnv := msg.Envelope
	retryEnv.Attempt = next
	if _, err := p.publisher.Publish(ctx, queue.StreamJobEnqueued, retryEnv); err != nil {
		p.failJob(ctx, jobID, fmt.Sprintf("retry publish failed: %v", err))
		return fmt.Errorf("republish retry: %w", err)
	}
	if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StagePipeline, queue.StateWaiting); err != nil {
		p.logger.Printf("warn: failed to mark job %s waiting: %v", jobID, err)
	}
	streams.RecordJobOutcome(ctx, "retried", next)
	return nil
}

func (p *Processor) failJob(ctx context.Context, jobID, reason string) {
	if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StagePipeline, queue.StateFailed); err != nil {
		p.logger.Printf("warn: failed to mark job %s failed: %v", jobID, err)
	}
	if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StageFailedReason, reason); err != nil {
		p.logger.Printf("warn: failed to record failure reason for job %s: %v", jobID, err)
	}
}

// resolveSession implements §4.8's idempotent-resume rule: a job tied
// to a pre-created session via metadata.sessionId reuses it; otherwise
// the first attempt creates one and binds it to the job so a later
// retry of the same jobId resumes the same session rather than
// creating a duplicate.
func (p *Processor) resolveSession(ctx context.Context, jobID string, payload queue.JobPayload) (string, error) {
	if payload.Metadata != nil {
		if v, ok := payload.Metadata["sessionId"].(string); ok && v != "" {
			return v, nil
		}
	}

	if bound, found, err := p.store.GetCheckpoint(ctx, jobID, queue.StageSessionBind); err == nil && found {
		return bound, nil
	}

	sess, err := p.store.CreateSession(ctx, payload.ProblemStatement, payload.Metadata)
	if err != nil {
		return "", apperr.Wrap(apperr.DatabaseError, err, "create session for job")
	}
	if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StageSessionBind, sess.ID); err != nil {
		p.logger.Printf("warn: failed to bind session %s to job %s: %v", sess.ID, jobID, err)
	}
	return sess.ID, nil
}

func (p *Processor) stalledLimitExceeded(ctx context.Context, jobID string) bool {
	countStr, found, err := p.store.GetCheckpoint(ctx, jobID, queue.StageStallCount)
	count := 0
	if err == nil && found {
		count, _ = strconv.Atoi(countStr)
	}
	if count >= p.cfg.MaxStalledCount {
		return true
	}
	if err := p.store.UpsertCheckpoint(ctx, jobID, queue.StageStallCount, strconv.Itoa(count+1)); err != nil {
		p.logger.Printf("warn: failed to bump stall count for job %s: %v", jobID, err)
	}
	return false
}

// reclaimStalledLoop periodically claims pending messages that have
// gone unacknowledged for at least StalledTimeout; a message's idle
// time is the only stall signal, there is no separate heartbeat.
func (p *Processor) reclaimStalledLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StalledTimeout / 2)
	defer ticker.Stop()
	cursor := "0-0"

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lag, err := p.consumer.LagMetrics(ctx, queue.StreamJobEnqueued); err == nil && lag.Pending > 0 {
				p.logger.Printf("queue lag: pending=%d lag=%d consumers=%d oldest_idle=%s", lag.Pending, lag.Lag, lag.Consumers, lag.OldestIdle)
			}

			msgs, next, err := p.consumer.AutoClaim(ctx, queue.StreamJobEnqueued, p.cfg.StalledTimeout, cursor, int64(p.cfg.Concurrency))
			if err != nil {
				p.logger.Printf("warn: autoclaim failed: %v", err)
				continue
			}
			cursor = next
			for _, msg := range msgs {
				p.dispatch(ctx, msg, true)
			}
		}
	}
}
