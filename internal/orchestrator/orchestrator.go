// Package orchestrator implements the Pipeline Orchestrator (C7): the
// state machine that sequences fan-out, validation, embedding,
// similarity, and persistence to turn a problem statement into a
// completed research session.
package orchestrator

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/embedding"
	"github.com/ideaforge/engine/internal/provider"
	"github.com/ideaforge/engine/internal/similarity"
	"github.com/ideaforge/engine/internal/store"
	"github.com/ideaforge/engine/internal/validator"
)

// Store is the subset of internal/store.Store the orchestrator drives.
// Kept as an interface so tests can inject a hand-written fake instead
// of a live Postgres connection.
type Store interface {
	CreateSession(ctx context.Context, problemStatement string, metadata map[string]any) (store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, bool, error)
	UpdateStatus(ctx context.Context, sessionID, status string) (bool, error)
	SaveProviderSuccess(ctx context.Context, sessionID, provider, model, rawText string, promptTokens, completionTokens int, latencyMs int64) (string, error)
	SaveProviderFailure(ctx context.Context, sessionID, provider, errorMessage string)
	SaveIdeas(ctx context.Context, sessionID, providerResponseID, provider string, ideas []store.IdeaInsert) ([]string, error)
	UpdateDuplicateReferences(ctx context.Context, updates []store.DuplicateUpdate) error
	GetUniqueIdeas(ctx context.Context, sessionID string) ([]store.Idea, error)
	ListIdeas(ctx context.Context, sessionID string, uniqueOnly bool) ([]store.Idea, error)
}

// Embedder is the subset of internal/embedding.Client the orchestrator
// drives.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, *apperr.Error)
}

// Orchestrator sequences the 9-step pipeline of §4.7. One instance is
// shared across sessions; it holds no per-session mutable state.
type Orchestrator struct {
	store          Store
	adapters       []provider.Adapter
	embedder       Embedder
	simCfg         config.SimilarityConfig
	llmCfg         config.LLMConfig
	logger         *log.Logger
	tracer         trace.Tracer
	onProviderCall func(providerName string, success bool, latencyMs int64, promptTokens, completionTokens int)
	healthLookup   func(providerName string) (successRate float64, avgLatencyMs int64, samples int)
}

// New builds an Orchestrator from its wired collaborators.
func New(st Store, adapters []provider.Adapter, embedder Embedder, simCfg config.SimilarityConfig, llmCfg config.LLMConfig, logger *log.Logger, tracer trace.Tracer) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:    st,
		adapters: adapters,
		embedder: embedder,
		simCfg:   simCfg,
		llmCfg:   llmCfg,
		logger:   logger,
		tracer:   tracer,
	}
}

// OnProviderCall registers a hook invoked after every fan-out attempt,
// used by cmd/ wiring to feed internal/telemetry without this package
// importing it directly (avoids a dependency cycle with ProviderHealth
// tracking, which lives alongside telemetry).
func (o *Orchestrator) OnProviderCall(fn func(providerName string, success bool, latencyMs int64, promptTokens, completionTokens int)) {
	o.onProviderCall = fn
}

// WithProviderHealth registers a lookup consulted while building
// ProviderStatus, letting cmd/ wiring surface internal/telemetry's
// sliding-window ProviderHealth without this package importing
// telemetry directly. samples == 0 means nothing has been recorded for
// that provider yet.
func (o *Orchestrator) WithProviderHealth(fn func(providerName string) (successRate float64, avgLatencyMs int64, samples int)) {
	o.healthLookup = fn
}

// ProviderStatus reports one provider's outcome for a pipeline run,
// plus its fairness-inspired sliding-window health at that moment
// (observational only; never used to skip or reorder a provider).
type ProviderStatus struct {
	Provider      string
	Status        string // "success" | "failed"
	Message       string
	SuccessRate   float64
	AvgLatencyMs  int64
	HealthSamples int
}

// ClusterSummary reports aggregate similarity-engine output for a run.
type ClusterSummary struct {
	TotalIdeas  int
	UniqueIdeas int
	Duplicates  int
	Clusters    int
}

// Result is what Run returns for a completed or failed session.
type Result struct {
	SessionID      string
	Status         string
	Summary        ClusterSummary
	UniqueIdeas    []store.Idea
	ProviderStatus []ProviderStatus
}

type flatIdea struct {
	provider           string
	providerResponseID string
	payload            validator.IdeaPayload
	embedding          []float64
}

// Run executes the full pipeline for a fresh problem statement,
// creating a new session (§4.7 step 1).
func (o *Orchestrator) Run(ctx context.Context, problemStatement string, metadata map[string]any) (Result, error) {
	sess, err := o.store.CreateSession(ctx, problemStatement, metadata)
	if err != nil {
		return Result{}, err
	}
	return o.RunSession(ctx, sess.ID, problemStatement)
}

// RunSession executes the pipeline against an already-created session,
// used both by the fresh Run path and by queue workers resuming a
// pre-created session (metadata.sessionId, §4.8).
func (o *Orchestrator) RunSession(ctx context.Context, sessionID, problemStatement string) (result Result, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_session")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	sess, found, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if found {
		switch sess.Status {
		case store.StatusFailed:
			err = apperr.New(apperr.SessionConflict, "session already failed and cannot be resumed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		case store.StatusCompleted:
			return o.resultForCompletedSession(ctx, sess)
		}
	}

	applied, err := o.store.UpdateStatus(ctx, sessionID, store.StatusProcessing)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if !applied {
		// Lost a race with another delivery of the same session: re-read
		// the now-current status rather than redo the pipeline.
		sess, found, gerr := o.store.GetSession(ctx, sessionID)
		if gerr == nil && found && sess.Status == store.StatusCompleted {
			return o.resultForCompletedSession(ctx, sess)
		}
		err = apperr.New(apperr.SessionConflict, "session status changed concurrently; refusing to reprocess")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	defer func() {
		if err != nil {
			if _, failErr := o.store.UpdateStatus(context.WithoutCancel(ctx), sessionID, store.StatusFailed); failErr != nil {
				o.logger.Printf("session %s: failed to flip to failed after error %v: %v", sessionID, err, failErr)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	systemPrompt, userPrompt := BuildResearchPrompt(problemStatement)

	fanoutCtx, fanoutSpan := o.tracer.Start(ctx, "orchestrator.fanout")
	outcomes := provider.Fanout(fanoutCtx, o.adapters, systemPrompt, userPrompt, o.llmCfg.FastMode)
	fanoutSpan.End()

	var successes []provider.Outcome
	var statuses []ProviderStatus
	for _, outcome := range outcomes {
		if o.onProviderCall != nil {
			o.onProviderCall(outcome.Provider, outcome.Fulfilled, outcome.Result.LatencyMs, outcome.Result.PromptTokens, outcome.Result.CompletionTokens)
		}

		status := ProviderStatus{Provider: outcome.Provider}
		if o.healthLookup != nil {
			status.SuccessRate, status.AvgLatencyMs, status.HealthSamples = o.healthLookup(outcome.Provider)
		}

		if outcome.Fulfilled {
			successes = append(successes, outcome)
			status.Status = "success"
			statuses = append(statuses, status)
		} else {
			o.store.SaveProviderFailure(ctx, sessionID, outcome.Provider, outcome.Err.Error())
			status.Status = "failed"
			status.Message = outcome.Err.Error()
			statuses = append(statuses, status)
		}
	}

	if len(successes) == 0 {
		err = apperr.New(apperr.AllProvidersFailed, "every configured provider failed").
			WithDetails(map[string]any{"providerStatus": statuses})
		return Result{}, err
	}

	flat, err := o.persistAndFlatten(ctx, sessionID, successes)
	if err != nil {
		return Result{}, err
	}

	embedCtx, embedSpan := o.tracer.Start(ctx, "orchestrator.embed")
	texts := make([]string, len(flat))
	for i, f := range flat {
		texts[i] = embedding.IdeaText(f.payload.Title, f.payload.Description, f.payload.Tags)
	}
	vectors, embedErr := o.embedder.Embed(embedCtx, texts)
	embedSpan.End()
	if embedErr != nil {
		return Result{}, embedErr
	}
	for i := range flat {
		flat[i].embedding = vectors[i]
	}

	_, simSpan := o.tracer.Start(ctx, "orchestrator.similarity")
	embeddings := make([][]float64, len(flat))
	confidences := make([]float64, len(flat))
	for i, f := range flat {
		embeddings[i] = f.embedding
		confidences[i] = f.payload.ConfidenceScore
	}
	matrix := similarity.CosineMatrix(embeddings)
	clusterIDs := similarity.Cluster(matrix, o.simCfg.ClusterThreshold)
	dedup := similarity.Deduplicate(matrix, clusterIDs, confidences, o.simCfg.DedupThreshold)
	simSpan.End()

	storedIDs, dupUpdates, err := o.persistIdeas(ctx, sessionID, flat, clusterIDs, dedup)
	if err != nil {
		return Result{}, err
	}
	_ = storedIDs

	if err := o.store.UpdateDuplicateReferences(ctx, dupUpdates); err != nil {
		return Result{}, err
	}

	if _, err := o.store.UpdateStatus(ctx, sessionID, store.StatusCompleted); err != nil {
		return Result{}, err
	}

	uniqueIdeas, err := o.store.GetUniqueIdeas(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	summary := ClusterSummary{TotalIdeas: len(flat)}
	distinctClusters := map[int]bool{}
	for _, d := range dedup {
		if d.IsDuplicate {
			summary.Duplicates++
		}
	}
	for _, c := range clusterIDs {
		distinctClusters[c] = true
	}
	summary.Clusters = len(distinctClusters)
	summary.UniqueIdeas = summary.TotalIdeas - summary.Duplicates

	span.SetStatus(codes.Ok, "completed")
	return Result{
		SessionID:      sessionID,
		Status:         store.StatusCompleted,
		Summary:        summary,
		UniqueIdeas:    uniqueIdeas,
		ProviderStatus: statuses,
	}, nil
}

// resultForCompletedSession replays a previously completed session's
// outcome instead of rerunning the pipeline, honoring §4.6's
// same-status-is-a-no-op rule and closing the redelivery window where
// a worker crash after completion (but before the queue checkpoint or
// ack lands) would otherwise cause a second fan-out and a duplicate
// set of idea rows for the session.
func (o *Orchestrator) resultForCompletedSession(ctx context.Context, sess store.Session) (Result, error) {
	all, err := o.store.ListIdeas(ctx, sess.ID, false)
	if err != nil {
		return Result{}, err
	}
	unique, err := o.store.GetUniqueIdeas(ctx, sess.ID)
	if err != nil {
		return Result{}, err
	}

	summary := ClusterSummary{TotalIdeas: len(all)}
	distinctClusters := map[int]bool{}
	for _, idea := range all {
		if idea.IsDuplicate {
			summary.Duplicates++
		}
		distinctClusters[idea.ClusterID] = true
	}
	summary.Clusters = len(distinctClusters)
	summary.UniqueIdeas = summary.TotalIdeas - summary.Duplicates

	return Result{
		SessionID:   sess.ID,
		Status:      sess.Status,
		Summary:     summary,
		UniqueIdeas: unique,
	}, nil
}

// persistAndFlatten implements §4.7 step 4: for each success, persist
// the raw response row, then flatten its validated ideas into I[],
// tagged with (provider, providerResponseId) and original index.
func (o *Orchestrator) persistAndFlatten(ctx context.Context, sessionID string, successes []provider.Outcome) ([]flatIdea, error) {
	var flat []flatIdea

	for _, outcome := range successes {
		model := ""
		if p, ok := o.llmCfg.Providers[outcome.Provider]; ok {
			model = p.Model
		}
		providerResponseID, err := o.store.SaveProviderSuccess(
			ctx, sessionID, outcome.Provider, model, outcome.Result.Text,
			outcome.Result.PromptTokens, outcome.Result.CompletionTokens, outcome.Result.LatencyMs,
		)
		if err != nil {
			return nil, err
		}

		parsed, perr := validator.Parse(outcome.Result.Text, validator.KindResearch)
		if perr != nil {
			o.logger.Printf("session %s: provider %s: %v", sessionID, outcome.Provider, perr)
			continue
		}
		payload, decodeErr := validator.DecodeResearch(parsed.Value)
		if decodeErr != nil {
			o.logger.Printf("session %s: provider %s: decode research payload: %v", sessionID, outcome.Provider, decodeErr)
			continue
		}

		for _, idea := range payload.Ideas {
			flat = append(flat, flatIdea{
				provider:           outcome.Provider,
				providerResponseID: providerResponseID,
				payload:            idea,
			})
		}
	}

	return flat, nil
}

// persistIdeas implements §4.7 steps 7-8: group enriched ideas by
// (provider, providerResponseId), call SaveIdeas preserving original
// indices, then translate duplicateOfIdx through the resulting
// original-index -> stored-id mapping.
func (o *Orchestrator) persistIdeas(ctx context.Context, sessionID string, flat []flatIdea, clusterIDs []int, dedup []similarity.DedupResult) (map[int]string, []store.DuplicateUpdate, error) {
	type group struct {
		providerResponseID string
		provider           string
		indices            []int
	}
	groups := map[string]*group{}
	var order []string

	for i, f := range flat {
		g, ok := groups[f.providerResponseID]
		if !ok {
			g = &group{providerResponseID: f.providerResponseID, provider: f.provider}
			groups[f.providerResponseID] = g
			order = append(order, f.providerResponseID)
		}
		g.indices = append(g.indices, i)
	}

	originalIdxToStoredID := make(map[int]string, len(flat))

	for _, key := range order {
		g := groups[key]
		inserts := make([]store.IdeaInsert, len(g.indices))
		for pos, idx := range g.indices {
			f := flat[idx]
			var simPtr *float64
			if dedup[idx].IsDuplicate {
				v := dedup[idx].SimilarityToDuplicate
				simPtr = &v
			}
			embed32 := toFloat32(f.embedding)
			inserts[pos] = store.IdeaInsert{
				OriginalIndex:         idx,
				Title:                 f.payload.Title,
				Description:           f.payload.Description,
				Rationale:             f.payload.Rationale,
				Category:              f.payload.Category,
				ConfidenceScore:       f.payload.ConfidenceScore,
				NoveltyScore:          f.payload.NoveltyScore,
				Tags:                  f.payload.Tags,
				ClusterID:             clusterIDs[idx],
				IsDuplicate:           dedup[idx].IsDuplicate,
				SimilarityToDuplicate: simPtr,
				Embedding:             embed32,
			}
		}

		ids, err := o.store.SaveIdeas(ctx, sessionID, g.providerResponseID, g.provider, inserts)
		if err != nil {
			return nil, nil, err
		}
		for pos, idx := range g.indices {
			originalIdxToStoredID[idx] = ids[pos]
		}
	}

	var updates []store.DuplicateUpdate
	for idx, d := range dedup {
		if !d.IsDuplicate {
			continue
		}
		ideaID, ok := originalIdxToStoredID[idx]
		if !ok {
			continue
		}
		keeperID, ok := originalIdxToStoredID[d.DuplicateOfIdx]
		if !ok {
			continue
		}
		updates = append(updates, store.DuplicateUpdate{IdeaID: ideaID, DuplicateOf: keeperID})
	}

	return originalIdxToStoredID, updates, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
