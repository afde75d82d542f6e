// Package deepening implements the single-call elaboration path (C9):
// given a previously stored idea, ask one adapter to expand it into a
// deeper plan at one of three depth levels.
package deepening

import (
	"context"
	"encoding/json"
	"log"

	"go.opentelemetry.io/otel/trace"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/orchestrator"
	"github.com/ideaforge/engine/internal/provider"
	"github.com/ideaforge/engine/internal/store"
	"github.com/ideaforge/engine/internal/validator"
)

// Store is the narrow persistence contract deepening needs, kept
// separate from orchestrator.Store so this package can be tested
// without pulling in the whole pipeline's dependency surface.
type Store interface {
	GetSession(ctx context.Context, id string) (store.Session, bool, error)
	GetIdea(ctx context.Context, ideaID string) (store.Idea, bool, error)
	SaveDeepening(ctx context.Context, rec store.DeepeningRecord) (string, error)
}

// Deepener drives one deepen(sessionId, ideaId, provider, depthLevel)
// call end to end.
type Deepener struct {
	store    Store
	adapters map[string]provider.Adapter
	llmCfg   config.LLMConfig
	logger   *log.Logger
	tracer   trace.Tracer
}

// New builds a Deepener. adapters is indexed by Adapter.Name() so a
// caller-selected provider can be looked up directly, without a
// fan-out.
func New(st Store, adapters []provider.Adapter, llmCfg config.LLMConfig, logger *log.Logger, tracer trace.Tracer) *Deepener {
	if logger == nil {
		logger = log.New(log.Writer(), "[DEEPENING] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("deepening")
	}
	byName := make(map[string]provider.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Deepener{store: st, adapters: byName, llmCfg: llmCfg, logger: logger, tracer: tracer}
}

// Result is the outcome handed back to the HTTP layer.
type Result struct {
	DeepeningID string
	Record      store.DeepeningRecord
	Payload     validator.DeepeningPayload
}

// Deepen implements §4.9's contract: preconditions on session/idea
// existence and ownership, single-adapter invocation, schema
// validation, and persistence.
func (d *Deepener) Deepen(ctx context.Context, sessionID, ideaID, providerName string, depthLevel int) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "deepening.deepen")
	defer span.End()

	sess, found, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DatabaseError, err, "load session")
	}
	if !found {
		return Result{}, apperr.New(apperr.NotFound, "session not found").WithDetails(map[string]any{"sessionId": sessionID})
	}

	idea, found, err := d.store.GetIdea(ctx, ideaID)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DatabaseError, err, "load idea")
	}
	if !found {
		return Result{}, apperr.New(apperr.NotFound, "idea not found").WithDetails(map[string]any{"ideaId": ideaID})
	}
	if idea.SessionID != sessionID {
		return Result{}, apperr.New(apperr.IdeaSessionMismatch, "idea does not belong to session").WithDetails(map[string]any{
			"sessionId": sessionID,
			"ideaId":    ideaID,
		})
	}

	adapter, ok := d.adapters[providerName]
	if !ok {
		return Result{}, apperr.New(apperr.Validation, "unknown provider").WithDetails(map[string]any{"provider": providerName})
	}

	systemPrompt, userPrompt := orchestrator.BuildDeepeningPrompt(sess.ProblemStatement, idea.Title, idea.Description, depthLevel)

	raw, callErr := adapter.Call(ctx, systemPrompt, userPrompt)
	if callErr != nil {
		return Result{}, mapCallError(providerName, callErr)
	}

	parsed, parseErr := validator.Parse(raw.Text, validator.KindDeepening)
	if parseErr != nil {
		return Result{}, parseErr
	}
	payload, err := validator.DecodeDeepening(parsed.Value)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ParseError, err, "decode deepening payload")
	}

	resultJSON, err := json.Marshal(payload)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.InternalError, err, "marshal deepening result")
	}

	rec := store.DeepeningRecord{
		SessionID:        sessionID,
		IdeaID:           ideaID,
		Provider:         providerName,
		DepthLevel:       depthLevel,
		PromptUsed:       userPrompt,
		Result:           resultJSON,
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		LatencyMs:        raw.LatencyMs,
		Status:           store.StatusCompleted,
	}
	id, err := d.store.SaveDeepening(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	rec.ID = id

	return Result{DeepeningID: id, Record: rec, Payload: payload}, nil
}

func mapCallError(providerName string, err error) *apperr.Error {
	ce, ok := err.(*provider.CallError)
	if !ok {
		return apperr.Wrap(apperr.ProviderError, err, "deepening provider call failed")
	}
	details := map[string]any{"provider": providerName}
	switch ce.Kind {
	case provider.Timeout:
		return apperr.Wrap(apperr.ProviderTimeout, ce, "deepening provider call timed out").WithDetails(details)
	default:
		return apperr.Wrap(apperr.ProviderError, ce, "deepening provider call failed").WithDetails(details)
	}
}
