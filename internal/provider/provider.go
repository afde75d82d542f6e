// Package provider implements the uniform adapter contract into LLM
// backends (C1) and the concurrent fan-out that drives every enabled
// adapter for a research call (C3).
package provider

import (
	"context"
	"time"
)

// CallErrorKind classifies why a single adapter attempt failed.
type CallErrorKind string

const (
	Timeout     CallErrorKind = "TIMEOUT"
	RateLimited CallErrorKind = "RATE_LIMITED"
	ServerError CallErrorKind = "SERVER_ERROR"
	ClientError CallErrorKind = "CLIENT_ERROR"
	Transport   CallErrorKind = "TRANSPORT"
)

// CallError is the typed failure an Adapter.Call returns.
type CallError struct {
	Kind    CallErrorKind
	Message string
	Cause   error
}

func (e *CallError) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *CallError) Unwrap() error { return e.Cause }

// Retryable reports whether the retry policy should attempt this
// adapter call again.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case RateLimited, ServerError, Timeout:
		return true
	default:
		return false
	}
}

// RawResult is the successful outcome of one adapter call.
type RawResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
}

// Adapter is the uniform contract every LLM backend must satisfy. Each
// adapter encapsulates its own wire quirks (auth style, JSON-mode hint,
// response shape); the orchestrator and fan-out only ever see this
// interface.
type Adapter interface {
	// Name is the stable provider identifier used throughout the
	// data model (ProviderResponse.provider, Idea.provider).
	Name() string
	// DeepeningOnly reports whether this adapter should be excluded
	// from research fan-out and only used for the deepening path.
	DeepeningOnly() bool
	// Call issues one system+user prompt pair and returns the raw
	// text response, or a *CallError.
	Call(ctx context.Context, systemPrompt, userPrompt string) (RawResult, error)
}

// EmbeddingAdapter is implemented by adapters that can also produce
// embeddings (C4 delegates to this rather than duplicating transport
// code per backend).
type EmbeddingAdapter interface {
	// Embed returns one vector per input text, in input order: an
	// implementation reorders the backend's response by its index
	// before returning.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Now is overridable in tests; production code always uses time.Now.
var Now = time.Now
