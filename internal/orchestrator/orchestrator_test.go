package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/provider"
	"github.com/ideaforge/engine/internal/store"
)

// fakeStore is a hand-written in-memory double for the Store
// interface, avoiding any dependency on a live Postgres connection or
// a testcontainers-style integration harness.
type fakeStore struct {
	sessions     map[string]store.Session
	statuses     []string
	providerErrs []string
	ideasByGroup map[string][]store.IdeaInsert
	nextIdeaID   int
	dupUpdates   []store.DuplicateUpdate
	uniqueIdeas  []store.Idea
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:     map[string]store.Session{},
		ideasByGroup: map[string][]store.IdeaInsert{},
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, problemStatement string, metadata map[string]any) (store.Session, error) {
	sess := store.Session{ID: "sess-1", ProblemStatement: problemStatement, Status: store.StatusPending}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (store.Session, bool, error) {
	sess, ok := f.sessions[id]
	return sess, ok, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, sessionID, status string) (bool, error) {
	f.statuses = append(f.statuses, status)
	if sess, ok := f.sessions[sessionID]; ok {
		sess.Status = status
		f.sessions[sessionID] = sess
	}
	return true, nil
}

func (f *fakeStore) SaveProviderSuccess(ctx context.Context, sessionID, providerName, model, rawText string, promptTokens, completionTokens int, latencyMs int64) (string, error) {
	return "resp-" + providerName, nil
}

func (f *fakeStore) SaveProviderFailure(ctx context.Context, sessionID, providerName, errorMessage string) {
	f.providerErrs = append(f.providerErrs, providerName)
}

func (f *fakeStore) SaveIdeas(ctx context.Context, sessionID, providerResponseID, providerName string, ideas []store.IdeaInsert) ([]string, error) {
	ids := make([]string, len(ideas))
	for i := range ideas {
		f.nextIdeaID++
		ids[i] = fmt.Sprintf("idea-%d", f.nextIdeaID)
	}
	f.ideasByGroup[providerResponseID] = ideas
	return ids, nil
}

func (f *fakeStore) UpdateDuplicateReferences(ctx context.Context, updates []store.DuplicateUpdate) error {
	f.dupUpdates = updates
	return nil
}

func (f *fakeStore) GetUniqueIdeas(ctx context.Context, sessionID string) ([]store.Idea, error) {
	return f.uniqueIdeas, nil
}

func (f *fakeStore) ListIdeas(ctx context.Context, sessionID string, uniqueOnly bool) ([]store.Idea, error) {
	return f.uniqueIdeas, nil
}

// fakeEmbedder returns a distinguishable vector per text without any
// network I/O.
type fakeEmbedder struct {
	vectors map[string][]float64
	fail    bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, *apperr.Error) {
	if f.fail {
		return nil, apperr.New(apperr.EmbeddingError, "embedding backend unavailable")
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float64{1, 0, 0}
	}
	return out, nil
}

// stubAdapter returns a canned research payload or rejects.
type stubAdapter struct {
	name          string
	deepeningOnly bool
	text          string
	err           error
}

func (s *stubAdapter) Name() string          { return s.name }
func (s *stubAdapter) DeepeningOnly() bool   { return s.deepeningOnly }
func (s *stubAdapter) Call(ctx context.Context, systemPrompt, userPrompt string) (provider.RawResult, error) {
	if s.err != nil {
		return provider.RawResult{}, s.err
	}
	return provider.RawResult{Text: s.text, PromptTokens: 10, CompletionTokens: 20, LatencyMs: 5}, nil
}

func researchJSON(titles ...string) string {
	body := `{"ideas":[`
	for i, title := range titles {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"title":%q,"description":"A description that is at least fifty characters long for validation.","rationale":"A rationale that is at least twenty chars.","category":"technical","confidenceScore":0.8,"noveltyScore":0.6,"tags":["alpha","beta","gamma"]}`, title)
	}
	body += `]}`
	return body
}

func newTestOrchestrator(st Store, embedder Embedder, adapters []provider.Adapter) *Orchestrator {
	simCfg := config.SimilarityConfig{ClusterThreshold: 0.80, DedupThreshold: 0.85}
	llmCfg := config.LLMConfig{}
	return New(st, adapters, embedder, simCfg, llmCfg, nil, otel.Tracer("test"))
}

func TestRunSessionHappyPathNoDuplicates(t *testing.T) {
	st := newFakeStore()
	st.uniqueIdeas = []store.Idea{{ID: "idea-1"}, {ID: "idea-2"}}

	adapters := []provider.Adapter{
		&stubAdapter{name: "openai", text: researchJSON("Idea A")},
		&stubAdapter{name: "anthropic", text: researchJSON("Idea B")},
	}
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	// Give each idea's embedding text a distinct, dissimilar vector so
	// nothing clusters together.
	emb.vectors["Idea A. A description that is at least fifty characters long for validation. Tags: alpha, beta, gamma"] = []float64{1, 0, 0}
	emb.vectors["Idea B. A description that is at least fifty characters long for validation. Tags: alpha, beta, gamma"] = []float64{0, 1, 0}

	o := newTestOrchestrator(st, emb, adapters)
	result, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != store.StatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Status)
	}
	if result.Summary.TotalIdeas != 2 {
		t.Fatalf("expected 2 total ideas, got %d", result.Summary.TotalIdeas)
	}
	if result.Summary.Duplicates != 0 {
		t.Fatalf("expected 0 duplicates, got %d", result.Summary.Duplicates)
	}
	if len(st.dupUpdates) != 0 {
		t.Fatalf("expected no duplicate updates, got %v", st.dupUpdates)
	}

	last := st.statuses[len(st.statuses)-1]
	if last != store.StatusCompleted {
		t.Fatalf("expected final persisted status to be completed, got %s", last)
	}
}

func TestRunSessionAllDuplicates(t *testing.T) {
	st := newFakeStore()
	adapters := []provider.Adapter{
		&stubAdapter{name: "openai", text: researchJSON("Idea A", "Idea A Prime")},
	}
	sameVec := map[string][]float64{
		"Idea A. A description that is at least fifty characters long for validation. Tags: alpha, beta, gamma":       {1, 0, 0},
		"Idea A Prime. A description that is at least fifty characters long for validation. Tags: alpha, beta, gamma": {1, 0, 0},
	}
	emb := &fakeEmbedder{vectors: sameVec}

	o := newTestOrchestrator(st, emb, adapters)
	result, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Summary.Duplicates != 1 {
		t.Fatalf("expected exactly one idea flagged duplicate, got %d", result.Summary.Duplicates)
	}
	if len(st.dupUpdates) != 1 {
		t.Fatalf("expected exactly one duplicate reference update, got %d", len(st.dupUpdates))
	}
}

func TestRunSessionPartialProviderFailure(t *testing.T) {
	st := newFakeStore()
	adapters := []provider.Adapter{
		&stubAdapter{name: "openai", text: researchJSON("Idea A")},
		&stubAdapter{name: "anthropic", err: &provider.CallError{Kind: provider.ServerError, Message: "boom"}},
	}
	emb := &fakeEmbedder{vectors: map[string][]float64{}}

	o := newTestOrchestrator(st, emb, adapters)
	result, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawFailure, sawSuccess bool
	for _, ps := range result.ProviderStatus {
		if ps.Provider == "anthropic" && ps.Status == "failed" {
			sawFailure = true
		}
		if ps.Provider == "openai" && ps.Status == "success" {
			sawSuccess = true
		}
	}
	if !sawFailure || !sawSuccess {
		t.Fatalf("expected mixed provider statuses, got %+v", result.ProviderStatus)
	}
	if len(st.providerErrs) != 1 || st.providerErrs[0] != "anthropic" {
		t.Fatalf("expected exactly one recorded provider failure, got %v", st.providerErrs)
	}
}

// TestRunSessionSurfacesProviderHealth confirms a registered
// WithProviderHealth lookup is consulted per outcome and merged into
// the returned ProviderStatus, closing the "recorded by the fan-out
// and surfaced in providerStatus" fairness-inspired health claim.
func TestRunSessionSurfacesProviderHealth(t *testing.T) {
	st := newFakeStore()
	adapters := []provider.Adapter{
		&stubAdapter{name: "openai", text: researchJSON("Idea A")},
	}
	emb := &fakeEmbedder{vectors: map[string][]float64{}}

	o := newTestOrchestrator(st, emb, adapters)
	var lookedUp string
	o.WithProviderHealth(func(providerName string) (float64, int64, int) {
		lookedUp = providerName
		return 0.75, 120, 4
	})

	result, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lookedUp != "openai" {
		t.Fatalf("expected health lookup for openai, got %q", lookedUp)
	}
	if len(result.ProviderStatus) != 1 {
		t.Fatalf("expected one provider status, got %d", len(result.ProviderStatus))
	}
	ps := result.ProviderStatus[0]
	if ps.SuccessRate != 0.75 || ps.AvgLatencyMs != 120 || ps.HealthSamples != 4 {
		t.Fatalf("expected provider status enriched with health, got %+v", ps)
	}
}

// TestAllProvidersFailed exercises Testable Property 5: when every
// adapter rejects, the session is marked failed, ALL_PROVIDERS_FAILED
// is surfaced, and no ideas are ever inserted.
func TestAllProvidersFailed(t *testing.T) {
	st := newFakeStore()
	adapters := []provider.Adapter{
		&stubAdapter{name: "openai", err: &provider.CallError{Kind: provider.Timeout, Message: "timed out"}},
		&stubAdapter{name: "anthropic", err: &provider.CallError{Kind: provider.ServerError, Message: "boom"}},
	}
	emb := &fakeEmbedder{}

	o := newTestOrchestrator(st, emb, adapters)
	_, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err == nil {
		t.Fatalf("expected an error when every provider fails")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != apperr.AllProvidersFailed {
		t.Fatalf("expected ALL_PROVIDERS_FAILED, got %v", err)
	}
	if len(st.ideasByGroup) != 0 {
		t.Fatalf("expected no ideas to ever be inserted, got %v", st.ideasByGroup)
	}
	last := st.statuses[len(st.statuses)-1]
	if last != store.StatusFailed {
		t.Fatalf("expected final persisted status to be failed, got %s", last)
	}
}

// TestRunSessionRefusesResumeAfterFailed exercises the monotonic
// transition rule in §3: a failed session may not be resumed.
func TestRunSessionRefusesResumeAfterFailed(t *testing.T) {
	st := newFakeStore()
	st.sessions["sess-1"] = store.Session{ID: "sess-1", Status: store.StatusFailed}

	adapters := []provider.Adapter{&stubAdapter{name: "openai", text: researchJSON("Idea A")}}
	emb := &fakeEmbedder{}
	o := newTestOrchestrator(st, emb, adapters)

	_, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err == nil {
		t.Fatalf("expected an error resuming a failed session")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != apperr.SessionConflict {
		t.Fatalf("expected SESSION_CONFLICT, got %v", err)
	}
	if len(st.ideasByGroup) != 0 {
		t.Fatalf("expected no ideas inserted when resume is refused")
	}
}

// TestRunSessionRedeliveryOfCompletedSessionIsNoOp closes the
// Testable Property 6 crash window: a redelivered job bound to an
// already-completed session must not re-run fan-out or insert a
// second set of idea rows.
func TestRunSessionRedeliveryOfCompletedSessionIsNoOp(t *testing.T) {
	st := newFakeStore()
	st.sessions["sess-1"] = store.Session{ID: "sess-1", Status: store.StatusCompleted}
	st.uniqueIdeas = []store.Idea{{ID: "idea-1"}}

	adapters := []provider.Adapter{&stubAdapter{name: "openai", text: researchJSON("Idea A")}}
	emb := &fakeEmbedder{}
	o := newTestOrchestrator(st, emb, adapters)

	result, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err != nil {
		t.Fatalf("unexpected error replaying a completed session: %v", err)
	}
	if result.Status != store.StatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Status)
	}
	if len(st.ideasByGroup) != 0 {
		t.Fatalf("expected no new fan-out or idea insertion for a completed session, got %v", st.ideasByGroup)
	}
	if len(result.UniqueIdeas) != 1 {
		t.Fatalf("expected replayed unique ideas, got %d", len(result.UniqueIdeas))
	}
}

func TestFastModeRestrictsFanoutBeforePersistence(t *testing.T) {
	st := newFakeStore()
	calledSecond := false
	adapters := []provider.Adapter{
		&stubAdapter{name: "openai", text: researchJSON("Idea A")},
		&countingAdapter{name: "anthropic", called: &calledSecond},
	}
	emb := &fakeEmbedder{}

	simCfg := config.SimilarityConfig{ClusterThreshold: 0.80, DedupThreshold: 0.85}
	llmCfg := config.LLMConfig{FastMode: true}
	o := New(st, adapters, emb, simCfg, llmCfg, nil, otel.Tracer("test"))

	_, err := o.RunSession(context.Background(), "sess-1", "A problem statement long enough to pass validation checks.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledSecond {
		t.Fatalf("fast mode must restrict fan-out to a single adapter")
	}
}

type countingAdapter struct {
	name   string
	called *bool
}

func (c *countingAdapter) Name() string        { return c.name }
func (c *countingAdapter) DeepeningOnly() bool { return false }
func (c *countingAdapter) Call(ctx context.Context, systemPrompt, userPrompt string) (provider.RawResult, error) {
	*c.called = true
	return provider.RawResult{Text: researchJSON("Idea B")}, nil
}
