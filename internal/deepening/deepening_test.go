package deepening

import (
	"context"
	"fmt"
	"testing"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/provider"
	"github.com/ideaforge/engine/internal/store"
)

type fakeStore struct {
	sessions map[string]store.Session
	ideas    map[string]store.Idea
	saved    []store.DeepeningRecord
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (store.Session, bool, error) {
	s, ok := f.sessions[id]
	return s, ok, nil
}

func (f *fakeStore) GetIdea(ctx context.Context, ideaID string) (store.Idea, bool, error) {
	i, ok := f.ideas[ideaID]
	return i, ok, nil
}

func (f *fakeStore) SaveDeepening(ctx context.Context, rec store.DeepeningRecord) (string, error) {
	rec.ID = fmt.Sprintf("deepening-%d", len(f.saved)+1)
	f.saved = append(f.saved, rec)
	return rec.ID, nil
}

const deepeningJSON = `{
  "deepening": {
    "idea_title": "Adaptive caching layer",
    "depth_level": 1,
    "executive_summary": "A strategic overview of the caching approach.",
    "key_insights": ["Cache invalidation is the hard part"],
    "detailed_analysis": "This analysis goes into more than one hundred characters of detail about the proposed adaptive caching layer and its tradeoffs across the system.",
    "action_items": [{"step": "Prototype", "description": "Build a spike", "priority": "high"}],
    "risks": [{"risk": "Stale reads", "severity": "medium"}],
    "success_metrics": ["p99 latency down 20%"],
    "resources_needed": ["one backend engineer"],
    "estimated_timeline": "2 weeks",
    "confidence_score": 0.7
  }
}`

type stubAdapter struct {
	name string
	text string
	err  error
}

func (s *stubAdapter) Name() string          { return s.name }
func (s *stubAdapter) DeepeningOnly() bool   { return false }
func (s *stubAdapter) Call(ctx context.Context, systemPrompt, userPrompt string) (provider.RawResult, error) {
	if s.err != nil {
		return provider.RawResult{}, s.err
	}
	return provider.RawResult{Text: s.text, PromptTokens: 10, CompletionTokens: 20, LatencyMs: 5}, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]store.Session{}, ideas: map[string]store.Idea{}}
}

func TestDeepenHappyPath(t *testing.T) {
	st := newFakeStore()
	st.sessions["sess-1"] = store.Session{ID: "sess-1", ProblemStatement: "How might we cache more effectively?"}
	st.ideas["idea-1"] = store.Idea{ID: "idea-1", SessionID: "sess-1", Title: "Adaptive caching layer", Description: "Use adaptive TTLs."}

	adapter := &stubAdapter{name: "openai", text: deepeningJSON}
	d := New(st, []provider.Adapter{adapter}, config.LLMConfig{}, nil, nil)

	res, err := d.Deepen(context.Background(), "sess-1", "idea-1", "openai", 1)
	if err != nil {
		t.Fatalf("Deepen: %v", err)
	}
	if res.Payload.Deepening.DepthLevel != 1 {
		t.Fatalf("expected depth level 1, got %d", res.Payload.Deepening.DepthLevel)
	}
	if len(st.saved) != 1 {
		t.Fatalf("expected one persisted deepening record, got %d", len(st.saved))
	}
}

func TestDeepenRejectsSessionMismatch(t *testing.T) {
	st := newFakeStore()
	st.sessions["sess-1"] = store.Session{ID: "sess-1", ProblemStatement: "problem"}
	st.sessions["sess-2"] = store.Session{ID: "sess-2", ProblemStatement: "other problem"}
	st.ideas["idea-1"] = store.Idea{ID: "idea-1", SessionID: "sess-2", Title: "t", Description: "d"}

	adapter := &stubAdapter{name: "openai", text: deepeningJSON}
	d := New(st, []provider.Adapter{adapter}, config.LLMConfig{}, nil, nil)

	_, err := d.Deepen(context.Background(), "sess-1", "idea-1", "openai", 1)
	if err == nil {
		t.Fatalf("expected an error for mismatched session/idea")
	}
	appErr, ok := err.(*apperr.Error)
	if !ok || appErr.Code != apperr.IdeaSessionMismatch {
		t.Fatalf("expected IDEA_SESSION_MISMATCH, got %v", err)
	}
}

func TestDeepenUnknownProvider(t *testing.T) {
	st := newFakeStore()
	st.sessions["sess-1"] = store.Session{ID: "sess-1", ProblemStatement: "problem"}
	st.ideas["idea-1"] = store.Idea{ID: "idea-1", SessionID: "sess-1", Title: "t", Description: "d"}

	d := New(st, nil, config.LLMConfig{}, nil, nil)

	_, err := d.Deepen(context.Background(), "sess-1", "idea-1", "nonexistent", 1)
	if err == nil {
		t.Fatalf("expected an error for an unconfigured provider")
	}
}

func TestDeepenPropagatesProviderFailure(t *testing.T) {
	st := newFakeStore()
	st.sessions["sess-1"] = store.Session{ID: "sess-1", ProblemStatement: "problem"}
	st.ideas["idea-1"] = store.Idea{ID: "idea-1", SessionID: "sess-1", Title: "t", Description: "d"}

	adapter := &stubAdapter{name: "openai", err: &provider.CallError{Kind: provider.Timeout, Message: "deadline exceeded"}}
	d := New(st, []provider.Adapter{adapter}, config.LLMConfig{}, nil, nil)

	_, err := d.Deepen(context.Background(), "sess-1", "idea-1", "openai", 1)
	if err == nil {
		t.Fatalf("expected provider timeout to surface as an error")
	}
	appErr, ok := err.(*apperr.Error)
	if !ok || appErr.Code != apperr.ProviderTimeout {
		t.Fatalf("expected PROVIDER_TIMEOUT, got %v", err)
	}
}
