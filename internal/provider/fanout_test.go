package provider

import (
	"context"
	"testing"
)

type stubAdapter struct {
	name          string
	deepeningOnly bool
	result        RawResult
	err           error
}

func (s *stubAdapter) Name() string        { return s.name }
func (s *stubAdapter) DeepeningOnly() bool { return s.deepeningOnly }
func (s *stubAdapter) Call(ctx context.Context, systemPrompt, userPrompt string) (RawResult, error) {
	return s.result, s.err
}

func TestFanoutTotality(t *testing.T) {
	adapters := []Adapter{
		&stubAdapter{name: "a", result: RawResult{Text: "ok-a"}},
		&stubAdapter{name: "b", err: &CallError{Kind: ServerError, Message: "boom"}},
		&stubAdapter{name: "c", result: RawResult{Text: "ok-c"}},
	}

	outcomes := Fanout(context.Background(), adapters, "sys", "user", false)
	if len(outcomes) != len(adapters) {
		t.Fatalf("expected %d outcomes, got %d", len(adapters), len(outcomes))
	}

	seen := map[string]bool{}
	for _, o := range outcomes {
		seen[o.Provider] = true
	}
	for _, a := range adapters {
		if !seen[a.Name()] {
			t.Fatalf("missing outcome for provider %s", a.Name())
		}
	}
}

func TestFanoutOneRejectedDoesNotAbortOthers(t *testing.T) {
	adapters := []Adapter{
		&stubAdapter{name: "a", err: &CallError{Kind: ClientError, Message: "bad request"}},
		&stubAdapter{name: "b", result: RawResult{Text: "fine"}},
	}
	outcomes := Fanout(context.Background(), adapters, "sys", "user", false)

	var successes, failures int
	for _, o := range outcomes {
		if o.Fulfilled {
			successes++
		} else {
			failures++
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %d/%d", successes, failures)
	}
}

func TestFanoutExcludesDeepeningOnlyAdapters(t *testing.T) {
	adapters := []Adapter{
		&stubAdapter{name: "a", result: RawResult{Text: "ok-a"}},
		&stubAdapter{name: "deep", deepeningOnly: true, result: RawResult{Text: "should-not-run"}},
		&stubAdapter{name: "c", result: RawResult{Text: "ok-c"}},
	}

	outcomes := Fanout(context.Background(), adapters, "sys", "user", false)
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes excluding the deepening-only adapter, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Provider == "deep" {
			t.Fatalf("deepening-only adapter must not be invoked by fan-out")
		}
	}
}

func TestFanoutFastModeSkipsDeepeningOnlyWhenPickingFirst(t *testing.T) {
	adapters := []Adapter{
		&stubAdapter{name: "deep", deepeningOnly: true, result: RawResult{Text: "should-not-run"}},
		&stubAdapter{name: "a", result: RawResult{Text: "a"}},
		&stubAdapter{name: "b", result: RawResult{Text: "b"}},
	}
	outcomes := Fanout(context.Background(), adapters, "sys", "user", true)
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome in fast mode, got %d", len(outcomes))
	}
	if outcomes[0].Provider != "a" {
		t.Fatalf("expected fast mode to use first eligible adapter, got %s", outcomes[0].Provider)
	}
}

func TestFanoutFastModeRestrictsToOneAdapter(t *testing.T) {
	adapters := []Adapter{
		&stubAdapter{name: "a", result: RawResult{Text: "a"}},
		&stubAdapter{name: "b", result: RawResult{Text: "b"}},
	}
	outcomes := Fanout(context.Background(), adapters, "sys", "user", true)
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome in fast mode, got %d", len(outcomes))
	}
	if outcomes[0].Provider != "a" {
		t.Fatalf("expected fast mode to use first adapter, got %s", outcomes[0].Provider)
	}
}
