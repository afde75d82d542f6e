package provider

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Outcome is one adapter's result from a fan-out call: exactly one of
// Result or Err is set.
type Outcome struct {
	Provider  string
	Fulfilled bool
	Result    RawResult
	Err       error
}

// Fanout invokes every enabled, non-deepening-only adapter concurrently
// and waits for every outcome before returning — one slow adapter
// stretches the call but a single failure never aborts the set (C3).
// Adapters whose DeepeningOnly() reports true are reserved for the
// single-call deepening path and never see fan-out traffic. When
// fastMode is true, only the first eligible adapter is called and the
// result is a one-element slice.
//
// errgroup is used purely to join goroutine lifecycles; the group's
// own error propagation is never consulted, since a rejected adapter
// must not cancel its siblings.
func Fanout(ctx context.Context, adapters []Adapter, systemPrompt, userPrompt string, fastMode bool) []Outcome {
	eligible := make([]Adapter, 0, len(adapters))
	for _, a := range adapters {
		if a.DeepeningOnly() {
			continue
		}
		eligible = append(eligible, a)
	}

	active := eligible
	if fastMode && len(active) > 1 {
		active = active[:1]
	}

	outcomes := make([]Outcome, len(active))
	var eg errgroup.Group

	for i, a := range active {
		i, a := i, a
		eg.Go(func() error {
			result, err := a.Call(ctx, systemPrompt, userPrompt)
			if err != nil {
				outcomes[i] = Outcome{Provider: a.Name(), Fulfilled: false, Err: err}
				return nil
			}
			outcomes[i] = Outcome{Provider: a.Name(), Fulfilled: true, Result: result}
			return nil
		})
	}

	_ = eg.Wait()
	return outcomes
}
