package provider

import (
	"fmt"
	"sort"

	"github.com/ideaforge/engine/config"
)

// BuildAdapters constructs one retry-wrapped Adapter per enabled
// provider in the configuration, in a stable order (sorted by
// provider name) so fan-out output is reproducible across runs with
// the same config.
func BuildAdapters(cfg config.LLMConfig) ([]Adapter, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make([]Adapter, 0, len(names))
	for _, name := range names {
		p := cfg.Providers[name]
		if !p.Enabled {
			continue
		}
		base, err := buildOne(name, p)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, WithRetry(base, p.Timeout))
	}
	return adapters, nil
}

func buildOne(name string, p config.LLMProvider) (Adapter, error) {
	switch p.Type {
	case "", "openai", "gemini":
		return NewOpenAICompatible(name, p), nil
	case "anthropic":
		return NewAnthropic(name, p), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown adapter type %q", name, p.Type)
	}
}

// FindEmbeddingAdapter returns the first configured adapter (in
// BuildAdapters order) implementing EmbeddingAdapter for the named
// provider, honoring §4.4's single embedding backend.
func FindEmbeddingAdapter(adapters []Adapter, name string) (EmbeddingAdapter, bool) {
	for _, a := range adapters {
		unwrapped := a
		if r, ok := a.(*retrying); ok {
			unwrapped = r.Adapter
		}
		if unwrapped.Name() != name {
			continue
		}
		if ea, ok := unwrapped.(EmbeddingAdapter); ok {
			return ea, true
		}
	}
	return nil, false
}
