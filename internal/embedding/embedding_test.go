package embedding

import (
	"context"
	"testing"

	"github.com/ideaforge/engine/config"
)

type fakeAdapter struct {
	calls   int
	dim     int
	failAt  int
	scramble bool
}

func (f *fakeAdapter) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errBoom
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v := make([]float64, f.dim)
		v[0] = float64(len(t))
		out[i] = v
	}
	if f.scramble && len(out) > 1 {
		out[0], out[1] = out[1], out[0]
	}
	return out, nil
}

type boom struct{}

func (boom) Error() string { return "boom" }

var errBoom = boom{}

func TestEmbedPreservesOrder(t *testing.T) {
	adapter := &fakeAdapter{dim: 4}
	client := New(adapter, config.EmbeddingConfig{BatchSize: 2, Dimensions: 4})

	texts := []string{"a", "bb", "ccc", "dddd", "e"}
	vectors, err := client.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vectors))
	}
	for i, txt := range texts {
		if vectors[i][0] != float64(len(txt)) {
			t.Fatalf("index %d: expected vector encoding length %d, got %v", i, len(txt), vectors[i])
		}
	}
	if adapter.calls != 3 {
		t.Fatalf("expected 3 batches for 5 items at batch size 2, got %d", adapter.calls)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	adapter := &fakeAdapter{dim: 4}
	client := New(adapter, config.EmbeddingConfig{BatchSize: 2, Dimensions: 4})
	vectors, err := client.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 0 {
		t.Fatalf("expected empty output, got %v", vectors)
	}
	if adapter.calls != 0 {
		t.Fatalf("expected no adapter calls for empty input")
	}
}

func TestEmbedBatchFailureCarriesDetails(t *testing.T) {
	adapter := &fakeAdapter{dim: 4, failAt: 2}
	client := New(adapter, config.EmbeddingConfig{BatchSize: 2, Dimensions: 4})

	_, err := client.Embed(context.Background(), []string{"a", "b", "c", "d"})
	if err == nil {
		t.Fatalf("expected EMBEDDING_ERROR")
	}
	if err.Details["batchNumber"] != 1 {
		t.Fatalf("expected failing batch number 1, got %v", err.Details["batchNumber"])
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	adapter := &fakeAdapter{dim: 3}
	client := New(adapter, config.EmbeddingConfig{BatchSize: 10, Dimensions: 4})

	_, err := client.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}
