// Package embedding implements the batched vectorisation client (C4):
// it partitions arbitrary text arrays into fixed-size batches, calls
// the configured embedding backend per batch, and reassembles the
// output preserving the original 1-to-1 index correspondence.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
	"github.com/ideaforge/engine/internal/provider"
)

// Client embeds text batches through one configured EmbeddingAdapter.
type Client struct {
	adapter    provider.EmbeddingAdapter
	batchSize  int
	dimensions int
}

// New builds an embedding Client bound to a single backend adapter.
func New(adapter provider.EmbeddingAdapter, cfg config.EmbeddingConfig) *Client {
	return &Client{
		adapter:    adapter,
		batchSize:  cfg.BatchSize,
		dimensions: cfg.Dimensions,
	}
}

// IdeaText builds the embedding input text for one idea, per §4.4:
// "{title}. {description} Tags: {tags joined by ', '}".
func IdeaText(title, description string, tags []string) string {
	return fmt.Sprintf("%s. %s Tags: %s", title, description, strings.Join(tags, ", "))
}

// Embed vectorises texts, preserving order (Testable Property 7).
// Empty input yields empty output. A failure of any batch fails the
// whole call with EMBEDDING_ERROR carrying the failing batch's
// position and size.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, *apperr.Error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	batchSize := c.batchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	totalBatches := (len(texts) + batchSize - 1) / batchSize
	out := make([][]float64, 0, len(texts))

	for batchNumber := 0; batchNumber*batchSize < len(texts); batchNumber++ {
		start := batchNumber * batchSize
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := c.adapter.Embed(ctx, batch)
		if err != nil {
			return nil, apperr.Wrap(apperr.EmbeddingError, err, "embedding batch failed").
				WithDetails(map[string]any{
					"batchNumber":  batchNumber,
					"totalBatches": totalBatches,
					"textsInBatch": len(batch),
				})
		}
		if len(vectors) != len(batch) {
			return nil, apperr.Newf(apperr.EmbeddingError, "embedding backend returned %d vectors for %d texts", len(vectors), len(batch)).
				WithDetails(map[string]any{
					"batchNumber":  batchNumber,
					"totalBatches": totalBatches,
					"textsInBatch": len(batch),
				})
		}
		for i, v := range vectors {
			if c.dimensions > 0 && len(v) != c.dimensions {
				return nil, apperr.Newf(apperr.EmbeddingError, "embedding dimension mismatch: expected %d, got %d", c.dimensions, len(v)).
					WithDetails(map[string]any{
						"batchNumber":  batchNumber,
						"totalBatches": totalBatches,
						"textsInBatch": len(batch),
						"itemIndex":    i,
					})
			}
		}
		out = append(out, vectors...)
	}

	return out, nil
}
