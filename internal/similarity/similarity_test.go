package similarity

import "testing"

func TestCosineSymmetryAndSelf(t *testing.T) {
	embeddings := [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0.7, 0.7, 0},
	}
	m := CosineMatrix(embeddings)

	for i := range embeddings {
		if m[i][i] != 1 {
			t.Fatalf("expected diagonal 1 at %d, got %v", i, m[i][i])
		}
	}
	for i := range embeddings {
		for j := range embeddings {
			if m[i][j] != m[j][i] {
				t.Fatalf("matrix not symmetric at (%d,%d): %v vs %v", i, j, m[i][j], m[j][i])
			}
		}
	}
}

func TestCosineZeroNormIsZero(t *testing.T) {
	embeddings := [][]float64{
		{0, 0, 0},
		{1, 1, 1},
	}
	m := CosineMatrix(embeddings)
	if m[0][1] != 0 {
		t.Fatalf("expected 0 similarity for zero-norm vector, got %v", m[0][1])
	}
}

func TestClusterTransitiveConnection(t *testing.T) {
	// three ideas: 0-1 similar, 1-2 similar, 0-2 not directly similar
	// but should still share a cluster via 1.
	matrix := [][]float64{
		{1, 0.85, 0.5},
		{0.85, 1, 0.85},
		{0.5, 0.85, 1},
	}
	ids := Cluster(matrix, 0.80)
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("expected all three ideas in one cluster via transitivity, got %v", ids)
	}
}

func TestClusterFirstIdeaIsZero(t *testing.T) {
	matrix := [][]float64{
		{1, 0.1, 0.1},
		{0.1, 1, 0.1},
		{0.1, 0.1, 1},
	}
	ids := Cluster(matrix, 0.80)
	if ids[0] != 0 {
		t.Fatalf("expected first idea's cluster id to be 0, got %d", ids[0])
	}
	seen := map[int]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("expected each singleton cluster to be distinct: %v", ids)
		}
		seen[id] = true
	}
}

func TestDeduplicateInvariants(t *testing.T) {
	matrix := [][]float64{
		{1, 0.9, 0.9},
		{0.9, 1, 0.9},
		{0.9, 0.9, 1},
	}
	clusterIDs := []int{0, 0, 0}
	confidences := []float64{0.9, 0.5, 0.4}

	results := Deduplicate(matrix, clusterIDs, confidences, 0.85)

	if results[0].IsDuplicate {
		t.Fatalf("expected idea 0 (highest confidence) to remain the keeper")
	}
	for i, r := range results {
		if !r.IsDuplicate {
			continue
		}
		if confidences[i] > confidences[r.DuplicateOfIdx] {
			t.Fatalf("duplicate %d has higher confidence than its keeper %d", i, r.DuplicateOfIdx)
		}
		if r.SimilarityToDuplicate < 0.85 {
			t.Fatalf("duplicate %d similarity %v below dedup threshold", i, r.SimilarityToDuplicate)
		}
		if results[r.DuplicateOfIdx].IsDuplicate {
			t.Fatalf("keeper %d is itself flagged as a duplicate", r.DuplicateOfIdx)
		}
	}
}

func TestDeduplicateNoCrossClusterFlagging(t *testing.T) {
	matrix := [][]float64{
		{1, 0.9, 0.1},
		{0.9, 1, 0.1},
		{0.1, 0.1, 1},
	}
	clusterIDs := []int{0, 0, 1}
	confidences := []float64{0.9, 0.5, 0.9}

	results := Deduplicate(matrix, clusterIDs, confidences, 0.85)
	if results[2].IsDuplicate {
		t.Fatalf("idea in its own cluster must never be flagged a duplicate")
	}
}

func TestDeduplicateTieKeepsLowerIndex(t *testing.T) {
	matrix := [][]float64{
		{1, 0.9},
		{0.9, 1},
	}
	clusterIDs := []int{0, 0}
	confidences := []float64{0.7, 0.7}

	results := Deduplicate(matrix, clusterIDs, confidences, 0.85)
	if results[0].IsDuplicate {
		t.Fatalf("expected lower index to remain keeper on a confidence tie")
	}
	if !results[1].IsDuplicate || results[1].DuplicateOfIdx != 0 {
		t.Fatalf("expected idea 1 to be flagged duplicate of idea 0, got %+v", results[1])
	}
}

func TestThresholdBoundaryScenario(t *testing.T) {
	// S6: similarity exactly at both thresholds should trigger cluster
	// membership and, separately, the dedup flag.
	matrix := [][]float64{
		{1, 0.80},
		{0.80, 1},
	}
	ids := Cluster(matrix, 0.80)
	if ids[0] != ids[1] {
		t.Fatalf("expected boundary similarity 0.80 to share a cluster")
	}

	matrixAtDedup := [][]float64{
		{1, 0.85},
		{0.85, 1},
	}
	clusterIDs := []int{0, 0}
	confidences := []float64{0.9, 0.5}
	results := Deduplicate(matrixAtDedup, clusterIDs, confidences, 0.85)
	if !results[1].IsDuplicate {
		t.Fatalf("expected boundary similarity 0.85 to trigger the dedup flag")
	}
}

func TestRoundSimilarity(t *testing.T) {
	if RoundSimilarity(0.123456) != 0.1235 {
		t.Fatalf("unexpected rounding: %v", RoundSimilarity(0.123456))
	}
}
