package matcher

import (
	"context"
	"fmt"
	"testing"

	"threeway-reconciliation-service/internal/models"
)

// stubEmbedder returns canned vectors by text; unknown texts fail.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestSimilarityMatcherEmbeddingPath(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"monthly maintenance payment": {1, 0, 0},
		"maintenance transfer":        {0.95, 0.05, 0},
		"unrelated groceries":         {0, 1, 0},
	}}

	records := []*models.SourceRecord{
		testRecord("B1", models.KindBankTransaction, -150.00, "2025-11-19", "", "maintenance transfer"),
		testRecord("B2", models.KindBankTransaction, -150.00, "2025-11-19", "", "unrelated groceries"),
	}
	indexes := NewIndexSet("tenant-1", records)

	matcher := NewSimilarityMatcher(nil, embedder)
	matcher.BuildIndex(context.Background(), records)

	anchor := testRecord("E1", models.KindExpense, 150.00, "2025-11-18", "", "monthly maintenance payment")
	candidates, nearMisses := matcher.Candidates(context.Background(), anchor, indexes)

	if len(candidates) != 1 {
		t.Fatalf("Expected 1 candidate above threshold, got %d (near misses: %d)", len(candidates), len(nearMisses))
	}
	if candidates[0].Counterparts[0].SourceID != "B1" {
		t.Errorf("Expected B1, got %s", candidates[0].Counterparts[0].SourceID)
	}
	if candidates[0].Layer != LayerSimilarity {
		t.Errorf("Expected similarity layer, got %s", candidates[0].Layer)
	}
	if candidates[0].RawScore < DefaultConfig().MinSimilarityScore {
		t.Errorf("Candidate score %f below threshold", candidates[0].RawScore)
	}
}

func TestSimilarityMatcherAmountWindowDiscipline(t *testing.T) {
	// Identical descriptions, but the amounts are six times apart, beyond
	// any plausible aggregate ratio; similarity alone must not qualify
	// the record.
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"maintenance": {1, 0, 0},
	}}

	records := []*models.SourceRecord{
		testRecord("B1", models.KindBankTransaction, -900.00, "2025-11-18", "", "maintenance"),
	}
	indexes := NewIndexSet("tenant-1", records)

	matcher := NewSimilarityMatcher(nil, embedder)
	matcher.BuildIndex(context.Background(), records)

	anchor := testRecord("E1", models.KindExpense, 150.00, "2025-11-18", "", "maintenance")
	candidates, nearMisses := matcher.Candidates(context.Background(), anchor, indexes)

	if len(candidates) != 0 || len(nearMisses) != 0 {
		t.Errorf("Expected the amount window to exclude the record, got %d candidates, %d near misses",
			len(candidates), len(nearMisses))
	}
}

func TestSimilarityMatcherDegradedFallback(t *testing.T) {
	// No embedding client at all: the layer scores by text distance with
	// a penalty instead of aborting.
	records := []*models.SourceRecord{
		testRecord("B1", models.KindBankTransaction, -150.00, "2025-11-18", "", "monthly maintenance payment"),
	}
	indexes := NewIndexSet("tenant-1", records)

	matcher := NewSimilarityMatcher(nil, nil)
	if !matcher.Degraded() {
		t.Fatal("Expected matcher without a client to start degraded")
	}
	matcher.BuildIndex(context.Background(), records)

	anchor := testRecord("E1", models.KindExpense, 150.00, "2025-11-18", "", "monthly maintenance payment")
	candidates, nearMisses := matcher.Candidates(context.Background(), anchor, indexes)

	total := len(candidates) + len(nearMisses)
	if total != 1 {
		t.Fatalf("Expected 1 scored record in degraded mode, got %d", total)
	}

	// Identical text scores 1.0, minus the fallback penalty.
	var score float64
	if len(candidates) == 1 {
		score = candidates[0].RawScore
	} else {
		score = nearMisses[0].RawScore
	}
	expected := 1.0 - DefaultConfig().FallbackSimilarityPenalty
	if score < expected-0.001 || score > expected+0.001 {
		t.Errorf("Expected penalized score %f, got %f", expected, score)
	}
}

func TestSimilarityMatcherDegradesOnIndexFailure(t *testing.T) {
	embedder := &stubEmbedder{err: fmt.Errorf("service unavailable")}

	records := []*models.SourceRecord{
		testRecord("B1", models.KindBankTransaction, -150.00, "2025-11-18", "", "maintenance"),
	}
	indexes := NewIndexSet("tenant-1", records)

	matcher := NewSimilarityMatcher(nil, embedder)
	matcher.BuildIndex(context.Background(), records)

	if !matcher.Degraded() {
		t.Fatal("Expected embedding failure to flip the matcher into degraded mode")
	}

	// Degraded mode still produces evidence.
	anchor := testRecord("E1", models.KindExpense, 150.00, "2025-11-18", "", "maintenance")
	candidates, nearMisses := matcher.Candidates(context.Background(), anchor, indexes)
	if len(candidates)+len(nearMisses) == 0 {
		t.Error("Expected degraded mode to still score records")
	}
}

func TestSimilarityMatcherEmptyDescription(t *testing.T) {
	matcher := NewSimilarityMatcher(nil, nil)
	indexes := NewIndexSet("tenant-1", nil)

	anchor := testRecord("E1", models.KindExpense, 150.00, "2025-11-18", "", "")
	candidates, nearMisses := matcher.Candidates(context.Background(), anchor, indexes)
	if candidates != nil || nearMisses != nil {
		t.Error("Expected no candidates for a description-less anchor")
	}
}
