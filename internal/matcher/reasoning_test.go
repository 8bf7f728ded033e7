package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/internal/reasoning"

	"github.com/shopspring/decimal"
)

// stubReasoner returns canned verdicts keyed by candidate source ID.
type stubReasoner struct {
	mu       sync.Mutex
	verdicts map[string]*reasoning.Verdict
	err      error
	calls    int
}

func (s *stubReasoner) Evaluate(ctx context.Context, anchor, candidate *models.SourceRecord, businessContext string) (*reasoning.Verdict, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if verdict, ok := s.verdicts[candidate.SourceID]; ok {
		return verdict, nil
	}
	return &reasoning.Verdict{ShouldMatch: false}, nil
}

func nearMissFor(anchor, counterpart *models.SourceRecord, score float64) *MatchCandidate {
	return &MatchCandidate{
		Anchor:       anchor,
		Counterparts: []*models.SourceRecord{counterpart},
		Layer:        LayerSimilarity,
		RawScore:     score,
		AmountDelta:  anchor.SettlementAmount().Sub(counterpart.SettlementAmount()).Abs(),
		Explanation:  "near miss",
	}
}

func TestReasoningMatcherAffirmativeVerdict(t *testing.T) {
	anchor := testRecord("E1", models.KindExpense, 15600, "2025-11-18", "", "maintenance")
	counterpart := testRecord("B1", models.KindBankTransaction, -16000, "2025-11-18", "", "cash withdrawal")

	reasoner := &stubReasoner{verdicts: map[string]*reasoning.Verdict{
		"B1": {
			ShouldMatch: true,
			Confidence:  0.8,
			Explanation: "plausible petty cash withdrawal funding the expense",
			Flags:       []string{reasoning.FlagCashNoInvoice, reasoning.FlagAmountDiscrepancy},
		},
	}}

	matcher := NewReasoningMatcher(nil, reasoner)
	candidates := matcher.Candidates(context.Background(), anchor,
		[]*MatchCandidate{nearMissFor(anchor, counterpart, 0.6)}, "construction, frequent cash payments")

	if len(candidates) != 1 {
		t.Fatalf("Expected 1 candidate, got %d", len(candidates))
	}

	cand := candidates[0]
	if cand.Layer != LayerReasoning {
		t.Errorf("Expected reasoning layer, got %s", cand.Layer)
	}
	if cand.RawScore != 0.8 {
		t.Errorf("Expected verdict confidence 0.8, got %f", cand.RawScore)
	}
	if len(cand.Flags) != 2 {
		t.Errorf("Expected verdict flags to pass through, got %v", cand.Flags)
	}
	if !cand.AmountDelta.Equal(decimal.NewFromInt(400)) {
		t.Errorf("Expected amount delta 400, got %s", cand.AmountDelta)
	}
}

func TestReasoningMatcherNegativeVerdict(t *testing.T) {
	anchor := testRecord("E1", models.KindExpense, 100, "2025-11-18", "", "supplies")
	counterpart := testRecord("B1", models.KindBankTransaction, -100, "2025-11-18", "", "other payment")

	matcher := NewReasoningMatcher(nil, &stubReasoner{})
	candidates := matcher.Candidates(context.Background(), anchor,
		[]*MatchCandidate{nearMissFor(anchor, counterpart, 0.5)}, "")

	if len(candidates) != 0 {
		t.Errorf("Expected no candidates for a negative verdict, got %d", len(candidates))
	}
}

func TestReasoningMatcherFailureIsNoMatch(t *testing.T) {
	anchor := testRecord("E1", models.KindExpense, 100, "2025-11-18", "", "supplies")
	counterpart := testRecord("B1", models.KindBankTransaction, -100, "2025-11-18", "", "payment")

	matcher := NewReasoningMatcher(nil, &stubReasoner{err: fmt.Errorf("service down")})
	candidates := matcher.Candidates(context.Background(), anchor,
		[]*MatchCandidate{nearMissFor(anchor, counterpart, 0.5)}, "")

	if len(candidates) != 0 {
		t.Errorf("Expected evaluation failure to degrade to no-match, got %d candidates", len(candidates))
	}
}

func TestReasoningMatcherCapsCandidatePool(t *testing.T) {
	anchor := testRecord("E1", models.KindExpense, 100, "2025-11-18", "", "supplies")

	var pool []*MatchCandidate
	for i := 0; i < 10; i++ {
		counterpart := testRecord(fmt.Sprintf("B%d", i), models.KindBankTransaction, -100, "2025-11-18", "", "payment")
		pool = append(pool, nearMissFor(anchor, counterpart, 0.3+float64(i)*0.02))
	}

	reasoner := &stubReasoner{}
	matcher := NewReasoningMatcher(nil, reasoner)
	matcher.Candidates(context.Background(), anchor, pool, "")

	if reasoner.calls != DefaultConfig().ReasoningMaxCandidates {
		t.Errorf("Expected %d evaluations, got %d", DefaultConfig().ReasoningMaxCandidates, reasoner.calls)
	}
}

func TestReasoningMatcherDisabledWithoutClient(t *testing.T) {
	anchor := testRecord("E1", models.KindExpense, 100, "2025-11-18", "", "supplies")
	counterpart := testRecord("B1", models.KindBankTransaction, -100, "2025-11-18", "", "payment")

	matcher := NewReasoningMatcher(nil, nil)
	if matcher.Enabled() {
		t.Error("Expected matcher without a client to be disabled")
	}

	candidates := matcher.Candidates(context.Background(), anchor,
		[]*MatchCandidate{nearMissFor(anchor, counterpart, 0.5)}, "")
	if candidates != nil {
		t.Error("Expected no candidates from a disabled matcher")
	}
}
