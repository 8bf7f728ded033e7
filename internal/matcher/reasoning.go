package matcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/internal/reasoning"
	"threeway-reconciliation-service/pkg/logger"
)

// ReasoningMatcher is Layer 3: it asks an external reasoning engine to
// judge pairs the similarity layer flagged as near-misses. It only ever
// sees that pre-filtered pool; the engine is an adjudicator of ambiguous
// cases, not a search mechanism over the full dataset.
type ReasoningMatcher struct {
	cfg    *Config
	client reasoning.Client
	log    logger.Logger
}

// NewReasoningMatcher creates the Layer 3 matcher. A nil client disables
// the layer entirely.
func NewReasoningMatcher(cfg *Config, client reasoning.Client) *ReasoningMatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ReasoningMatcher{
		cfg:    cfg,
		client: client,
		log:    logger.WithComponent("reasoning_matcher"),
	}
}

// Enabled reports whether a reasoning engine is configured.
func (m *ReasoningMatcher) Enabled() bool {
	return m.client != nil
}

// Candidates evaluates the similarity layer's near-misses and returns a
// Layer 3 candidate for every affirmative verdict. Evaluation failures and
// malformed verdicts count as "no match" for that pair; they are logged
// and skipped so one bad answer cannot sink the batch.
func (m *ReasoningMatcher) Candidates(ctx context.Context, anchor *models.SourceRecord, nearMisses []*MatchCandidate, businessContext string) []*MatchCandidate {
	if m.client == nil || len(nearMisses) == 0 {
		return nil
	}

	// Strongest near-misses first, capped so a noisy similarity layer
	// cannot fan out into unbounded engine calls.
	pool := make([]*MatchCandidate, len(nearMisses))
	copy(pool, nearMisses)
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].RawScore > pool[j].RawScore
	})
	if len(pool) > m.cfg.ReasoningMaxCandidates {
		pool = pool[:m.cfg.ReasoningMaxCandidates]
	}

	results := make([]*MatchCandidate, len(pool))

	var wg sync.WaitGroup
	sem := make(chan struct{}, m.cfg.ReasoningConcurrency)

	for i, nearMiss := range pool {
		counterpart := nearMiss.Counterparts[0]

		wg.Add(1)
		sem <- struct{}{}
		go func(slot int, counterpart *models.SourceRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			verdict, err := m.client.Evaluate(ctx, anchor, counterpart, businessContext)
			if err != nil {
				m.log.WithError(err).WithFields(logger.Fields{
					"anchor":      anchor.Ref().String(),
					"counterpart": counterpart.Ref().String(),
				}).Warn("reasoning evaluation failed, treating pair as no match")
				return
			}
			if !verdict.ShouldMatch {
				return
			}

			results[slot] = m.newCandidate(anchor, counterpart, verdict)
		}(i, counterpart)
	}

	wg.Wait()

	var candidates []*MatchCandidate
	for _, cand := range results {
		if cand != nil {
			candidates = append(candidates, cand)
		}
	}
	return candidates
}

func (m *ReasoningMatcher) newCandidate(anchor, counterpart *models.SourceRecord, verdict *reasoning.Verdict) *MatchCandidate {
	records := []*models.SourceRecord{anchor, counterpart}

	return &MatchCandidate{
		Anchor:       anchor,
		Counterparts: []*models.SourceRecord{counterpart},
		Layer:        LayerReasoning,
		RawScore:     verdict.Confidence,
		AmountDelta:  maxPairwiseDelta(records),
		Explanation: fmt.Sprintf("reasoning verdict (%.2f): %s",
			verdict.Confidence, verdict.Explanation),
		Flags: verdict.Flags,
	}
}
