package matcher

import (
	"fmt"

	"threeway-reconciliation-service/internal/models"

	"github.com/shopspring/decimal"
)

// DeterministicMatcher is Layer 0: an exact-key join on counterparty,
// calendar date, and settlement amount across the three sources. It is the
// cheapest layer and by construction unambiguous about the key; when more
// than one record matches exactly it emits every combination rather than
// choosing arbitrarily.
type DeterministicMatcher struct {
	cfg *Config
}

// NewDeterministicMatcher creates the Layer 0 matcher.
func NewDeterministicMatcher(cfg *Config) *DeterministicMatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &DeterministicMatcher{cfg: cfg}
}

// Candidates returns every exact match for the anchor against the two
// opposite sources. RawScore is always 1.0.
func (m *DeterministicMatcher) Candidates(anchor *models.SourceRecord, indexes *IndexSet) []*MatchCandidate {
	if !anchor.HasCounterparty() {
		return nil
	}

	kinds := CounterpartKinds(anchor.Kind)
	settlement := anchor.SettlementAmount()

	first := indexes.Kind(kinds[0]).ExactMatches(anchor.CounterpartyID, anchor.OccurredOn, settlement)
	second := indexes.Kind(kinds[1]).ExactMatches(anchor.CounterpartyID, anchor.OccurredOn, settlement)

	var candidates []*MatchCandidate

	switch {
	case len(first) > 0 && len(second) > 0:
		// Full three-way join; every combination is emitted and the
		// arbiter tie-breaks.
		for _, a := range first {
			for _, b := range second {
				candidates = append(candidates, m.newCandidate(anchor, a, b))
			}
		}
	case len(first) > 0:
		for _, a := range first {
			candidates = append(candidates, m.newCandidate(anchor, a))
		}
	case len(second) > 0:
		for _, b := range second {
			candidates = append(candidates, m.newCandidate(anchor, b))
		}
	}

	return candidates
}

func (m *DeterministicMatcher) newCandidate(anchor *models.SourceRecord, counterparts ...*models.SourceRecord) *MatchCandidate {
	return &MatchCandidate{
		Anchor:       anchor,
		Counterparts: counterparts,
		Layer:        LayerDeterministic,
		RawScore:     1.0,
		AmountDelta:  decimal.Zero,
		Explanation: fmt.Sprintf("exact match on counterparty %s, date %s, amount %s",
			anchor.CounterpartyID, anchor.DateKey(), anchor.SettlementAmount()),
	}
}
