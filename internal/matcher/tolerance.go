package matcher

import (
	"fmt"
	"strings"

	"threeway-reconciliation-service/internal/models"

	"github.com/shopspring/decimal"
)

// ToleranceMatcher is Layer 1: joins records sharing a counterparty within
// configurable amount and date tolerances. Processing fees, currency
// rounding, and clearing delays routinely create small discrepancies that
// the exact join rejects; this layer absorbs them while recording the
// literal deltas for auditability.
type ToleranceMatcher struct {
	cfg *Config
}

// NewToleranceMatcher creates the Layer 1 matcher.
func NewToleranceMatcher(cfg *Config) *ToleranceMatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ToleranceMatcher{cfg: cfg}
}

// scoredCounterpart pairs a counterpart with its tolerance score and the
// deltas that produced it.
type scoredCounterpart struct {
	record     *models.SourceRecord
	score      float64
	amountDiff decimal.Decimal
	daysApart  int
}

// Candidates returns tolerance matches for an anchor with a known
// counterparty. Candidates scoring below MinToleranceScore are suppressed.
func (m *ToleranceMatcher) Candidates(anchor *models.SourceRecord, indexes *IndexSet) []*MatchCandidate {
	if !anchor.HasCounterparty() {
		return nil
	}

	kinds := CounterpartKinds(anchor.Kind)
	first := m.scoreSide(anchor, indexes.Kind(kinds[0]))
	second := m.scoreSide(anchor, indexes.Kind(kinds[1]))

	var candidates []*MatchCandidate

	switch {
	case len(first) > 0 && len(second) > 0:
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

// scoreSide evaluates one opposite source within the anchor's date window
// and amount tolerance.
func (m *ToleranceMatcher) scoreSide(anchor *models.SourceRecord, side *RecordIndex) []scoredCounterpart {
	settlement := anchor.SettlementAmount()
	windowDays := m.cfg.DateWindowDays(settlement)
	tolerance := m.cfg.AmountTolerance(settlement)

	var scored []scoredCounterpart
	for _, rec := range side.ByCounterpartyInWindow(anchor.CounterpartyID, anchor.OccurredOn, windowDays) {
		diff := rec.SettlementAmount().Sub(settlement).Abs()
		if diff.GreaterThan(tolerance) {
			continue
		}

		score := 1.0
		if settlement.IsPositive() {
			score = 1.0 - diff.Div(settlement).InexactFloat64()
		}
		if score < m.cfg.MinToleranceScore {
			continue
		}

		scored = append(scored, scoredCounterpart{
			record:     rec,
			score:      score,
			amountDiff: diff,
			daysApart:  models.DaysBetween(rec.OccurredOn, anchor.OccurredOn),
		})
	}

	return scored
}

func (m *ToleranceMatcher) newCandidate(anchor *models.SourceRecord, sides ...scoredCounterpart) *MatchCandidate {
	counterparts := make([]*models.SourceRecord, 0, len(sides))
	details := make([]string, 0, len(sides))
	score := 1.0

	for _, side := range sides {
		counterparts = append(counterparts, side.record)
		details = append(details, fmt.Sprintf("%s %s: amount differs by %s, dates %d day(s) apart",
			side.record.Kind, side.record.SourceID, side.amountDiff, side.daysApart))
		if side.score < score {
			score = side.score
		}
	}

	records := append([]*models.SourceRecord{anchor}, counterparts...)

	return &MatchCandidate{
		Anchor:       anchor,
		Counterparts: counterparts,
		Layer:        LayerTolerance,
		RawScore:     score,
		AmountDelta:  maxPairwiseDelta(records),
		Explanation: fmt.Sprintf("tolerance match on counterparty %s: %s",
			anchor.CounterpartyID, strings.Join(details, "; ")),
	}
}
