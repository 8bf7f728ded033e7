package matcher

import (
	"fmt"
	"strings"

	"threeway-reconciliation-service/internal/models"

	"github.com/shopspring/decimal"
)

// Layer identifies which matching layer produced a candidate.
type Layer int

const (
	// LayerDeterministic is the exact-key join (Layer 0).
	LayerDeterministic Layer = iota
	// LayerTolerance joins within amount/date tolerances (Layer 1).
	LayerTolerance
	// LayerSimilarity uses description embeddings (Layer 2).
	LayerSimilarity
	// LayerReasoning asks the reasoning engine for a verdict (Layer 3).
	LayerReasoning
)

// String returns the string representation of Layer.
func (l Layer) String() string {
	switch l {
	case LayerDeterministic:
		return "deterministic"
	case LayerTolerance:
		return "tolerance"
	case LayerSimilarity:
		return "similarity"
	case LayerReasoning:
		return "reasoning"
	default:
		return "unknown"
	}
}

// MatchCandidate is the ephemeral proposal a layer hands to the arbiter.
// It links an anchor record with one counterpart from each of one or two
// other sources; it is never persisted on its own.
type MatchCandidate struct {
	Anchor       *models.SourceRecord
	Counterparts []*models.SourceRecord

	Layer    Layer
	RawScore float64

	// AmountDelta is the largest pairwise settlement-amount difference
	// among the linked records; zero for exact matches.
	AmountDelta decimal.Decimal

	// Explanation is a human-readable justification, mandatory for layers
	// 1-3 and auto-generated for layer 0.
	Explanation string

	// Flags carries reasoning-engine annotations (e.g. CASH_NO_INVOICE)
	// through to the review logic unchanged.
	Flags []string
}

// Records returns the anchor and counterparts as one slice.
func (c *MatchCandidate) Records() []*models.SourceRecord {
	records := make([]*models.SourceRecord, 0, len(c.Counterparts)+1)
	records = append(records, c.Anchor)
	records = append(records, c.Counterparts...)
	return records
}

// Counterpart returns the linked record of the given kind, or nil.
func (c *MatchCandidate) Counterpart(kind models.SourceKind) *models.SourceRecord {
	for _, rec := range c.Counterparts {
		if rec.Kind == kind {
			return rec
		}
	}
	return nil
}

// HasInvoice reports whether an invoice participates in the candidate.
func (c *MatchCandidate) HasInvoice() bool {
	if c.Anchor.Kind == models.KindInvoice {
		return true
	}
	return c.Counterpart(models.KindInvoice) != nil
}

// String returns a compact representation used in logs.
func (c *MatchCandidate) String() string {
	parts := make([]string, 0, len(c.Counterparts))
	for _, rec := range c.Counterparts {
		parts = append(parts, rec.Ref().String())
	}
	return fmt.Sprintf("MatchCandidate{anchor: %s, counterparts: [%s], layer: %s, score: %.3f}",
		c.Anchor.Ref(), strings.Join(parts, ", "), c.Layer, c.RawScore)
}

// maxPairwiseDelta computes the largest settlement-amount difference among
// a candidate's records.
func maxPairwiseDelta(records []*models.SourceRecord) decimal.Decimal {
	delta := decimal.Zero
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			diff := records[i].SettlementAmount().Sub(records[j].SettlementAmount()).Abs()
			if diff.GreaterThan(delta) {
				delta = diff
			}
		}
	}
	return delta
}
