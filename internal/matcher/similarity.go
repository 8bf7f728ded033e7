package matcher

import (
	"context"
	"fmt"
	"sort"

	"threeway-reconciliation-service/internal/embedding"
	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/logger"

	"github.com/shopspring/decimal"
)

// SimilarityMatcher is Layer 2: embeds free-text descriptions and searches
// for nearest neighbors inside the same tenant, date window, and amount
// window. The window discipline matters: two payments to the same vendor
// with wildly different amounts must not match on text alone.
//
// When the embedding service is unavailable the matcher degrades to a
// text-distance scorer with a confidence penalty instead of aborting.
type SimilarityMatcher struct {
	cfg      *Config
	client   embedding.Client
	index    *embedding.Index
	degraded bool
	log      logger.Logger
}

// NewSimilarityMatcher creates the Layer 2 matcher. A nil client puts the
// matcher into degraded mode from the start.
func NewSimilarityMatcher(cfg *Config, client embedding.Client) *SimilarityMatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SimilarityMatcher{
		cfg:      cfg,
		client:   client,
		index:    embedding.NewIndex(),
		degraded: client == nil,
		log:      logger.WithComponent("similarity_matcher"),
	}
}

// Degraded reports whether the matcher is running without embeddings.
func (m *SimilarityMatcher) Degraded() bool {
	return m.degraded
}

// BuildIndex embeds the snapshot's records and fills the vector index.
// The first embedding failure flips the matcher into degraded mode; the
// batch continues on the fallback scorer.
func (m *SimilarityMatcher) BuildIndex(ctx context.Context, records []*models.SourceRecord) {
	if m.degraded {
		return
	}

	for _, rec := range records {
		if rec.Description == "" {
			continue
		}

		vector, err := m.client.Embed(ctx, rec.Description)
		if err != nil {
			m.log.WithError(err).WithField("record", rec.Ref().String()).
				Warn("embedding service unavailable, degrading to text-distance similarity")
			m.degraded = true
			return
		}
		m.index.Add(rec, vector)
	}
}

// Candidates returns Layer 2 candidates above the similarity threshold and
// the near-misses that fell below it. Near-misses form the candidate pool
// for the reasoning layer, which must never scan all records.
//
// When the counterpart side is an aggregate (a cash withdrawal funding
// several expenses) this layer still returns the single best partial
// candidate; splitting is the arbiter's job.
func (m *SimilarityMatcher) Candidates(ctx context.Context, anchor *models.SourceRecord, indexes *IndexSet) (candidates, nearMisses []*MatchCandidate) {
	if anchor.Description == "" {
		return nil, nil
	}

	settlement := anchor.SettlementAmount()
	windowDays := m.cfg.DateWindowDays(settlement)
	minAmount, maxAmount := m.cfg.SimilarityAmountWindow(settlement)
	kinds := CounterpartKinds(anchor.Kind)

	hits := m.search(ctx, anchor, indexes, kinds, windowDays, minAmount, maxAmount)

	for _, hit := range hits {
		if hit.Similarity <= 0 {
			continue
		}
		cand := m.newCandidate(anchor, hit)
		if hit.Similarity >= m.cfg.MinSimilarityScore {
			candidates = append(candidates, cand)
		} else {
			nearMisses = append(nearMisses, cand)
		}
	}

	return candidates, nearMisses
}

func (m *SimilarityMatcher) search(ctx context.Context, anchor *models.SourceRecord, indexes *IndexSet,
	kinds []models.SourceKind, windowDays int, minAmount, maxAmount decimal.Decimal) []embedding.Hit {

	if !m.degraded {
		vector, err := m.client.Embed(ctx, anchor.Description)
		if err != nil {
			m.log.WithError(err).WithField("record", anchor.Ref().String()).
				Warn("embedding query failed, degrading to text-distance similarity")
			m.degraded = true
		} else {
			filter := func(rec *models.SourceRecord) bool {
				if rec.TenantID != anchor.TenantID {
					return false
				}
				if rec.Kind != kinds[0] && rec.Kind != kinds[1] {
					return false
				}
				if models.DaysBetween(rec.OccurredOn, anchor.OccurredOn) > windowDays {
					return false
				}
				settlement := rec.SettlementAmount()
				return !settlement.LessThan(minAmount) && !settlement.GreaterThan(maxAmount)
			}
			return m.index.Search(vector, filter, m.cfg.SimilarityTopK)
		}
	}

	// Degraded path: score descriptions by edit distance over the same
	// tenant/date/amount windows, with a penalty so fallback evidence
	// never outranks real embeddings from another run.
	var hits []embedding.Hit
	for _, kind := range kinds {
		for _, rec := range indexes.Kind(kind).InWindow(anchor.OccurredOn, windowDays, minAmount, maxAmount) {
			if rec.Description == "" {
				continue
			}
			score := embedding.FallbackSimilarity(anchor.Description, rec.Description) - m.cfg.FallbackSimilarityPenalty
			if score <= 0 {
				continue
			}
			hits = append(hits, embedding.Hit{Record: rec, Similarity: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > m.cfg.SimilarityTopK {
		hits = hits[:m.cfg.SimilarityTopK]
	}
	return hits
}

func (m *SimilarityMatcher) newCandidate(anchor *models.SourceRecord, hit embedding.Hit) *MatchCandidate {
	mode := "embedding"
	if m.degraded {
		mode = "text-distance fallback"
	}

	records := []*models.SourceRecord{anchor, hit.Record}

	return &MatchCandidate{
		Anchor:       anchor,
		Counterparts: []*models.SourceRecord{hit.Record},
		Layer:        LayerSimilarity,
		RawScore:     hit.Similarity,
		AmountDelta:  maxPairwiseDelta(records),
		Explanation: fmt.Sprintf("description similarity %.3f (%s) against %s %s",
			hit.Similarity, mode, hit.Record.Kind, hit.Record.SourceID),
	}
}
