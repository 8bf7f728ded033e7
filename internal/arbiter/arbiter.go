// Package arbiter turns layer candidates into committed matches. The
// matching layers only propose; the arbiter owns ordering, allocation,
// split handling, and the review decision, and it is the only component
// that writes to the match store.
package arbiter

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"threeway-reconciliation-service/internal/ledger"
	"threeway-reconciliation-service/internal/lifecycle"
	"threeway-reconciliation-service/internal/matcher"
	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/errors"
	"threeway-reconciliation-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// nonDeterministicConfidenceCap keeps every confidence below 1.0 outside
// Layer 0, so a stored confidence of exactly 1.0 always means an exact join.
// A Layer 1 candidate with zero amount difference inside the date window
// would otherwise score a perfect 1.0.
const nonDeterministicConfidenceCap = 0.999

var (
	errAnchorExhausted      = stderrors.New("anchor fully allocated")
	errCounterpartExhausted = stderrors.New("counterpart fully allocated")
)

// Arbiter ranks an anchor's candidates and commits the winners.
type Arbiter struct {
	cfg    *matcher.Config
	ledger *ledger.Ledger
	store  lifecycle.Store
	log    logger.Logger
	now    func() time.Time
	newID  func() string
}

// New creates an arbiter writing to the given ledger and store.
func New(cfg *matcher.Config, l *ledger.Ledger, store lifecycle.Store) *Arbiter {
	if cfg == nil {
		cfg = matcher.DefaultConfig()
	}
	return &Arbiter{
		cfg:    cfg,
		ledger: l,
		store:  store,
		log:    logger.WithComponent("arbiter"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Resolve commits matches for one anchor from the candidates all layers
// produced. Candidates are consumed best-first; each winner takes as much
// of the anchor's remaining amount as its counterparts can absorb, so an
// aggregate payment splits across several matches naturally. Resolution
// stops when the anchor is fully allocated or candidates run out.
//
// A candidate whose allocation would violate conservation is discarded and
// logged; it never aborts the anchor, let alone the batch.
func (a *Arbiter) Resolve(anchor *models.SourceRecord, candidates []*matcher.MatchCandidate) []*models.ReconciliationMatch {
	if len(candidates) == 0 {
		return nil
	}

	a.rank(candidates)

	var committed []*models.ReconciliationMatch

	for _, cand := range candidates {
		match, err := a.commit(anchor, cand)
		if err != nil {
			if stderrors.Is(err, errAnchorExhausted) {
				break
			}
			if stderrors.Is(err, errCounterpartExhausted) {
				continue
			}
			a.log.WithError(err).WithFields(logger.Fields{
				"anchor":    anchor.Ref().String(),
				"candidate": cand.String(),
			}).Warn("candidate discarded")
			continue
		}
		committed = append(committed, match)
	}

	if len(committed) == 0 {
		return nil
	}

	a.assignSplitGroups(committed)

	for _, match := range committed {
		if err := a.persist(match); err != nil {
			a.log.WithError(err).WithField("match_id", match.ID).
				Error("failed to persist match, releasing allocations")
			a.ledger.Release(match.TenantID, match.ID)
		}
	}

	return committed
}

// rank orders candidates by layer, then raw score, then the configured
// tie-break. Lower layers always outrank higher scores from above: an
// exact join beats a confident reasoning verdict.
func (a *Arbiter) rank(candidates []*matcher.MatchCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Layer != candidates[j].Layer {
			return candidates[i].Layer < candidates[j].Layer
		}
		if candidates[i].RawScore != candidates[j].RawScore {
			return candidates[i].RawScore > candidates[j].RawScore
		}
		if a.cfg.TieBreak == matcher.TieBreakCreationOrder {
			return earliestCreation(candidates[i]).Before(earliestCreation(candidates[j]))
		}
		return false
	})
}

func earliestCreation(c *matcher.MatchCandidate) time.Time {
	earliest := c.Counterparts[0].CreatedAt
	for _, rec := range c.Counterparts[1:] {
		if rec.CreatedAt.Before(earliest) {
			earliest = rec.CreatedAt
		}
	}
	return earliest
}

// commit allocates one candidate and builds its match entity. The member
// allocations and the decision happen under the tenant's ledger lock.
func (a *Arbiter) commit(anchor *models.SourceRecord, cand *matcher.MatchCandidate) (*models.ReconciliationMatch, error) {
	matchID := a.newID()
	records := cand.Records()

	var allocation decimal.Decimal

	err := a.ledger.Transact(anchor.TenantID, func(tx *ledger.Tx) error {
		anchorRemaining, err := tx.Remaining(anchor.Ref())
		if err != nil {
			return err
		}
		if anchorRemaining.LessThanOrEqual(models.RoundingEpsilon) {
			return errAnchorExhausted
		}

		allocation = anchorRemaining
		for _, rec := range cand.Counterparts {
			remaining, err := tx.Remaining(rec.Ref())
			if err != nil {
				return err
			}
			if remaining.LessThanOrEqual(models.RoundingEpsilon) {
				return errCounterpartExhausted
			}
			if remaining.LessThan(allocation) {
				allocation = remaining
			}
		}

		for _, rec := range records {
			if err := tx.Allocate(rec.Ref(), allocation, matchID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	members := make([]models.MatchMember, 0, len(records))
	for _, rec := range records {
		members = append(members, models.MatchMember{
			Kind:            rec.Kind,
			SourceID:        rec.SourceID,
			AmountAllocated: allocation,
		})
	}

	match := &models.ReconciliationMatch{
		ID:                matchID,
		TenantID:          anchor.TenantID,
		Members:           members,
		MatchLayer:        int(cand.Layer),
		Confidence:        confidenceFor(cand),
		Status:            models.MatchProposed,
		DiscrepancyAmount: cand.AmountDelta,
		CreatedAt:         a.now(),
	}

	match.RequiresReview, match.DiscrepancyReason = a.reviewDecision(cand, match)

	if err := match.Validate(); err != nil {
		a.ledger.Release(match.TenantID, matchID)
		return nil, errors.ReconciliationError("commit", err).
			WithContext("match_id", matchID)
	}

	return match, nil
}

// confidenceFor maps a candidate's raw score to stored confidence. Layer 0
// is definitionally certain; every other layer is capped below 1.0.
func confidenceFor(cand *matcher.MatchCandidate) float64 {
	if cand.Layer == matcher.LayerDeterministic {
		return 1.0
	}

	confidence := cand.RawScore
	if confidence > nonDeterministicConfidenceCap {
		confidence = nonDeterministicConfidenceCap
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

// reviewDecision applies the review rules: amount discrepancies outside
// Layer 0, every reasoning verdict, matches with no invoice member, and
// confidence below the layer's threshold all demand a human look.
func (a *Arbiter) reviewDecision(cand *matcher.MatchCandidate, match *models.ReconciliationMatch) (bool, string) {
	var reasons []string

	if cand.Layer >= matcher.LayerTolerance && !match.DiscrepancyAmount.IsZero() {
		reasons = append(reasons, fmt.Sprintf("amount discrepancy of %s", match.DiscrepancyAmount))
	}
	if cand.Layer == matcher.LayerReasoning {
		reasons = append(reasons, "reasoning-layer match")
	}
	if !match.HasInvoice() {
		reasons = append(reasons, "no invoice linked")
	}
	if match.Confidence < a.cfg.ReviewConfidenceThresholds[int(cand.Layer)] && cand.Layer != matcher.LayerDeterministic {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below layer threshold", match.Confidence))
	}
	for _, flag := range cand.Flags {
		reasons = append(reasons, strings.ToLower(flag))
	}

	if len(reasons) == 0 {
		return false, ""
	}
	return true, fmt.Sprintf("%s; %s", strings.Join(reasons, "; "), cand.Explanation)
}

// assignSplitGroups stamps a shared group ID on matches dividing a record,
// including active matches from earlier runs that the record already
// participates in.
func (a *Arbiter) assignSplitGroups(committed []*models.ReconciliationMatch) {
	for _, match := range committed {
		if match.SplitGroupID != "" {
			continue
		}

		var groupID string
		var sharing []*models.ReconciliationMatch
		var storedToStamp []string

		for _, member := range match.Members {
			ref := member.Ref(match.TenantID)

			for _, other := range committed {
				if other != match && other.References(ref) {
					sharing = append(sharing, other)
					if groupID == "" && other.SplitGroupID != "" {
						groupID = other.SplitGroupID
					}
				}
			}

			for _, stored := range a.store.ListByRecord(ref) {
				if !stored.Status.CountsTowardAllocation() {
					continue
				}
				if groupID == "" && stored.SplitGroupID != "" {
					groupID = stored.SplitGroupID
				}
				if stored.SplitGroupID == "" {
					storedToStamp = append(storedToStamp, stored.ID)
				}
				sharing = append(sharing, stored)
			}
		}

		if len(sharing) == 0 {
			continue
		}
		if groupID == "" {
			groupID = a.newID()
		}

		match.SplitGroupID = groupID
		for _, other := range sharing {
			if other.SplitGroupID == "" {
				other.SplitGroupID = groupID
			}
		}
		for _, id := range storedToStamp {
			if err := a.store.UpdateSplitGroup(match.TenantID, id, groupID); err != nil {
				a.log.WithError(err).WithField("match_id", id).
					Warn("failed to stamp split group on prior match")
			}
		}
	}
}

// persist inserts the match and auto-accepts it when no review is needed.
func (a *Arbiter) persist(match *models.ReconciliationMatch) error {
	if err := a.store.Insert(match); err != nil {
		return err
	}

	if !match.RequiresReview {
		if _, err := a.store.Transition(match.TenantID, match.ID, models.MatchAccepted, "", "auto-accepted"); err != nil {
			return err
		}
		match.Status = models.MatchAccepted
	}

	a.log.WithFields(logger.Fields{
		"tenant_id":       match.TenantID,
		"match_id":        match.ID,
		"layer":           match.MatchLayer,
		"confidence":      match.Confidence,
		"requires_review": match.RequiresReview,
		"split_group":     match.SplitGroupID,
	}).Info("match committed")
	return nil
}
