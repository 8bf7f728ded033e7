package lifecycle

import (
	"fmt"
	"time"

	"threeway-reconciliation-service/internal/ledger"
	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/errors"
	"threeway-reconciliation-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service applies review decisions coming from the external review surface.
// Every operation re-validates the allocation ledger before mutating state;
// a reviewer cannot push a record past its settlement amount any more than
// the arbiter can.
type Service struct {
	store  Store
	ledger *ledger.Ledger
	log    logger.Logger
	now    func() time.Time
	newID  func() string
}

// NewService creates a review service over the given store and ledger.
func NewService(store Store, l *ledger.Ledger) *Service {
	return &Service{
		store:  store,
		ledger: l,
		log:    logger.WithComponent("lifecycle"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Accept marks a proposed match accepted on behalf of a reviewer. The
// match's allocations were already held at proposal time, so acceptance
// changes status only.
func (s *Service) Accept(tenantID, matchID, reviewer string) (*models.ReconciliationMatch, error) {
	match, err := s.store.Transition(tenantID, matchID, models.MatchAccepted, reviewer, "")
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"match_id":  matchID,
		"reviewer":  reviewer,
	}).Info("match accepted")
	return match, nil
}

// Reject marks a match rejected and releases its allocations, returning the
// member records' amounts to the pool for future runs. Split-group stamps on
// surviving group members are cleared when the rejection leaves them sharing
// no record with any other active match.
func (s *Service) Reject(tenantID, matchID, reviewer, reason string) (*models.ReconciliationMatch, error) {
	match, err := s.store.Transition(tenantID, matchID, models.MatchRejected, reviewer, reason)
	if err != nil {
		return nil, err
	}

	s.ledger.Release(tenantID, matchID)

	if match.SplitGroupID != "" {
		s.pruneSplitGroup(tenantID, match.SplitGroupID)
	}

	s.log.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"match_id":  matchID,
		"reviewer":  reviewer,
		"reason":    reason,
	}).Info("match rejected, allocations released")
	return match, nil
}

// AuditTrail returns a match's state transitions oldest first.
func (s *Service) AuditTrail(tenantID, matchID string) []AuditEntry {
	return s.store.AuditTrail(tenantID, matchID)
}

// CreateManualMatch records a human-asserted match over the given members.
// Automatic matches referencing any of the same records are superseded, not
// deleted, and their allocations move to the manual match atomically: if
// the new allocations would violate conservation, nothing changes.
//
// A manual match carries a reviewer's certainty: it is accepted immediately
// and never requires review.
func (s *Service) CreateManualMatch(tenantID string, members []models.MatchMember, reviewer string) (*models.ReconciliationMatch, error) {
	match := &models.ReconciliationMatch{
		ID:                s.newID(),
		TenantID:          tenantID,
		Members:           append([]models.MatchMember(nil), members...),
		MatchLayer:        0,
		Confidence:        1.0,
		Status:            models.MatchAccepted,
		RequiresReview:    false,
		DiscrepancyAmount: memberDiscrepancy(members),
		CreatedAt:         s.now(),
		ReviewedBy:        reviewer,
	}
	if !match.DiscrepancyAmount.IsZero() {
		match.DiscrepancyReason = "manual match with unequal member allocations"
	}

	now := s.now()
	match.ReviewedAt = &now

	if err := match.Validate(); err != nil {
		return nil, errors.LifecycleError(errors.CodeIllegalTransition, match.ID, err).
			WithSuggestion("Check the manual match's members and allocations")
	}

	overlapping := s.overlappingMatches(tenantID, members)

	err := s.ledger.Transact(tenantID, func(tx *ledger.Tx) error {
		for _, old := range overlapping {
			tx.Release(old.ID)
		}
		for _, member := range members {
			if err := tx.Allocate(member.Ref(tenantID), member.AmountAllocated, match.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, old := range overlapping {
		if _, terr := s.store.Transition(tenantID, old.ID, models.MatchSuperseded, reviewer,
			fmt.Sprintf("superseded by manual match %s", match.ID)); terr != nil {
			s.log.WithError(terr).WithField("match_id", old.ID).
				Warn("failed to supersede overlapping match")
		}
	}

	match.SplitGroupID = s.splitGroupFor(tenantID, match)

	if err := s.store.Insert(match); err != nil {
		s.ledger.Release(tenantID, match.ID)
		return nil, err
	}

	s.log.WithFields(logger.Fields{
		"tenant_id":  tenantID,
		"match_id":   match.ID,
		"reviewer":   reviewer,
		"superseded": len(overlapping),
	}).Info("manual match created")
	return match, nil
}

// RecordStatus derives a record's reconciliation status from the match
// store and the allocation ledger. The status is never stored.
func (s *Service) RecordStatus(ref models.RecordRef) (models.ReconciliationStatus, error) {
	var pendingReview, active bool
	for _, match := range s.store.ListByRecord(ref) {
		if !match.Status.CountsTowardAllocation() {
			continue
		}
		active = true
		if match.Status == models.MatchProposed && match.RequiresReview {
			pendingReview = true
		}
	}

	if pendingReview {
		return models.StatusPendingReview, nil
	}

	remaining, err := s.ledger.Remaining(ref)
	if err != nil {
		return models.StatusUnmatched, err
	}

	switch {
	case active && models.WithinEpsilon(remaining, decimal.Zero):
		return models.StatusMatched, nil
	case active:
		return models.StatusPartiallyMatched, nil
	default:
		return models.StatusUnmatched, nil
	}
}

// pruneSplitGroup re-derives split-group membership after a rejection. A
// match keeps its stamp only while at least one of its records is shared
// with another match that still counts toward allocation.
func (s *Service) pruneSplitGroup(tenantID, splitGroupID string) {
	for _, match := range s.store.ListByTenant(tenantID) {
		if match.SplitGroupID != splitGroupID || !match.Status.CountsTowardAllocation() {
			continue
		}
		if s.sharesRecord(tenantID, match) {
			continue
		}
		if err := s.store.UpdateSplitGroup(tenantID, match.ID, ""); err != nil {
			s.log.WithError(err).WithField("match_id", match.ID).
				Warn("failed to clear orphaned split group")
		}
	}
}

// sharesRecord reports whether any of the match's records is also held by
// another match counting toward allocation.
func (s *Service) sharesRecord(tenantID string, match *models.ReconciliationMatch) bool {
	for _, member := range match.Members {
		for _, other := range s.store.ListByRecord(member.Ref(tenantID)) {
			if other.ID != match.ID && other.Status.CountsTowardAllocation() {
				return true
			}
		}
	}
	return false
}

// overlappingMatches returns active matches referencing any member record.
func (s *Service) overlappingMatches(tenantID string, members []models.MatchMember) []*models.ReconciliationMatch {
	seen := make(map[string]bool)
	var overlapping []*models.ReconciliationMatch

	for _, member := range members {
		for _, match := range s.store.ListByRecord(member.Ref(tenantID)) {
			if !match.Status.CountsTowardAllocation() || seen[match.ID] {
				continue
			}
			seen[match.ID] = true
			overlapping = append(overlapping, match)
		}
	}
	return overlapping
}

// splitGroupFor finds or mints a split-group ID when any member record is
// still shared with another active match after supersession. A freshly
// minted ID is stamped back onto the sharing match as well.
func (s *Service) splitGroupFor(tenantID string, match *models.ReconciliationMatch) string {
	for _, member := range match.Members {
		for _, other := range s.store.ListByRecord(member.Ref(tenantID)) {
			if other.ID == match.ID || !other.Status.CountsTowardAllocation() {
				continue
			}
			if other.SplitGroupID != "" {
				return other.SplitGroupID
			}
			groupID := s.newID()
			if err := s.store.UpdateSplitGroup(tenantID, other.ID, groupID); err != nil {
				s.log.WithError(err).WithField("match_id", other.ID).
					Warn("failed to stamp split group on sharing match")
			}
			return groupID
		}
	}
	return ""
}

func memberDiscrepancy(members []models.MatchMember) decimal.Decimal {
	delta := decimal.Zero
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			diff := members[i].AmountAllocated.Sub(members[j].AmountAllocated).Abs()
			if diff.GreaterThan(delta) {
				delta = diff
			}
		}
	}
	return delta
}
