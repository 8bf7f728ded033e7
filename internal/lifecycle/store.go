// Package lifecycle persists reconciliation matches and drives their state
// machine: proposed, accepted, rejected, superseded. Rejection and
// supersession never delete the original row; the audit trail keeps the
// full history of how each settlement was decided.
package lifecycle

import (
	"sort"
	"sync"
	"time"

	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/errors"
)

// AuditEntry records one state transition of a match.
type AuditEntry struct {
	MatchID  string             `json:"match_id"`
	TenantID string             `json:"tenant_id"`
	From     models.MatchStatus `json:"from"`
	To       models.MatchStatus `json:"to"`
	Actor    string             `json:"actor,omitempty"`
	Note     string             `json:"note,omitempty"`
	At       time.Time          `json:"at"`
}

// Store is the persistence boundary for matches. The in-memory
// implementation below is the default; a database-backed store plugs in
// behind the same interface.
type Store interface {
	// Insert persists a new match. The match ID must be unused.
	Insert(match *models.ReconciliationMatch) error

	// Get returns a match by tenant and ID.
	Get(tenantID, matchID string) (*models.ReconciliationMatch, error)

	// Transition moves a match to a new status, stamping the reviewer and
	// recording an audit entry. Illegal transitions fail without effect.
	Transition(tenantID, matchID string, to models.MatchStatus, actor, note string) (*models.ReconciliationMatch, error)

	// UpdateSplitGroup stamps a split-group ID onto an existing match.
	// The arbiter calls this when a later match starts sharing one of the
	// match's records.
	UpdateSplitGroup(tenantID, matchID, splitGroupID string) error

	// ListByTenant returns every match for a tenant in creation order.
	ListByTenant(tenantID string) []*models.ReconciliationMatch

	// ListByRecord returns every match referencing the given record in
	// creation order, regardless of status.
	ListByRecord(ref models.RecordRef) []*models.ReconciliationMatch

	// AuditTrail returns a match's transitions oldest first.
	AuditTrail(tenantID, matchID string) []AuditEntry
}

// canTransition encodes the state machine. Terminal states permit nothing;
// an accepted match can only be superseded by a manual override.
func canTransition(from, to models.MatchStatus) bool {
	switch from {
	case models.MatchProposed:
		return to == models.MatchAccepted || to == models.MatchRejected || to == models.MatchSuperseded
	case models.MatchAccepted:
		return to == models.MatchSuperseded
	}
	return false
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	matches map[string]map[string]*models.ReconciliationMatch
	audit   map[string][]AuditEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory match store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches: make(map[string]map[string]*models.ReconciliationMatch),
		audit:   make(map[string][]AuditEntry),
		now:     time.Now,
	}
}

// Insert persists a new match after structural validation.
func (s *MemoryStore) Insert(match *models.ReconciliationMatch) error {
	if err := match.Validate(); err != nil {
		return errors.LifecycleError(errors.CodeIllegalTransition, match.ID, err).
			WithSuggestion("Fix the match entity before inserting it")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.matches[match.TenantID]
	if !ok {
		tenant = make(map[string]*models.ReconciliationMatch)
		s.matches[match.TenantID] = tenant
	}

	if _, exists := tenant[match.ID]; exists {
		return errors.LifecycleError(errors.CodeIllegalTransition, match.ID, nil).
			WithContext("detail", "match ID already exists")
	}

	tenant[match.ID] = cloneMatch(match)
	return nil
}

// Get returns a copy of the match; callers cannot mutate stored state.
func (s *MemoryStore) Get(tenantID, matchID string) (*models.ReconciliationMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match, ok := s.matches[tenantID][matchID]
	if !ok {
		return nil, errors.LifecycleError(errors.CodeMatchNotFound, matchID, nil).
			WithContext("tenant_id", tenantID)
	}
	return cloneMatch(match), nil
}

// Transition applies one state-machine step and records it.
func (s *MemoryStore) Transition(tenantID, matchID string, to models.MatchStatus, actor, note string) (*models.ReconciliationMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match, ok := s.matches[tenantID][matchID]
	if !ok {
		return nil, errors.LifecycleError(errors.CodeMatchNotFound, matchID, nil).
			WithContext("tenant_id", tenantID)
	}

	if !canTransition(match.Status, to) {
		return nil, errors.LifecycleError(errors.CodeIllegalTransition, matchID, nil).
			WithContext("from", string(match.Status)).
			WithContext("to", string(to))
	}

	now := s.now()
	entry := AuditEntry{
		MatchID:  matchID,
		TenantID: tenantID,
		From:     match.Status,
		To:       to,
		Actor:    actor,
		Note:     note,
		At:       now,
	}

	match.Status = to
	if actor != "" {
		match.ReviewedAt = &now
		match.ReviewedBy = actor
	}

	s.audit[matchID] = append(s.audit[matchID], entry)
	return cloneMatch(match), nil
}

// UpdateSplitGroup stamps a split-group ID onto an existing match.
func (s *MemoryStore) UpdateSplitGroup(tenantID, matchID, splitGroupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	match, ok := s.matches[tenantID][matchID]
	if !ok {
		return errors.LifecycleError(errors.CodeMatchNotFound, matchID, nil).
			WithContext("tenant_id", tenantID)
	}

	match.SplitGroupID = splitGroupID
	return nil
}

// ListByTenant returns every match for a tenant in creation order.
func (s *MemoryStore) ListByTenant(tenantID string) []*models.ReconciliationMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReconciliationMatch
	for _, match := range s.matches[tenantID] {
		out = append(out, cloneMatch(match))
	}
	sortMatches(out)
	return out
}

// ListByRecord returns every match referencing the record in creation order.
func (s *MemoryStore) ListByRecord(ref models.RecordRef) []*models.ReconciliationMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReconciliationMatch
	for _, match := range s.matches[ref.TenantID] {
		if match.References(ref) {
			out = append(out, cloneMatch(match))
		}
	}
	sortMatches(out)
	return out
}

// AuditTrail returns a match's transitions oldest first.
func (s *MemoryStore) AuditTrail(tenantID, matchID string) []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[matchID]
	out := make([]AuditEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.TenantID == tenantID {
			out = append(out, entry)
		}
	}
	return out
}

func sortMatches(matches []*models.ReconciliationMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
}

func cloneMatch(m *models.ReconciliationMatch) *models.ReconciliationMatch {
	clone := *m
	clone.Members = append([]models.MatchMember(nil), m.Members...)
	if m.ReviewedAt != nil {
		t := *m.ReviewedAt
		clone.ReviewedAt = &t
	}
	return &clone
}
