// Package models defines the record and match entities shared by the
// reconciliation pipeline.
//
// Three independently-produced source records describe the same business
// event: a manually entered expense, a bank statement transaction, and a
// tax-authority invoice. They carry different identifiers and precision,
// so they are reduced to a common SourceRecord shape before matching.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind identifies which of the three record sources a record came from.
type SourceKind string

const (
	// KindExpense is a manually entered expense record.
	KindExpense SourceKind = "expense"
	// KindBankTransaction is a bank statement movement; its amount is signed.
	KindBankTransaction SourceKind = "bank_transaction"
	// KindInvoice is a tax-authority issued invoice.
	KindInvoice SourceKind = "invoice"
)

// String returns the string representation of SourceKind.
func (k SourceKind) String() string {
	return string(k)
}

// IsValid checks if the source kind is one of the three known sources.
func (k SourceKind) IsValid() bool {
	return k == KindExpense || k == KindBankTransaction || k == KindInvoice
}

// ReconciliationStatus is the derived matching state of a source record.
// It is always computed from the allocation ledger and the match store,
// never stored on the record itself.
type ReconciliationStatus string

const (
	StatusUnmatched        ReconciliationStatus = "unmatched"
	StatusPartiallyMatched ReconciliationStatus = "partially_matched"
	StatusMatched          ReconciliationStatus = "matched"
	StatusPendingReview    ReconciliationStatus = "pending_review"
)

// RoundingEpsilon is the tolerance applied when comparing allocated sums
// against record totals. Allocations may exceed a record's amount by at
// most this value before the conservation invariant is considered violated.
var RoundingEpsilon = decimal.New(1, -2) // 0.01

// RecordRef uniquely identifies a source record across the three sources.
type RecordRef struct {
	TenantID string     `json:"tenant_id"`
	Kind     SourceKind `json:"kind"`
	SourceID string     `json:"source_id"`
}

// String returns a compact representation used in logs and explanations.
func (r RecordRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.TenantID, r.Kind, r.SourceID)
}

// SourceRecord is the common flat shape all three sources are normalized to.
//
// Amount is signed for bank transactions (negative for debits) and always
// positive for expenses and invoices. OccurredOn is a calendar date; any
// time component is ignored by the matching layers. CounterpartyID is a
// normalized tax or vendor identifier when known; its absence forces the
// record through the similarity and reasoning layers.
type SourceRecord struct {
	SourceID       string          `json:"source_id"`
	Kind           SourceKind      `json:"source_kind"`
	TenantID       string          `json:"tenant_id"`
	Amount         decimal.Decimal `json:"amount"`
	OccurredOn     time.Time       `json:"occurred_on"`
	CounterpartyID string          `json:"counterparty_id,omitempty"`
	Description    string          `json:"description,omitempty"`

	// CreatedAt orders otherwise identical records for tie-breaking.
	CreatedAt time.Time `json:"created_at"`

	// Attributes is an open bag for source-specific payload (invoice line
	// items, bank metadata). Only the similarity and reasoning layers read it.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Ref returns the record's unique reference.
func (r *SourceRecord) Ref() RecordRef {
	return RecordRef{TenantID: r.TenantID, Kind: r.Kind, SourceID: r.SourceID}
}

// SettlementAmount returns the unsigned amount used for matching and
// allocation. Bank debits compare against positive expense totals.
func (r *SourceRecord) SettlementAmount() decimal.Decimal {
	return r.Amount.Abs()
}

// HasCounterparty reports whether a counterparty identifier is present.
func (r *SourceRecord) HasCounterparty() bool {
	return strings.TrimSpace(r.CounterpartyID) != ""
}

// DateKey returns the calendar-date key used by the matching indexes.
func (r *SourceRecord) DateKey() string {
	return r.OccurredOn.Format("2006-01-02")
}

// Validate checks the minimal shape the matching pipeline requires.
// Records failing validation are excluded from matching and reported,
// never silently coerced.
func (r *SourceRecord) Validate() error {
	if strings.TrimSpace(r.SourceID) == "" {
		return fmt.Errorf("source ID cannot be empty")
	}

	if !r.Kind.IsValid() {
		return fmt.Errorf("invalid source kind: %s", r.Kind)
	}

	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}

	if r.Amount.IsZero() {
		return fmt.Errorf("amount cannot be zero")
	}

	if r.Kind != KindBankTransaction && r.Amount.IsNegative() {
		return fmt.Errorf("%s amount must be positive, got %s", r.Kind, r.Amount)
	}

	if r.OccurredOn.IsZero() {
		return fmt.Errorf("occurred-on date cannot be zero")
	}

	return nil
}

// String returns a string representation of the SourceRecord.
func (r *SourceRecord) String() string {
	return fmt.Sprintf("SourceRecord{%s, Amount: %s, Date: %s, Counterparty: %q}",
		r.Ref(), r.Amount.String(), r.DateKey(), r.CounterpartyID)
}

// NormalizeRecords validates a batch of raw records and splits it into the
// records eligible for matching and the per-record validation errors.
// Malformed records never enter the pipeline.
func NormalizeRecords(records []*SourceRecord) ([]*SourceRecord, []error) {
	valid := make([]*SourceRecord, 0, len(records))
	var problems []error

	for _, rec := range records {
		if rec == nil {
			problems = append(problems, fmt.Errorf("nil record in input batch"))
			continue
		}
		if err := rec.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("record %s excluded: %w", rec.SourceID, err))
			continue
		}
		valid = append(valid, rec)
	}

	return valid, problems
}

// MatchStatus is the lifecycle state of a ReconciliationMatch.
type MatchStatus string

const (
	// MatchProposed is the initial state set by the arbiter.
	MatchProposed MatchStatus = "proposed"
	// MatchAccepted means the match counts as final, either automatically
	// (no review required) or through an external review decision.
	MatchAccepted MatchStatus = "accepted"
	// MatchRejected releases the match's allocations; terminal.
	MatchRejected MatchStatus = "rejected"
	// MatchSuperseded marks a match replaced by a manual one; terminal.
	// The original row is preserved for the audit trail.
	MatchSuperseded MatchStatus = "superseded"
)

// IsValid checks if the match status is a known state.
func (s MatchStatus) IsValid() bool {
	switch s {
	case MatchProposed, MatchAccepted, MatchRejected, MatchSuperseded:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s MatchStatus) IsTerminal() bool {
	return s == MatchRejected || s == MatchSuperseded
}

// CountsTowardAllocation reports whether the match's member allocations
// are held against their records.
func (s MatchStatus) CountsTowardAllocation() bool {
	return s == MatchProposed || s == MatchAccepted
}

// MatchMember links one source record into a match with the portion of its
// amount consumed by this match.
type MatchMember struct {
	Kind            SourceKind      `json:"source_kind"`
	SourceID        string          `json:"source_id"`
	AmountAllocated decimal.Decimal `json:"amount_allocated"`
}

// Ref returns the member's record reference within the given tenant.
func (m MatchMember) Ref(tenantID string) RecordRef {
	return RecordRef{TenantID: tenantID, Kind: m.Kind, SourceID: m.SourceID}
}

// ReconciliationMatch is the persisted outcome of the arbiter linking two
// or three source records to one settlement.
type ReconciliationMatch struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenant_id"`
	Members  []MatchMember `json:"members"`

	// MatchLayer is the highest layer that contributed evidence (0-3).
	MatchLayer int     `json:"match_layer"`
	Confidence float64 `json:"confidence"`

	Status         MatchStatus `json:"status"`
	RequiresReview bool        `json:"requires_review"`

	DiscrepancyAmount decimal.Decimal `json:"discrepancy_amount"`
	DiscrepancyReason string          `json:"discrepancy_reason,omitempty"`

	// SplitGroupID is shared by all matches dividing one record's amount;
	// empty when no member participates in another non-rejected match.
	SplitGroupID string `json:"split_group_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`
}

// Member returns the member of the given kind, or nil.
func (m *ReconciliationMatch) Member(kind SourceKind) *MatchMember {
	for i := range m.Members {
		if m.Members[i].Kind == kind {
			return &m.Members[i]
		}
	}
	return nil
}

// HasInvoice reports whether an invoice participates in the match.
// Matches without an invoice always require review (cash-without-invoice).
func (m *ReconciliationMatch) HasInvoice() bool {
	return m.Member(KindInvoice) != nil
}

// References reports whether the match includes the given record.
func (m *ReconciliationMatch) References(ref RecordRef) bool {
	if m.TenantID != ref.TenantID {
		return false
	}
	for _, member := range m.Members {
		if member.Kind == ref.Kind && member.SourceID == ref.SourceID {
			return true
		}
	}
	return false
}

// Validate checks structural consistency of the match entity.
func (m *ReconciliationMatch) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("match ID cannot be empty")
	}

	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("match tenant ID cannot be empty")
	}

	if len(m.Members) < 2 || len(m.Members) > 3 {
		return fmt.Errorf("match must have 2 or 3 members, got %d", len(m.Members))
	}

	seen := make(map[SourceKind]bool, len(m.Members))
	for _, member := range m.Members {
		if !member.Kind.IsValid() {
			return fmt.Errorf("invalid member kind: %s", member.Kind)
		}
		if seen[member.Kind] {
			return fmt.Errorf("duplicate member kind: %s", member.Kind)
		}
		seen[member.Kind] = true

		if member.AmountAllocated.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("member %s/%s allocation must be positive, got %s",
				member.Kind, member.SourceID, member.AmountAllocated)
		}
	}

	if m.MatchLayer < 0 || m.MatchLayer > 3 {
		return fmt.Errorf("match layer must be between 0 and 3, got %d", m.MatchLayer)
	}

	if m.Confidence < 0.0 || m.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", m.Confidence)
	}

	if m.Confidence == 1.0 && m.MatchLayer != 0 {
		return fmt.Errorf("confidence 1.0 is only permitted for layer 0 matches")
	}

	if !m.Status.IsValid() {
		return fmt.Errorf("invalid match status: %s", m.Status)
	}

	return nil
}

// Utility functions shared by parsers and matchers.

// ParseDecimal parses a decimal amount from a string, stripping common
// currency symbols and thousand separators.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}

	return d, nil
}

// ParseDate attempts to parse a calendar date using the formats commonly
// seen across the three ingestion sources.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}

	formats := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"02/01/2006",
		"01/02/2006",
		"2006/01/02",
	}

	var lastErr error
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return DateOnly(t), nil
		} else {
			lastErr = err
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}

// DateOnly truncates a timestamp to midnight UTC; matching never uses the
// time component.
func DateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute whole-day distance between two dates.
func DaysBetween(a, b time.Time) int {
	diff := DateOnly(a).Sub(DateOnly(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}

// WithinEpsilon reports whether two amounts agree within the rounding epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(RoundingEpsilon)
}
