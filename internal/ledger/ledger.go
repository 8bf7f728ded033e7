// Package ledger tracks how much of each record's settlement amount is
// consumed by active matches. It is the arbiter's source of truth for
// partial matching: a bank withdrawal funding three expenses surrenders
// its amount piece by piece, and the ledger guarantees the pieces never
// add up to more than the whole.
package ledger

import (
	"sync"

	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/errors"

	"github.com/shopspring/decimal"
)

// Ledger is an in-memory allocation ledger partitioned by tenant. All
// mutation for one tenant happens under that tenant's lock; tenants never
// contend with each other.
type Ledger struct {
	mu      sync.Mutex
	tenants map[string]*tenantLedger
}

type tenantLedger struct {
	mu      sync.Mutex
	entries map[models.RecordRef]*entry
}

type entry struct {
	total       decimal.Decimal
	allocations map[string]decimal.Decimal
}

// NewLedger creates an empty allocation ledger.
func NewLedger() *Ledger {
	return &Ledger{tenants: make(map[string]*tenantLedger)}
}

func (l *Ledger) tenant(tenantID string) *tenantLedger {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.tenants[tenantID]
	if !ok {
		tl = &tenantLedger{entries: make(map[models.RecordRef]*entry)}
		l.tenants[tenantID] = tl
	}
	return tl
}

// Register makes a record's settlement amount available for allocation.
// Registering the same record again is a no-op; totals come from the
// source systems and do not change mid-run.
func (l *Ledger) Register(record *models.SourceRecord) {
	tl := l.tenant(record.TenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	ref := record.Ref()
	if _, ok := tl.entries[ref]; ok {
		return
	}
	tl.entries[ref] = &entry{
		total:       record.SettlementAmount(),
		allocations: make(map[string]decimal.Decimal),
	}
}

// Allocated returns the total amount currently held against a record by
// active matches.
func (l *Ledger) Allocated(ref models.RecordRef) (decimal.Decimal, error) {
	tl := l.tenant(ref.TenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	e, ok := tl.entries[ref]
	if !ok {
		return decimal.Zero, errors.AllocationError(errors.CodeUnknownRecord, ref.String(), nil)
	}
	return e.allocated(), nil
}

// Remaining returns the unallocated portion of a record's settlement
// amount. Records with zero remaining are fully matched and must be
// skipped by subsequent runs.
func (l *Ledger) Remaining(ref models.RecordRef) (decimal.Decimal, error) {
	tl := l.tenant(ref.TenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	return tl.remaining(ref)
}

// TryAllocate holds amount against a record on behalf of a match. It fails
// without side effects when the record is unknown or the allocation would
// push the record's total allocations past its settlement amount plus the
// rounding epsilon.
func (l *Ledger) TryAllocate(ref models.RecordRef, amount decimal.Decimal, matchID string) error {
	tl := l.tenant(ref.TenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	return tl.allocate(ref, amount, matchID)
}

// Release frees every allocation held by the given match in the given
// tenant. Releasing a match that holds nothing is a no-op; rejection and
// supersession call this without knowing whether allocations survived.
func (l *Ledger) Release(tenantID, matchID string) {
	tl := l.tenant(tenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.release(matchID)
}

// Tx stages allocations inside a Transact callback. All staged allocations
// and releases are undone when the callback returns an error.
type Tx struct {
	tl       *tenantLedger
	applied  []appliedAllocation
	released []appliedAllocation
}

type appliedAllocation struct {
	ref     models.RecordRef
	matchID string
	amount  decimal.Decimal
}

// Remaining returns a record's unallocated amount as seen inside the
// transaction.
func (tx *Tx) Remaining(ref models.RecordRef) (decimal.Decimal, error) {
	return tx.tl.remaining(ref)
}

// Allocate holds amount against a record; on failure nothing is staged.
func (tx *Tx) Allocate(ref models.RecordRef, amount decimal.Decimal, matchID string) error {
	if err := tx.tl.allocate(ref, amount, matchID); err != nil {
		return err
	}
	tx.applied = append(tx.applied, appliedAllocation{ref: ref, matchID: matchID, amount: amount})
	return nil
}

// Release frees every allocation held by a match, making its amounts
// available to allocations staged later in the same transaction. The
// freed allocations are restored on rollback.
func (tx *Tx) Release(matchID string) {
	for ref, e := range tx.tl.entries {
		if amount, ok := e.allocations[matchID]; ok {
			delete(e.allocations, matchID)
			tx.released = append(tx.released, appliedAllocation{ref: ref, matchID: matchID, amount: amount})
		}
	}
}

// Transact runs fn under the tenant's lock. Allocations staged through the
// Tx become permanent only if fn returns nil; any error rolls them all
// back. This is how a match's member allocations commit atomically with
// the match record itself.
func (l *Ledger) Transact(tenantID string, fn func(tx *Tx) error) error {
	tl := l.tenant(tenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tx := &Tx{tl: tl}
	if err := fn(tx); err != nil {
		for i := len(tx.applied) - 1; i >= 0; i-- {
			a := tx.applied[i]
			tl.deallocate(a.ref, a.matchID, a.amount)
		}
		for _, r := range tx.released {
			if e, ok := tl.entries[r.ref]; ok {
				e.allocations[r.matchID] = r.amount
			}
		}
		return err
	}
	return nil
}

func (e *entry) allocated() decimal.Decimal {
	sum := decimal.Zero
	for _, amount := range e.allocations {
		sum = sum.Add(amount)
	}
	return sum
}

func (tl *tenantLedger) remaining(ref models.RecordRef) (decimal.Decimal, error) {
	e, ok := tl.entries[ref]
	if !ok {
		return decimal.Zero, errors.AllocationError(errors.CodeUnknownRecord, ref.String(), nil)
	}

	remaining := e.total.Sub(e.allocated())
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return remaining, nil
}

func (tl *tenantLedger) allocate(ref models.RecordRef, amount decimal.Decimal, matchID string) error {
	e, ok := tl.entries[ref]
	if !ok {
		return errors.AllocationError(errors.CodeUnknownRecord, ref.String(), nil)
	}

	if !amount.IsPositive() {
		return errors.AllocationError(errors.CodeInsufficientRemaining, ref.String(), nil).
			WithContext("amount", amount.String()).
			WithSuggestion("Allocation amounts must be positive")
	}

	// Conservation: allocations may exceed the settlement amount only by
	// the rounding epsilon.
	next := e.allocated().Add(amount)
	if next.GreaterThan(e.total.Add(models.RoundingEpsilon)) {
		return errors.AllocationError(errors.CodeConservationViolated, ref.String(), nil).
			WithContext("total", e.total.String()).
			WithContext("allocated", e.allocated().String()).
			WithContext("requested", amount.String())
	}

	if existing, ok := e.allocations[matchID]; ok {
		e.allocations[matchID] = existing.Add(amount)
	} else {
		e.allocations[matchID] = amount
	}
	return nil
}

func (tl *tenantLedger) deallocate(ref models.RecordRef, matchID string, amount decimal.Decimal) {
	e, ok := tl.entries[ref]
	if !ok {
		return
	}

	held, ok := e.allocations[matchID]
	if !ok {
		return
	}

	held = held.Sub(amount)
	if held.IsPositive() {
		e.allocations[matchID] = held
	} else {
		delete(e.allocations, matchID)
	}
}

func (tl *tenantLedger) release(matchID string) {
	for _, e := range tl.entries {
		delete(e.allocations, matchID)
	}
}
