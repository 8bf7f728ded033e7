package matcher

import (
	"sort"
	"time"

	"threeway-reconciliation-service/internal/models"

	"github.com/shopspring/decimal"
)

// RecordIndex provides the lookups the matching layers need over one
// tenant's unmatched records of a single source kind.
type RecordIndex struct {
	// exactKey maps counterparty|date|settlement to records for Layer 0.
	exactKey map[string][]*models.SourceRecord

	// byCounterparty maps counterparty identifiers to records for Layer 1.
	byCounterparty map[string][]*models.SourceRecord

	// byDate maps date keys (YYYY-MM-DD) to records for window scans.
	byDate map[string][]*models.SourceRecord

	records []*models.SourceRecord
}

// NewRecordIndex builds an index over the given records. Records of mixed
// kinds or tenants are the caller's bug; the index does not re-check them.
func NewRecordIndex(records []*models.SourceRecord) *RecordIndex {
	idx := &RecordIndex{
		exactKey:       make(map[string][]*models.SourceRecord),
		byCounterparty: make(map[string][]*models.SourceRecord),
		byDate:         make(map[string][]*models.SourceRecord),
		records:        records,
	}

	for _, rec := range records {
		dateKey := rec.DateKey()
		idx.byDate[dateKey] = append(idx.byDate[dateKey], rec)

		if rec.HasCounterparty() {
			idx.byCounterparty[rec.CounterpartyID] = append(idx.byCounterparty[rec.CounterpartyID], rec)
			key := exactKey(rec.CounterpartyID, dateKey, rec.SettlementAmount())
			idx.exactKey[key] = append(idx.exactKey[key], rec)
		}
	}

	return idx
}

func exactKey(counterparty, dateKey string, settlement decimal.Decimal) string {
	return counterparty + "|" + dateKey + "|" + settlement.String()
}

// Len returns the number of indexed records.
func (idx *RecordIndex) Len() int {
	return len(idx.records)
}

// All returns the indexed records.
func (idx *RecordIndex) All() []*models.SourceRecord {
	return idx.records
}

// ExactMatches returns records agreeing exactly on counterparty, calendar
// date, and settlement amount. Multiple hits are all returned; choosing
// between them is the arbiter's job.
func (idx *RecordIndex) ExactMatches(counterparty string, date time.Time, settlement decimal.Decimal) []*models.SourceRecord {
	key := exactKey(counterparty, models.DateOnly(date).Format("2006-01-02"), settlement)
	return idx.exactKey[key]
}

// ByCounterpartyInWindow returns records sharing the counterparty within
// ±windowDays of the given date, ordered by date distance then creation
// time so closer counterparts are scored first.
func (idx *RecordIndex) ByCounterpartyInWindow(counterparty string, date time.Time, windowDays int) []*models.SourceRecord {
	var hits []*models.SourceRecord
	for _, rec := range idx.byCounterparty[counterparty] {
		if models.DaysBetween(rec.OccurredOn, date) <= windowDays {
			hits = append(hits, rec)
		}
	}

	sortByProximity(hits, date)
	return hits
}

// InWindow returns records within ±windowDays of the date whose settlement
// amount falls inside [minAmount, maxAmount]. Layer 2 applies this window
// discipline before ranking by similarity.
func (idx *RecordIndex) InWindow(date time.Time, windowDays int, minAmount, maxAmount decimal.Decimal) []*models.SourceRecord {
	var hits []*models.SourceRecord

	center := models.DateOnly(date)
	for offset := -windowDays; offset <= windowDays; offset++ {
		dateKey := center.AddDate(0, 0, offset).Format("2006-01-02")
		for _, rec := range idx.byDate[dateKey] {
			settlement := rec.SettlementAmount()
			if settlement.LessThan(minAmount) || settlement.GreaterThan(maxAmount) {
				continue
			}
			hits = append(hits, rec)
		}
	}

	sortByProximity(hits, date)
	return hits
}

func sortByProximity(records []*models.SourceRecord, date time.Time) {
	sort.SliceStable(records, func(i, j int) bool {
		di := models.DaysBetween(records[i].OccurredOn, date)
		dj := models.DaysBetween(records[j].OccurredOn, date)
		if di != dj {
			return di < dj
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

// IndexSet groups one tenant's indexes by source kind so each layer can
// look up the two sides opposite its anchor.
type IndexSet struct {
	TenantID string
	byKind   map[models.SourceKind]*RecordIndex
}

// NewIndexSet partitions a tenant's records by kind and indexes each side.
func NewIndexSet(tenantID string, records []*models.SourceRecord) *IndexSet {
	partitions := make(map[models.SourceKind][]*models.SourceRecord)
	for _, rec := range records {
		partitions[rec.Kind] = append(partitions[rec.Kind], rec)
	}

	set := &IndexSet{
		TenantID: tenantID,
		byKind:   make(map[models.SourceKind]*RecordIndex, 3),
	}
	for _, kind := range []models.SourceKind{models.KindExpense, models.KindBankTransaction, models.KindInvoice} {
		set.byKind[kind] = NewRecordIndex(partitions[kind])
	}

	return set
}

// Kind returns the index for one source kind.
func (s *IndexSet) Kind(kind models.SourceKind) *RecordIndex {
	return s.byKind[kind]
}

// CounterpartKinds returns the two source kinds opposite the given anchor
// kind, in the order candidates should list them.
func CounterpartKinds(anchor models.SourceKind) []models.SourceKind {
	switch anchor {
	case models.KindExpense:
		return []models.SourceKind{models.KindBankTransaction, models.KindInvoice}
	case models.KindBankTransaction:
		return []models.SourceKind{models.KindExpense, models.KindInvoice}
	default:
		return []models.SourceKind{models.KindExpense, models.KindBankTransaction}
	}
}
