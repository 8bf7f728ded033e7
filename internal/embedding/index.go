package embedding

import (
	"sort"

	"threeway-reconciliation-service/internal/models"
)

// Hit is one nearest-neighbor result from the vector index.
type Hit struct {
	Record     *models.SourceRecord
	Similarity float64
}

// Index is an in-memory vector index over source records. A batch run
// builds one index per tenant snapshot; the external interface it models
// is (vector, tenant, amount_range, date_range) -> top_k nearest.
type Index struct {
	entries []indexEntry
}

type indexEntry struct {
	record *models.SourceRecord
	vector []float32
}

// NewIndex creates an empty vector index.
func NewIndex() *Index {
	return &Index{}
}

// Add registers a record with its embedding vector.
func (idx *Index) Add(record *models.SourceRecord, vector []float32) {
	idx.entries = append(idx.entries, indexEntry{record: record, vector: vector})
}

// Len returns the number of indexed records.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Search returns the top-k records by cosine similarity among those
// passing the filter. The filter carries the tenant, date window, and
// amount window restrictions; similarity alone never qualifies a record.
func (idx *Index) Search(vector []float32, filter func(*models.SourceRecord) bool, k int) []Hit {
	var hits []Hit
	for _, entry := range idx.entries {
		if filter != nil && !filter(entry.record) {
			continue
		}
		hits = append(hits, Hit{
			Record:     entry.record,
			Similarity: Cosine(vector, entry.vector),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
