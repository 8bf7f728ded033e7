package reconciler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RunSummary aggregates the outcome of one batch run across all tenants.
type RunSummary struct {
	mu sync.Mutex

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	TotalRecords    int `json:"total_records"`
	ValidRecords    int `json:"valid_records"`
	ExcludedRecords int `json:"excluded_records"`
	Tenants         int `json:"tenants"`

	// TenantIDs lists the tenants seen in this run, sorted.
	TenantIDs []string `json:"tenant_ids"`

	AnchorsProcessed int `json:"anchors_processed"`
	AnchorsSkipped   int `json:"anchors_skipped"`

	MatchesCreated  int         `json:"matches_created"`
	MatchesByLayer  map[int]int `json:"matches_by_layer"`
	RequiresReview  int         `json:"requires_review"`
	SplitMatches    int         `json:"split_matches"`
	PanicsRecovered int         `json:"panics_recovered"`

	// DegradedSimilarity is set when any tenant's similarity layer fell
	// back to text-distance scoring.
	DegradedSimilarity bool `json:"degraded_similarity"`

	// Problems carries the per-record validation errors; excluded records
	// are reported, never silently dropped.
	Problems []string `json:"problems,omitempty"`
}

func newRunSummary() *RunSummary {
	return &RunSummary{
		StartedAt:      time.Now(),
		MatchesByLayer: make(map[int]int),
	}
}

func (s *RunSummary) finish() {
	s.CompletedAt = time.Now()
	s.Duration = s.CompletedAt.Sub(s.StartedAt)
}

func (s *RunSummary) addProblem(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Problems = append(s.Problems, err.Error())
}

// MatchRate returns the fraction of processed anchors that produced at
// least one match.
func (s *RunSummary) MatchRate() float64 {
	if s.AnchorsProcessed == 0 {
		return 0
	}
	return float64(s.MatchesCreated) / float64(s.AnchorsProcessed)
}

// String renders a multi-line operator-facing report.
func (s *RunSummary) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Reconciliation run completed in %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "  Records:  %d total, %d valid, %d excluded\n", s.TotalRecords, s.ValidRecords, s.ExcludedRecords)
	fmt.Fprintf(&b, "  Tenants:  %d\n", s.Tenants)
	fmt.Fprintf(&b, "  Anchors:  %d processed, %d already settled\n", s.AnchorsProcessed, s.AnchorsSkipped)
	fmt.Fprintf(&b, "  Matches:  %d created (%d need review, %d split)\n", s.MatchesCreated, s.RequiresReview, s.SplitMatches)

	layers := make([]int, 0, len(s.MatchesByLayer))
	for layer := range s.MatchesByLayer {
		layers = append(layers, layer)
	}
	sort.Ints(layers)
	for _, layer := range layers {
		fmt.Fprintf(&b, "    layer %d: %d\n", layer, s.MatchesByLayer[layer])
	}

	if s.DegradedSimilarity {
		b.WriteString("  Warning: similarity layer ran degraded (no embedding service)\n")
	}
	if s.PanicsRecovered > 0 {
		fmt.Fprintf(&b, "  Warning: %d record(s) failed processing and were skipped\n", s.PanicsRecovered)
	}

	return b.String()
}
