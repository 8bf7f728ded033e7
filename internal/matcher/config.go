// Package matcher implements the four escalating matching layers that link
// expenses, bank transactions, and invoices belonging to one settlement.
//
// The layers run in strictly increasing cost order:
//
//	Layer 0 - deterministic: exact counterparty + date + amount join
//	Layer 1 - tolerance: same counterparty within amount/date windows
//	Layer 2 - similarity: description embeddings within date/amount windows
//	Layer 3 - reasoning: LLM verdicts over Layer 2 near-misses
//
// Each layer only processes what the previous layer left unmatched; all
// candidates accumulate for the arbiter, which owns disambiguation and
// commitment.
package matcher

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TieBreakMode selects how the arbiter orders candidates that are equal on
// (layer, raw score). The source systems do not define this; creation order
// is a default, not a truth.
type TieBreakMode int

const (
	// TieBreakCreationOrder prefers the counterpart created earliest.
	TieBreakCreationOrder TieBreakMode = iota

	// TieBreakNone leaves equal candidates in layer emission order.
	TieBreakNone
)

// String returns the string representation of TieBreakMode.
func (m TieBreakMode) String() string {
	switch m {
	case TieBreakCreationOrder:
		return "creation_order"
	case TieBreakNone:
		return "none"
	default:
		return "unknown"
	}
}

// Config holds the named tunables consumed by the matching layers and the
// arbiter. Operators tune recall/precision here without code changes.
type Config struct {
	// DateToleranceDays is the Layer 1/2 date window (default ±3 days).
	DateToleranceDays int `json:"date_tolerance_days"`

	// LowValueDateToleranceDays widens the window for low-value records
	// (default ±5 days).
	LowValueDateToleranceDays int `json:"low_value_date_tolerance_days"`

	// LowValueThreshold is the settlement amount below which the widened
	// date window applies.
	LowValueThreshold decimal.Decimal `json:"low_value_threshold"`

	// AmountTolerancePercent is the Layer 1 relative amount tolerance
	// (default 5.0, i.e. ≤5%).
	AmountTolerancePercent float64 `json:"amount_tolerance_percent"`

	// AmountToleranceFloor is the absolute amount difference always
	// tolerated regardless of the relative tolerance (default 10.00).
	AmountToleranceFloor decimal.Decimal `json:"amount_tolerance_floor"`

	// MinToleranceScore floors Layer 1 scores; candidates scoring below it
	// are not emitted (default 0.5).
	MinToleranceScore float64 `json:"min_tolerance_score"`

	// SimilarityTopK is the number of nearest neighbors Layer 2 retrieves.
	SimilarityTopK int `json:"similarity_top_k"`

	// MinSimilarityScore is the cosine similarity below which a Layer 2
	// hit is a near-miss (reasoning pool) rather than a candidate.
	MinSimilarityScore float64 `json:"min_similarity_score"`

	// SimilarityAmountWindowPercent bounds the Layer 2 amount window as a
	// ratio: a counterpart qualifies when the smaller of the two settlement
	// amounts is at least this percentage of the larger. The window must
	// admit aggregates (one withdrawal settling several smaller expenses),
	// so it is a ratio bound in both directions, not a symmetric margin.
	SimilarityAmountWindowPercent float64 `json:"similarity_amount_window_percent"`

	// FallbackSimilarityPenalty is subtracted from text-distance scores
	// when Layer 2 runs without its embedding service.
	FallbackSimilarityPenalty float64 `json:"fallback_similarity_penalty"`

	// ReasoningMaxCandidates caps how many near-misses Layer 3 sends to
	// the reasoning service per anchor.
	ReasoningMaxCandidates int `json:"reasoning_max_candidates"`

	// ReasoningConcurrency caps concurrent reasoning service calls.
	ReasoningConcurrency int `json:"reasoning_concurrency"`

	// ReviewConfidenceThresholds holds the per-layer confidence below
	// which a match requires review, indexed by layer.
	ReviewConfidenceThresholds [4]float64 `json:"review_confidence_thresholds"`

	// TieBreak selects candidate ordering for equal (layer, score) pairs.
	TieBreak TieBreakMode `json:"tie_break"`
}

// DefaultConfig returns the tolerances the reconciliation job runs with
// unless an operator overrides them.
func DefaultConfig() *Config {
	return &Config{
		DateToleranceDays:             3,
		LowValueDateToleranceDays:     5,
		LowValueThreshold:             decimal.NewFromInt(100),
		AmountTolerancePercent:        5.0,
		AmountToleranceFloor:          decimal.NewFromInt(10),
		MinToleranceScore:             0.5,
		SimilarityTopK:                5,
		MinSimilarityScore:            0.72,
		SimilarityAmountWindowPercent: 25.0,
		FallbackSimilarityPenalty:     0.15,
		ReasoningMaxCandidates:        3,
		ReasoningConcurrency:          4,
		ReviewConfidenceThresholds:    [4]float64{1.0, 0.9, 0.85, 2.0},
		TieBreak:                      TieBreakCreationOrder,
	}
}

// Validate checks if the matching configuration is valid.
func (c *Config) Validate() error {
	if c.DateToleranceDays < 0 {
		return fmt.Errorf("date tolerance days cannot be negative: %d", c.DateToleranceDays)
	}

	if c.LowValueDateToleranceDays < c.DateToleranceDays {
		return fmt.Errorf("low-value date tolerance (%d) cannot be narrower than the default (%d)",
			c.LowValueDateToleranceDays, c.DateToleranceDays)
	}

	if c.LowValueThreshold.IsNegative() {
		return fmt.Errorf("low-value threshold cannot be negative: %s", c.LowValueThreshold)
	}

	if c.AmountTolerancePercent < 0.0 || c.AmountTolerancePercent > 100.0 {
		return fmt.Errorf("amount tolerance percent must be between 0.0 and 100.0: %f", c.AmountTolerancePercent)
	}

	if c.AmountToleranceFloor.IsNegative() {
		return fmt.Errorf("amount tolerance floor cannot be negative: %s", c.AmountToleranceFloor)
	}

	if c.MinToleranceScore < 0.0 || c.MinToleranceScore > 1.0 {
		return fmt.Errorf("minimum tolerance score must be between 0.0 and 1.0: %f", c.MinToleranceScore)
	}

	if c.SimilarityTopK <= 0 {
		return fmt.Errorf("similarity top-k must be positive: %d", c.SimilarityTopK)
	}

	if c.MinSimilarityScore < 0.0 || c.MinSimilarityScore > 1.0 {
		return fmt.Errorf("minimum similarity score must be between 0.0 and 1.0: %f", c.MinSimilarityScore)
	}

	if c.SimilarityAmountWindowPercent <= 0.0 || c.SimilarityAmountWindowPercent > 100.0 {
		return fmt.Errorf("similarity amount window percent must be between 0.0 and 100.0: %f", c.SimilarityAmountWindowPercent)
	}

	if c.FallbackSimilarityPenalty < 0.0 || c.FallbackSimilarityPenalty > 1.0 {
		return fmt.Errorf("fallback similarity penalty must be between 0.0 and 1.0: %f", c.FallbackSimilarityPenalty)
	}

	if c.ReasoningMaxCandidates <= 0 {
		return fmt.Errorf("reasoning max candidates must be positive: %d", c.ReasoningMaxCandidates)
	}

	if c.ReasoningConcurrency <= 0 {
		return fmt.Errorf("reasoning concurrency must be positive: %d", c.ReasoningConcurrency)
	}

	return nil
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	clone := *c
	return &clone
}

// DateWindowDays returns the date window applicable to the given settlement
// amount. Low-value records get the widened window.
func (c *Config) DateWindowDays(settlement decimal.Decimal) int {
	if settlement.LessThan(c.LowValueThreshold) {
		return c.LowValueDateToleranceDays
	}
	return c.DateToleranceDays
}

// AmountTolerance returns the absolute amount difference tolerated for the
// given settlement amount: the relative tolerance with an absolute floor.
func (c *Config) AmountTolerance(settlement decimal.Decimal) decimal.Decimal {
	relative := settlement.Abs().
		Mul(decimal.NewFromFloat(c.AmountTolerancePercent)).
		Div(decimal.NewFromInt(100))

	if relative.LessThan(c.AmountToleranceFloor) {
		return c.AmountToleranceFloor
	}
	return relative
}

// SimilarityAmountWindow returns the (min, max) settlement amount bounds
// for Layer 2 candidate retrieval. The bounds are multiplicative, [a*p,
// a/p] for window fraction p, so a withdrawal several times larger than
// the anchor expense stays retrievable while amounts with no plausible
// aggregate relationship are excluded.
func (c *Config) SimilarityAmountWindow(settlement decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	fraction := decimal.NewFromFloat(c.SimilarityAmountWindowPercent).
		Div(decimal.NewFromInt(100))

	abs := settlement.Abs()
	return abs.Mul(fraction), abs.Div(fraction)
}

// String returns a human-readable description of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DateWindow: ±%dd (±%dd low-value), AmountTolerance: %.1f%% floor %s, TopK: %d, TieBreak: %s}",
		c.DateToleranceDays, c.LowValueDateToleranceDays, c.AmountTolerancePercent,
		c.AmountToleranceFloor, c.SimilarityTopK, c.TieBreak)
}
