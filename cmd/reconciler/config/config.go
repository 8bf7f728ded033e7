// Package config assembles engine configuration from CLI flags and
// environment, keeping flag parsing out of the matching packages.
package config

import (
	"fmt"
	"os"

	"threeway-reconciliation-service/internal/embedding"
	"threeway-reconciliation-service/internal/matcher"
	"threeway-reconciliation-service/internal/reasoning"
	"threeway-reconciliation-service/pkg/logger"

	"github.com/shopspring/decimal"
)

// MatcherOverrides carries the flag values that override matcher defaults.
// Zero values mean "keep the default".
type MatcherOverrides struct {
	DateToleranceDays      int
	AmountTolerancePercent float64
	AmountToleranceFloor   float64
	SimilarityTopK         int
	MinSimilarityScore     float64
	DisableTieBreak        bool
}

// CreateMatcherConfig builds and validates the matching configuration.
func CreateMatcherConfig(overrides MatcherOverrides) (*matcher.Config, error) {
	cfg := matcher.DefaultConfig()

	if overrides.DateToleranceDays > 0 {
		cfg.DateToleranceDays = overrides.DateToleranceDays
		if cfg.LowValueDateToleranceDays < cfg.DateToleranceDays {
			cfg.LowValueDateToleranceDays = cfg.DateToleranceDays
		}
	}
	if overrides.AmountTolerancePercent > 0 {
		cfg.AmountTolerancePercent = overrides.AmountTolerancePercent
	}
	if overrides.AmountToleranceFloor > 0 {
		cfg.AmountToleranceFloor = decimal.NewFromFloat(overrides.AmountToleranceFloor)
	}
	if overrides.SimilarityTopK > 0 {
		cfg.SimilarityTopK = overrides.SimilarityTopK
	}
	if overrides.MinSimilarityScore > 0 {
		cfg.MinSimilarityScore = overrides.MinSimilarityScore
	}
	if overrides.DisableTieBreak {
		cfg.TieBreak = matcher.TieBreakNone
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matcher configuration: %w", err)
	}
	return cfg, nil
}

// CreateLoggerConfig builds the logging configuration from CLI flags.
func CreateLoggerConfig(verbose bool, format string) *logger.Config {
	cfg := logger.DefaultConfig()
	if verbose {
		cfg.Level = logger.DebugLevel
	}
	if format == "json" {
		cfg.Format = logger.JSONFormat
	}
	return cfg
}

// CreateEmbeddingClient returns the Layer 2 embedding client, or nil when
// no API key is available; the similarity layer then runs degraded.
func CreateEmbeddingClient(model string) embedding.Client {
	apiKey := apiKeyFromEnv()
	if apiKey == "" {
		return nil
	}
	return embedding.NewOpenAIClient(apiKey, model)
}

// CreateReasoningClient returns the Layer 3 reasoning client, or nil when
// disabled or no API key is available; the layer is then skipped.
func CreateReasoningClient(model string, disabled bool) reasoning.Client {
	if disabled {
		return nil
	}
	apiKey := apiKeyFromEnv()
	if apiKey == "" {
		return nil
	}
	return reasoning.NewOpenAIClient(apiKey, model)
}

func apiKeyFromEnv() string {
	if key := os.Getenv("RECONCILER_OPENAI_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("OPENAI_API_KEY")
}
