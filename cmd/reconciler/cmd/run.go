package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"threeway-reconciliation-service/cmd/reconciler/config"
	"threeway-reconciliation-service/internal/ledger"
	"threeway-reconciliation-service/internal/lifecycle"
	"threeway-reconciliation-service/internal/parsers"
	"threeway-reconciliation-service/internal/reconciler"
	"threeway-reconciliation-service/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flags for the run command
var (
	expensesFile     string
	bankFile         string
	invoicesFile     string
	outputFormat     string
	outputFile       string
	dateTolerance    int
	amountTolerance  float64
	amountFloor      float64
	similarityTopK   int
	minSimilarity    float64
	embeddingModel   string
	reasoningModel   string
	disableReasoning bool
	disableTieBreak  bool
	businessContext  string
	tenantWorkers    int
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile expenses, bank transactions, and invoices",
	Long: `Run loads the three record streams from CSV files and links the records
that settle the same business event. Each unsettled record escalates
through exact joins, tolerance joins, description similarity, and
reasoning-engine verdicts, in that order.

Matches that need a human decision are marked requires_review; everything
else is accepted automatically.

Examples:
  # Basic run over three CSV exports
  reconciler run --expenses expenses.csv --bank-transactions bank.csv --invoices invoices.csv

  # Wider tolerances, JSON report to a file
  reconciler run -e e.csv -b b.csv -i i.csv \
    --date-tolerance 5 --amount-tolerance 8.0 \
    --output-format json --output-file report.json

  # Without the reasoning layer
  reconciler run -e e.csv -b b.csv -i i.csv --disable-reasoning`,

	PreRunE: validateRunFlags,
	RunE:    runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Input files; at least two streams are needed for any match
	runCmd.Flags().StringVarP(&expensesFile, "expenses", "e", "", "path to expenses CSV file")
	runCmd.Flags().StringVarP(&bankFile, "bank-transactions", "b", "", "path to bank transactions CSV file")
	runCmd.Flags().StringVarP(&invoicesFile, "invoices", "i", "", "path to invoices CSV file")

	// Output flags
	runCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json")
	runCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")

	// Matching configuration flags
	runCmd.Flags().IntVarP(&dateTolerance, "date-tolerance", "d", 0, "date matching tolerance in days (0 = default)")
	runCmd.Flags().Float64VarP(&amountTolerance, "amount-tolerance", "a", 0, "amount tolerance percentage (0 = default)")
	runCmd.Flags().Float64Var(&amountFloor, "amount-tolerance-floor", 0, "absolute amount tolerance floor (0 = default)")
	runCmd.Flags().IntVar(&similarityTopK, "similarity-top-k", 0, "similarity candidates retrieved per record (0 = default)")
	runCmd.Flags().Float64Var(&minSimilarity, "min-similarity", 0, "minimum similarity score (0 = default)")
	runCmd.Flags().BoolVar(&disableTieBreak, "no-tie-break", false, "leave equal candidates in layer order")

	// External service flags
	runCmd.Flags().StringVar(&embeddingModel, "embedding-model", "", "embedding model name (default: small embedding model)")
	runCmd.Flags().StringVar(&reasoningModel, "reasoning-model", "", "reasoning model name (default: gpt-4o)")
	runCmd.Flags().BoolVar(&disableReasoning, "disable-reasoning", false, "skip the reasoning layer entirely")
	runCmd.Flags().StringVar(&businessContext, "business-context", "", "free-text context forwarded to the reasoning engine")

	runCmd.Flags().IntVar(&tenantWorkers, "tenant-concurrency", 4, "tenants reconciled in parallel")

	viper.BindPFlag("expenses", runCmd.Flags().Lookup("expenses"))
	viper.BindPFlag("bank-transactions", runCmd.Flags().Lookup("bank-transactions"))
	viper.BindPFlag("invoices", runCmd.Flags().Lookup("invoices"))
	viper.BindPFlag("output-format", runCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("output-file", runCmd.Flags().Lookup("output-file"))
	viper.BindPFlag("date-tolerance", runCmd.Flags().Lookup("date-tolerance"))
	viper.BindPFlag("amount-tolerance", runCmd.Flags().Lookup("amount-tolerance"))
	viper.BindPFlag("amount-tolerance-floor", runCmd.Flags().Lookup("amount-tolerance-floor"))
	viper.BindPFlag("similarity-top-k", runCmd.Flags().Lookup("similarity-top-k"))
	viper.BindPFlag("min-similarity", runCmd.Flags().Lookup("min-similarity"))
	viper.BindPFlag("no-tie-break", runCmd.Flags().Lookup("no-tie-break"))
	viper.BindPFlag("embedding-model", runCmd.Flags().Lookup("embedding-model"))
	viper.BindPFlag("reasoning-model", runCmd.Flags().Lookup("reasoning-model"))
	viper.BindPFlag("disable-reasoning", runCmd.Flags().Lookup("disable-reasoning"))
	viper.BindPFlag("business-context", runCmd.Flags().Lookup("business-context"))
	viper.BindPFlag("tenant-concurrency", runCmd.Flags().Lookup("tenant-concurrency"))
}

func validateRunFlags(cmd *cobra.Command, args []string) error {
	expensesFile = viper.GetString("expenses")
	bankFile = viper.GetString("bank-transactions")
	invoicesFile = viper.GetString("invoices")
	outputFormat = viper.GetString("output-format")
	outputFile = viper.GetString("output-file")
	dateTolerance = viper.GetInt("date-tolerance")
	amountTolerance = viper.GetFloat64("amount-tolerance")
	amountFloor = viper.GetFloat64("amount-tolerance-floor")
	similarityTopK = viper.GetInt("similarity-top-k")
	minSimilarity = viper.GetFloat64("min-similarity")
	disableTieBreak = viper.GetBool("no-tie-break")
	embeddingModel = viper.GetString("embedding-model")
	reasoningModel = viper.GetString("reasoning-model")
	disableReasoning = viper.GetBool("disable-reasoning")
	businessContext = viper.GetString("business-context")
	tenantWorkers = viper.GetInt("tenant-concurrency")

	provided := 0
	for _, path := range []string{expensesFile, bankFile, invoicesFile} {
		if path != "" {
			provided++
			if err := validateFileExists(path); err != nil {
				return err
			}
		}
	}
	if provided < 2 {
		return fmt.Errorf("at least two of --expenses, --bank-transactions, --invoices are required")
	}

	if outputFormat != "console" && outputFormat != "json" {
		return fmt.Errorf("invalid output format '%s'. Valid formats: console, json", outputFormat)
	}

	if dateTolerance < 0 {
		return fmt.Errorf("date tolerance cannot be negative")
	}
	if amountTolerance < 0 || amountTolerance > 100 {
		return fmt.Errorf("amount tolerance must be between 0.0 and 100.0")
	}

	return nil
}

func validateFileExists(filePath string) error {
	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", filePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("expected a file, got a directory: %s", filePath)
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := logger.NewLogger(config.CreateLoggerConfig(viper.GetBool("verbose"), viper.GetString("log-format")))
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobalLogger(log)

	matcherConfig, err := config.CreateMatcherConfig(config.MatcherOverrides{
		DateToleranceDays:      dateTolerance,
		AmountTolerancePercent: amountTolerance,
		AmountToleranceFloor:   amountFloor,
		SimilarityTopK:         similarityTopK,
		MinSimilarityScore:     minSimilarity,
		DisableTieBreak:        disableTieBreak,
	})
	if err != nil {
		return err
	}

	records, stats, err := parsers.LoadAll(ctx, expensesFile, bankFile, invoicesFile)
	if err != nil {
		return fmt.Errorf("failed to load input files: %w", err)
	}
	for _, fileStats := range stats {
		if fileStats.HasErrors() && viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "%s\n", fileStats)
		}
	}

	allocLedger := ledger.NewLedger()
	store := lifecycle.NewMemoryStore()

	pipeline, err := reconciler.NewPipeline(matcherConfig, allocLedger, store, reconciler.Options{
		EmbeddingClient:   config.CreateEmbeddingClient(embeddingModel),
		ReasoningClient:   config.CreateReasoningClient(reasoningModel, disableReasoning),
		BusinessContext:   businessContext,
		TenantConcurrency: tenantWorkers,
	})
	if err != nil {
		return err
	}

	summary, err := pipeline.Run(ctx, records)
	if err != nil {
		return fmt.Errorf("reconciliation interrupted: %w", err)
	}

	return writeReport(store, summary)
}

// runReport is the JSON report shape.
type runReport struct {
	Summary *reconciler.RunSummary `json:"summary"`
	Matches []json.RawMessage      `json:"matches"`
	Tenants map[string]int         `json:"matches_per_tenant"`
}

func writeReport(store *lifecycle.MemoryStore, summary *reconciler.RunSummary) error {
	output := os.Stdout
	if outputFile != "" {
		file, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		output = file
	}

	if outputFormat == "console" {
		fmt.Fprint(output, summary.String())
		return nil
	}

	report := runReport{Summary: summary, Tenants: make(map[string]int)}
	for _, tenantID := range summary.TenantIDs {
		for _, match := range store.ListByTenant(tenantID) {
			data, err := json.Marshal(match)
			if err != nil {
				return fmt.Errorf("failed to encode match %s: %w", match.ID, err)
			}
			report.Matches = append(report.Matches, data)
			report.Tenants[tenantID]++
		}
	}

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
