package matcher

import (
	"testing"

	"threeway-reconciliation-service/internal/models"

	"github.com/shopspring/decimal"
)

func testRecord(id string, kind models.SourceKind, amount float64, date, counterparty, description string) *models.SourceRecord {
	occurredOn, err := models.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return &models.SourceRecord{
		SourceID:       id,
		Kind:           kind,
		TenantID:       "tenant-1",
		Amount:         decimal.NewFromFloat(amount),
		OccurredOn:     occurredOn,
		CounterpartyID: counterparty,
		Description:    description,
		CreatedAt:      occurredOn,
	}
}

func createTestRecordSet() []*models.SourceRecord {
	return []*models.SourceRecord{
		testRecord("E1", models.KindExpense, 1250.50, "2025-11-18", "VENDOR-X", "office chairs"),
		testRecord("B1", models.KindBankTransaction, -1250.50, "2025-11-18", "VENDOR-X", "transfer vendor x"),
		testRecord("I1", models.KindInvoice, 1250.50, "2025-11-18", "VENDOR-X", "invoice office chairs"),
		testRecord("E2", models.KindExpense, 500.00, "2025-11-20", "VENDOR-Y", "cleaning services"),
		testRecord("B2", models.KindBankTransaction, -502.35, "2025-11-21", "VENDOR-Y", "payment cleaning"),
		testRecord("I2", models.KindInvoice, 502.35, "2025-11-20", "VENDOR-Y", "cleaning invoice"),
	}
}

func TestDeterministicMatcherThreeWay(t *testing.T) {
	records := createTestRecordSet()
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewDeterministicMatcher(nil)

	anchor := records[0] // E1
	candidates := matcher.Candidates(anchor, indexes)

	if len(candidates) != 1 {
		t.Fatalf("Expected 1 exact candidate, got %d", len(candidates))
	}

	cand := candidates[0]
	if cand.Layer != LayerDeterministic {
		t.Errorf("Expected deterministic layer, got %s", cand.Layer)
	}
	if cand.RawScore != 1.0 {
		t.Errorf("Expected raw score 1.0, got %f", cand.RawScore)
	}
	if len(cand.Counterparts) != 2 {
		t.Fatalf("Expected 2 counterparts, got %d", len(cand.Counterparts))
	}
	if !cand.AmountDelta.IsZero() {
		t.Errorf("Expected zero amount delta, got %s", cand.AmountDelta)
	}
	if !cand.HasInvoice() {
		t.Error("Expected the invoice to participate")
	}
}

func TestDeterministicMatcherSignedBankAmount(t *testing.T) {
	// The bank debit is negative; the exact join still finds it because
	// matching works on settlement amounts.
	records := createTestRecordSet()
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewDeterministicMatcher(nil)

	anchor := records[1] // B1, -1250.50
	candidates := matcher.Candidates(anchor, indexes)

	if len(candidates) != 1 {
		t.Fatalf("Expected 1 candidate for bank anchor, got %d", len(candidates))
	}
	if candidates[0].Counterpart(models.KindExpense) == nil {
		t.Error("Expected expense counterpart")
	}
	if candidates[0].Counterpart(models.KindInvoice) == nil {
		t.Error("Expected invoice counterpart")
	}
}

func TestDeterministicMatcherNoCounterparty(t *testing.T) {
	records := createTestRecordSet()
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewDeterministicMatcher(nil)

	anchor := testRecord("E9", models.KindExpense, 100, "2025-11-18", "", "cash purchase")
	if candidates := matcher.Candidates(anchor, indexes); candidates != nil {
		t.Errorf("Expected no candidates without a counterparty, got %d", len(candidates))
	}
}

func TestDeterministicMatcherEmitsAllTies(t *testing.T) {
	records := []*models.SourceRecord{
		testRecord("B1", models.KindBankTransaction, -75.00, "2025-11-18", "VENDOR-Z", "first"),
		testRecord("B2", models.KindBankTransaction, -75.00, "2025-11-18", "VENDOR-Z", "second"),
	}
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewDeterministicMatcher(nil)

	anchor := testRecord("E1", models.KindExpense, 75.00, "2025-11-18", "VENDOR-Z", "supplies")
	candidates := matcher.Candidates(anchor, indexes)

	if len(candidates) != 2 {
		t.Fatalf("Expected one candidate per identical counterpart, got %d", len(candidates))
	}
}

func TestToleranceMatcherSmallDiscrepancy(t *testing.T) {
	records := createTestRecordSet()
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewToleranceMatcher(nil)

	anchor := records[3] // E2: 500.00, VENDOR-Y
	candidates := matcher.Candidates(anchor, indexes)

	if len(candidates) != 1 {
		t.Fatalf("Expected 1 tolerance candidate, got %d", len(candidates))
	}

	cand := candidates[0]
	if cand.Layer != LayerTolerance {
		t.Errorf("Expected tolerance layer, got %s", cand.Layer)
	}
	if len(cand.Counterparts) != 2 {
		t.Fatalf("Expected both sides within tolerance, got %d counterparts", len(cand.Counterparts))
	}

	// 1 - 2.35/500 = 0.9953
	if cand.RawScore < 0.995 || cand.RawScore > 0.996 {
		t.Errorf("Expected raw score near 0.9953, got %f", cand.RawScore)
	}
	if !cand.AmountDelta.Equal(decimal.NewFromFloat(2.35)) {
		t.Errorf("Expected amount delta 2.35, got %s", cand.AmountDelta)
	}
}

func TestToleranceMatcherRejectsOutsideTolerance(t *testing.T) {
	records := []*models.SourceRecord{
		// 5% of 500 = 25; a 60.00 difference is out.
		testRecord("B1", models.KindBankTransaction, -560.00, "2025-11-20", "VENDOR-Y", ""),
	}
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewToleranceMatcher(nil)

	anchor := testRecord("E1", models.KindExpense, 500.00, "2025-11-20", "VENDOR-Y", "")
	if candidates := matcher.Candidates(anchor, indexes); len(candidates) != 0 {
		t.Errorf("Expected no candidates outside the amount tolerance, got %d", len(candidates))
	}
}

func TestToleranceMatcherAbsoluteFloor(t *testing.T) {
	// 5% of 50 is 2.50, but the absolute floor of 10.00 tolerates an
	// 8.00 difference on small amounts.
	records := []*models.SourceRecord{
		testRecord("B1", models.KindBankTransaction, -58.00, "2025-11-20", "VENDOR-Y", ""),
	}
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewToleranceMatcher(nil)

	anchor := testRecord("E1", models.KindExpense, 50.00, "2025-11-20", "VENDOR-Y", "")
	candidates := matcher.Candidates(anchor, indexes)

	if len(candidates) != 1 {
		t.Fatalf("Expected the floor to admit the candidate, got %d", len(candidates))
	}
}

func TestToleranceMatcherDateWindow(t *testing.T) {
	records := []*models.SourceRecord{
		testRecord("B-in", models.KindBankTransaction, -500.00, "2025-11-23", "VENDOR-Y", ""),
		testRecord("B-out", models.KindBankTransaction, -500.00, "2025-11-25", "VENDOR-Y", ""),
	}
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewToleranceMatcher(nil)

	anchor := testRecord("E1", models.KindExpense, 500.00, "2025-11-20", "VENDOR-Y", "")
	candidates := matcher.Candidates(anchor, indexes)

	if len(candidates) != 1 {
		t.Fatalf("Expected only the in-window counterpart, got %d candidates", len(candidates))
	}
	if candidates[0].Counterparts[0].SourceID != "B-in" {
		t.Errorf("Expected B-in, got %s", candidates[0].Counterparts[0].SourceID)
	}
}

func TestLowValueRecordsGetWiderDateWindow(t *testing.T) {
	// 60.00 is below the low-value threshold, so ±5 days applies.
	records := []*models.SourceRecord{
		testRecord("B1", models.KindBankTransaction, -60.00, "2025-11-25", "VENDOR-Y", ""),
	}
	indexes := NewIndexSet("tenant-1", records)
	matcher := NewToleranceMatcher(nil)

	anchor := testRecord("E1", models.KindExpense, 60.00, "2025-11-20", "VENDOR-Y", "")
	candidates := matcher.Candidates(anchor, indexes)

	if len(candidates) != 1 {
		t.Fatalf("Expected the widened window to admit the candidate, got %d", len(candidates))
	}
}

func TestRecordIndexInWindow(t *testing.T) {
	records := []*models.SourceRecord{
		testRecord("R1", models.KindInvoice, 100.00, "2025-11-18", "", "inside"),
		testRecord("R2", models.KindInvoice, 100.00, "2025-11-25", "", "outside window"),
		testRecord("R3", models.KindInvoice, 300.00, "2025-11-18", "", "outside amount"),
	}
	idx := NewRecordIndex(records)

	date, _ := models.ParseDate("2025-11-19")
	hits := idx.InWindow(date, 3, decimal.NewFromInt(80), decimal.NewFromInt(120))

	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit, got %d", len(hits))
	}
	if hits[0].SourceID != "R1" {
		t.Errorf("Expected R1, got %s", hits[0].SourceID)
	}
}

func TestCounterpartKinds(t *testing.T) {
	tests := []struct {
		anchor   models.SourceKind
		expected [2]models.SourceKind
	}{
		{models.KindExpense, [2]models.SourceKind{models.KindBankTransaction, models.KindInvoice}},
		{models.KindBankTransaction, [2]models.SourceKind{models.KindExpense, models.KindInvoice}},
		{models.KindInvoice, [2]models.SourceKind{models.KindExpense, models.KindBankTransaction}},
	}

	for _, tt := range tests {
		kinds := CounterpartKinds(tt.anchor)
		if len(kinds) != 2 || kinds[0] != tt.expected[0] || kinds[1] != tt.expected[1] {
			t.Errorf("CounterpartKinds(%s) = %v, expected %v", tt.anchor, kinds, tt.expected)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative date tolerance", func(c *Config) { c.DateToleranceDays = -1 }},
		{"narrow low-value window", func(c *Config) { c.LowValueDateToleranceDays = 1 }},
		{"tolerance percent too high", func(c *Config) { c.AmountTolerancePercent = 150 }},
		{"zero top-k", func(c *Config) { c.SimilarityTopK = 0 }},
		{"similarity score above one", func(c *Config) { c.MinSimilarityScore = 1.5 }},
		{"similarity window percent too high", func(c *Config) { c.SimilarityAmountWindowPercent = 150 }},
		{"zero reasoning concurrency", func(c *Config) { c.ReasoningConcurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestConfigAmountTolerance(t *testing.T) {
	cfg := DefaultConfig()

	// 5% of 1000 = 50
	if tol := cfg.AmountTolerance(decimal.NewFromInt(1000)); !tol.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected tolerance 50, got %s", tol)
	}

	// 5% of 50 = 2.50, floored at 10
	if tol := cfg.AmountTolerance(decimal.NewFromInt(50)); !tol.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected floor tolerance 10, got %s", tol)
	}
}

func TestConfigSimilarityAmountWindow(t *testing.T) {
	cfg := DefaultConfig()

	// 25% ratio around 600: [150, 2400]. An aggregate withdrawal four
	// times the expense must stay inside the window.
	min, max := cfg.SimilarityAmountWindow(decimal.NewFromInt(600))
	if !min.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Expected window minimum 150, got %s", min)
	}
	if !max.Equal(decimal.NewFromInt(2400)) {
		t.Errorf("Expected window maximum 2400, got %s", max)
	}
	if aggregate := decimal.NewFromInt(1000); aggregate.LessThan(min) || aggregate.GreaterThan(max) {
		t.Errorf("Expected 1000 inside window [%s, %s]", min, max)
	}

	// Signed bank amounts use the settlement amount.
	min, max = cfg.SimilarityAmountWindow(decimal.NewFromInt(-1000))
	if !min.Equal(decimal.NewFromInt(250)) || !max.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("Expected window [250, 4000], got [%s, %s]", min, max)
	}
}

func TestConfigDateWindowDays(t *testing.T) {
	cfg := DefaultConfig()

	if days := cfg.DateWindowDays(decimal.NewFromInt(500)); days != 3 {
		t.Errorf("Expected default window 3, got %d", days)
	}
	if days := cfg.DateWindowDays(decimal.NewFromInt(50)); days != 5 {
		t.Errorf("Expected low-value window 5, got %d", days)
	}
}

func TestConfigClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()

	clone.DateToleranceDays = 10
	if cfg.DateToleranceDays == 10 {
		t.Error("Expected clone to be independent of the original")
	}

	var nilCfg *Config
	if nilCfg.Clone() != nil {
		t.Error("Expected nil clone for nil config")
	}
}
