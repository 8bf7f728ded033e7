package parsers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/errors"

	"github.com/shopspring/decimal"
)

func writeTestCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestParseFileBasic(t *testing.T) {
	path := writeTestCSV(t, "expenses.csv", `source_id,tenant_id,amount,date,counterparty_id,description
E1,tenant-1,1200.00,2025-11-18,acme supplies,office chairs
E2,tenant-1,"$1,350.50",2025-11-19,acme supplies,standing desks
`)

	parser, err := NewRecordParser(models.KindExpense)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	records, stats, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(records) != 2 || stats.RecordsValid != 2 {
		t.Fatalf("Expected 2 records, got %d (stats: %s)", len(records), stats)
	}

	first := records[0]
	if first.SourceID != "E1" || first.Kind != models.KindExpense {
		t.Errorf("Unexpected record identity: %+v", first)
	}
	if !first.Amount.Equal(decimal.NewFromFloat(1200.00)) {
		t.Errorf("Expected amount 1200.00, got %s", first.Amount)
	}
	if first.DateKey() != "2025-11-18" {
		t.Errorf("Expected date 2025-11-18, got %s", first.DateKey())
	}
	if first.CounterpartyID != "acme supplies" {
		t.Errorf("Expected counterparty, got %q", first.CounterpartyID)
	}

	// Currency symbol and thousand separator are stripped.
	if !records[1].Amount.Equal(decimal.NewFromFloat(1350.50)) {
		t.Errorf("Expected amount 1350.50, got %s", records[1].Amount)
	}
}

func TestParseFileHeaderAliases(t *testing.T) {
	path := writeTestCSV(t, "bank.csv", `transaction_id,company_id,value,transaction_date,vendor_id
B1,tenant-1,-497.65,2025-11-19,acme supplies
`)

	parser, _ := NewRecordParser(models.KindBankTransaction)
	records, _, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.SourceID != "B1" || rec.TenantID != "tenant-1" {
		t.Errorf("Expected aliased columns resolved, got %+v", rec)
	}
	if !rec.Amount.Equal(decimal.NewFromFloat(-497.65)) {
		t.Errorf("Expected signed amount preserved, got %s", rec.Amount)
	}
	if rec.CounterpartyID != "acme supplies" {
		t.Errorf("Expected vendor_id mapped to counterparty, got %q", rec.CounterpartyID)
	}
}

func TestParseFileSkipsBadRows(t *testing.T) {
	path := writeTestCSV(t, "expenses.csv", `source_id,tenant_id,amount,date
E1,tenant-1,100.00,2025-11-18
E2,tenant-1,not-a-number,2025-11-18
E3,tenant-1,50.00,eighteenth of november
E4,,25.00,2025-11-18

E5,tenant-1,75.00,2025-11-18
`)

	parser, _ := NewRecordParser(models.KindExpense)
	records, stats, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(records) != 2 {
		t.Errorf("Expected 2 valid records, got %d", len(records))
	}
	if len(stats.Errors) != 3 {
		t.Errorf("Expected 3 row errors, got %d: %v", len(stats.Errors), stats.Errors)
	}
	if !stats.HasErrors() {
		t.Error("Expected stats to report errors")
	}
	if records[1].SourceID != "E5" {
		t.Errorf("Expected parsing to continue past bad rows, got %s", records[1].SourceID)
	}
}

func TestParseFileMissingRequiredColumn(t *testing.T) {
	path := writeTestCSV(t, "expenses.csv", `source_id,amount,date
E1,100.00,2025-11-18
`)

	parser, _ := NewRecordParser(models.KindExpense)
	_, _, err := parser.ParseFile(path)
	if err == nil {
		t.Fatal("Expected missing-column error")
	}
	if !errors.IsCode(err, errors.CodeMissingColumn) {
		t.Errorf("Expected missing-column code, got %v", err)
	}
}

func TestParseFileAttributesPassthrough(t *testing.T) {
	path := writeTestCSV(t, "invoices.csv", `invoice_id,tenant_id,total_amount,issue_date,tax_id,line_items,currency
I1,tenant-1,500.00,2025-11-17,acme supplies,"chairs x4",EUR
`)

	parser, _ := NewRecordParser(models.KindInvoice)
	records, _, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}

	attrs := records[0].Attributes
	if attrs["line_items"] != "chairs x4" || attrs["currency"] != "EUR" {
		t.Errorf("Expected unclaimed columns in the attribute bag, got %v", attrs)
	}
}

func TestParseFileCreatedAtFallback(t *testing.T) {
	path := writeTestCSV(t, "expenses.csv", `source_id,tenant_id,amount,date,created_at
E1,tenant-1,100.00,2025-11-18,2025-11-18T09:30:00Z
E2,tenant-1,100.00,2025-11-18,
`)

	parser, _ := NewRecordParser(models.KindExpense)
	records, _, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if records[0].CreatedAt.Hour() != 9 {
		t.Errorf("Expected RFC3339 created_at parsed, got %s", records[0].CreatedAt)
	}
	if !records[1].CreatedAt.Equal(records[1].OccurredOn) {
		t.Errorf("Expected created_at to default to the occurred-on date, got %s", records[1].CreatedAt)
	}
}

func TestParseFileMissingFile(t *testing.T) {
	parser, _ := NewRecordParser(models.KindExpense)
	if _, _, err := parser.ParseFile("/nonexistent/records.csv"); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestNewRecordParserRejectsUnknownKind(t *testing.T) {
	if _, err := NewRecordParser(models.SourceKind("ledger")); err == nil {
		t.Error("Expected an unknown source kind to be rejected")
	}
}

func TestLoadAll(t *testing.T) {
	expensePath := writeTestCSV(t, "expenses.csv", `source_id,tenant_id,amount,date
E1,tenant-1,100.00,2025-11-18
`)
	bankPath := writeTestCSV(t, "bank.csv", `source_id,tenant_id,amount,date
B1,tenant-1,-100.00,2025-11-18
`)

	records, stats, err := LoadAll(context.Background(), expensePath, bankPath, "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 records across streams, got %d", len(records))
	}
	if records[0].Kind != models.KindExpense || records[1].Kind != models.KindBankTransaction {
		t.Errorf("Expected stream order expenses then bank, got %s / %s", records[0].Kind, records[1].Kind)
	}
	if len(stats) != 2 {
		t.Errorf("Expected stats for the 2 provided streams, got %d", len(stats))
	}
}
