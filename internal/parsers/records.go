// Package parsers loads the three record streams from CSV files so the
// batch CLI can run end-to-end. It handles the format variations the
// ingestion exports actually produce: header aliases, currency symbols in
// amounts, and several date formats. Rows that fail to parse are reported
// in the stats and skipped; they never abort the file.
package parsers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/pkg/errors"
	"threeway-reconciliation-service/pkg/logger"
)

// columnAliases maps each logical field to the header names seen across
// the export formats, in priority order.
var columnAliases = map[string][]string{
	"source_id":    {"source_id", "id", "record_id", "transaction_id", "invoice_id", "expense_id"},
	"tenant_id":    {"tenant_id", "tenant", "company_id"},
	"amount":       {"amount", "value", "total", "total_amount"},
	"date":         {"date", "occurred_on", "transaction_date", "issue_date", "expense_date"},
	"counterparty": {"counterparty_id", "counterparty", "vendor_id", "tax_id", "supplier_id"},
	"description":  {"description", "memo", "narrative", "details"},
	"created_at":   {"created_at", "recorded_at"},
}

// logicalFields lists the fields consumed directly; any other column rides
// along in the record's attribute bag.
var logicalFields = []string{"source_id", "tenant_id", "amount", "date", "counterparty", "description", "created_at"}

// ParseStats summarizes one file's parsing outcome.
type ParseStats struct {
	TotalLines   int
	RecordsValid int
	Errors       []error
}

// HasErrors reports whether any rows were skipped.
func (s *ParseStats) HasErrors() bool {
	return len(s.Errors) > 0
}

// String returns a human-readable summary of the parse.
func (s *ParseStats) String() string {
	return fmt.Sprintf("Parsed %d lines, %d valid records, %d errors",
		s.TotalLines, s.RecordsValid, len(s.Errors))
}

// RecordParser reads one source's CSV export into source records.
type RecordParser struct {
	kind models.SourceKind
	log  logger.Logger
}

// NewRecordParser creates a parser producing records of the given kind.
func NewRecordParser(kind models.SourceKind) (*RecordParser, error) {
	if !kind.IsValid() {
		return nil, errors.ValidationError(errors.CodeInvalidRecord, "source_kind", string(kind), nil).
			WithSuggestion("Use expense, bank_transaction, or invoice")
	}
	return &RecordParser{
		kind: kind,
		log:  logger.WithComponent("record_parser"),
	}, nil
}

// ParseFile reads the whole file, returning the valid records and stats.
func (p *RecordParser) ParseFile(filePath string) ([]*models.SourceRecord, *ParseStats, error) {
	return p.ParseFileWithContext(context.Background(), filePath)
}

// ParseFileWithContext parses with cancellation support between rows.
func (p *RecordParser) ParseFileWithContext(ctx context.Context, filePath string) ([]*models.SourceRecord, *ParseStats, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.ParseError(errors.CodeInvalidFormat, filePath, 0, err).
			WithSuggestion("Check that the file exists and is readable")
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	stats := &ParseStats{}

	headers, err := reader.Read()
	if err != nil {
		return nil, stats, errors.ParseError(errors.CodeMissingColumn, filePath, 1, err).
			WithSuggestion("Ensure the file starts with a header row")
	}
	stats.TotalLines++

	columns, err := resolveColumns(headers, filePath)
	if err != nil {
		return nil, stats, err
	}

	var records []*models.SourceRecord

	for {
		select {
		case <-ctx.Done():
			return records, stats, ctx.Err()
		default:
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		stats.TotalLines++
		if err != nil {
			stats.Errors = append(stats.Errors,
				errors.ParseError(errors.CodeInvalidFormat, filePath, stats.TotalLines, err))
			continue
		}
		if isEmptyRow(row) {
			continue
		}

		record, perr := p.parseRow(row, columns, filePath, stats.TotalLines)
		if perr != nil {
			p.log.WithError(perr).WithField("line", stats.TotalLines).Warn("row skipped")
			stats.Errors = append(stats.Errors, perr)
			continue
		}

		records = append(records, record)
		stats.RecordsValid++
	}

	p.log.WithFields(logger.Fields{
		"file":    filePath,
		"kind":    p.kind.String(),
		"records": stats.RecordsValid,
		"errors":  len(stats.Errors),
	}).Info("file parsed")

	return records, stats, nil
}

// columnLayout maps logical fields and passthrough attributes to indices.
type columnLayout struct {
	fields     map[string]int
	attributes map[string]int
}

func resolveColumns(headers []string, filePath string) (*columnLayout, error) {
	layout := &columnLayout{
		fields:     make(map[string]int),
		attributes: make(map[string]int),
	}

	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = strings.ToLower(strings.TrimSpace(h))
	}

	for _, field := range logicalFields {
	aliases:
		for _, alias := range columnAliases[field] {
			for i, header := range normalized {
				if header == alias {
					layout.fields[field] = i
					break aliases
				}
			}
		}
	}

	for _, required := range []string{"source_id", "tenant_id", "amount", "date"} {
		if _, ok := layout.fields[required]; !ok {
			return nil, errors.ParseError(errors.CodeMissingColumn, filePath, 1, nil).
				WithContext("column", required).
				WithSuggestion(fmt.Sprintf("Add a %q column (aliases: %s)",
					required, strings.Join(columnAliases[required], ", ")))
		}
	}

	claimed := make(map[int]bool, len(layout.fields))
	for _, idx := range layout.fields {
		claimed[idx] = true
	}
	for i, header := range normalized {
		if !claimed[i] && header != "" {
			layout.attributes[header] = i
		}
	}

	return layout, nil
}

func (p *RecordParser) parseRow(row []string, columns *columnLayout, filePath string, line int) (*models.SourceRecord, error) {
	get := func(field string) string {
		idx, ok := columns.fields[field]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	amount, err := models.ParseDecimal(get("amount"))
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidAmount, filePath, line, err)
	}

	occurredOn, err := models.ParseDate(get("date"))
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidDate, filePath, line, err)
	}

	record := &models.SourceRecord{
		SourceID:       get("source_id"),
		Kind:           p.kind,
		TenantID:       get("tenant_id"),
		Amount:         amount,
		OccurredOn:     occurredOn,
		CounterpartyID: get("counterparty"),
		Description:    get("description"),
	}

	if raw := get("created_at"); raw != "" {
		if createdAt, err := time.Parse(time.RFC3339, raw); err == nil {
			record.CreatedAt = createdAt
		} else if createdAt, err := models.ParseDate(raw); err == nil {
			record.CreatedAt = createdAt
		}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = occurredOn
	}

	for name, idx := range columns.attributes {
		if idx < len(row) {
			if value := strings.TrimSpace(row[idx]); value != "" {
				if record.Attributes == nil {
					record.Attributes = make(map[string]interface{})
				}
				record.Attributes[name] = value
			}
		}
	}

	if err := record.Validate(); err != nil {
		return nil, errors.ParseError(errors.CodeInvalidRecord, filePath, line, err)
	}

	return record, nil
}

func isEmptyRow(row []string) bool {
	for _, field := range row {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// LoadAll loads the three streams and concatenates them for one batch run.
// Per-file stats are returned in input order: expenses, bank transactions,
// invoices. An empty path skips that stream.
func LoadAll(ctx context.Context, expensePath, bankPath, invoicePath string) ([]*models.SourceRecord, []*ParseStats, error) {
	streams := []struct {
		kind models.SourceKind
		path string
	}{
		{models.KindExpense, expensePath},
		{models.KindBankTransaction, bankPath},
		{models.KindInvoice, invoicePath},
	}

	var all []*models.SourceRecord
	var stats []*ParseStats

	for _, stream := range streams {
		if stream.path == "" {
			continue
		}

		parser, err := NewRecordParser(stream.kind)
		if err != nil {
			return nil, stats, err
		}

		records, fileStats, err := parser.ParseFileWithContext(ctx, stream.path)
		stats = append(stats, fileStats)
		if err != nil {
			return nil, stats, err
		}
		all = append(all, records...)
	}

	return all, stats, nil
}
