// Package errors defines the categorized error taxonomy used across the
// reconciliation core. Layer-local failures degrade gracefully; allocation
// invariant violations abort a single record's commit; nothing aborts a
// whole batch.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory groups errors by the subsystem that raised them.
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryParse          ErrorCategory = "parse"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryAllocation     ErrorCategory = "allocation"
	CategoryExternal       ErrorCategory = "external"
	CategoryLifecycle      ErrorCategory = "lifecycle"
	CategoryReconciliation ErrorCategory = "reconciliation"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode identifies a specific failure within a category.
type ErrorCode string

const (
	// Validation errors
	CodeMissingField  ErrorCode = "missing_field"
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeInvalidRecord ErrorCode = "invalid_record"

	// Parse errors
	CodeInvalidFormat ErrorCode = "invalid_format"
	CodeMissingColumn ErrorCode = "missing_column"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"

	// Allocation errors
	CodeInsufficientRemaining ErrorCode = "insufficient_remaining"
	CodeConservationViolated  ErrorCode = "conservation_violated"
	CodeUnknownRecord         ErrorCode = "unknown_record"

	// External service errors
	CodeEmbeddingUnavailable ErrorCode = "embedding_unavailable"
	CodeReasoningUnavailable ErrorCode = "reasoning_unavailable"
	CodeMalformedVerdict     ErrorCode = "malformed_verdict"

	// Lifecycle errors
	CodeIllegalTransition ErrorCode = "illegal_transition"
	CodeMatchNotFound     ErrorCode = "match_not_found"

	// Reconciliation errors
	CodeProcessingError ErrorCode = "processing_error"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// ReconcilerError is the base error type for all application errors.
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error.
type Context map[string]interface{}

// Error implements the error interface.
func (e *ReconcilerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate process exit code for the error.
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryParse, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryAllocation, CategoryLifecycle, CategoryReconciliation, CategoryInternal:
		return 5
	case CategoryExternal:
		return 6
	default:
		return 1
	}
}

// WithContext adds context information to the error.
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error.
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// stackTracer extracts stack traces from github.com/pkg/errors values.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// New creates a new ReconcilerError.
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context.
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// ValidationError creates a validation error for a record field.
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	message := fmt.Sprintf("validation failed for '%s': %v", field, value)
	suggestion := "check the field value and format"

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are valid decimal numbers (e.g. '12.34')"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use date format YYYY-MM-DD"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	case CodeInvalidRecord:
		message = fmt.Sprintf("record failed validation: %v", value)
		suggestion = "the record is excluded from matching; correct it at the source"
	}

	result := wrapOrNew(err, CategoryValidation, code, message)
	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ParseError creates a parsing error for a stream file.
func ParseError(code ErrorCode, file string, line int, err error) *ReconcilerError {
	message := fmt.Sprintf("parse error in %s at line %d", file, line)
	if code == CodeMissingColumn {
		message = fmt.Sprintf("missing required column in %s", file)
	}

	result := wrapOrNew(err, CategoryParse, code, message)
	return result.
		WithSuggestion("check the file format and column headers").
		WithContext("file", file).
		WithContext("line", line)
}

// ConfigurationError creates a configuration error.
func ConfigurationError(setting string, value interface{}, err error) *ReconcilerError {
	message := fmt.Sprintf("invalid configuration for '%s': %v", setting, value)

	result := wrapOrNew(err, CategoryConfiguration, CodeInvalidConfig, message)
	return result.
		WithSuggestion("check the configuration documentation for valid values").
		WithContext("setting", setting).
		WithContext("value", value)
}

// AllocationError creates an allocation ledger error. Conservation
// violations are hard errors that abort the single record's commit.
func AllocationError(code ErrorCode, record string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInsufficientRemaining:
		message = fmt.Sprintf("allocation would exceed remaining amount of record %s", record)
		suggestion = "the candidate is discarded; no existing allocation was changed"
	case CodeConservationViolated:
		message = fmt.Sprintf("allocation conservation violated for record %s", record)
		suggestion = "this indicates a ledger bug; no state was mutated"
	case CodeUnknownRecord:
		message = fmt.Sprintf("record %s is not registered in the allocation ledger", record)
		suggestion = "register the record totals before allocating against it"
	default:
		message = fmt.Sprintf("allocation error for record %s", record)
		suggestion = "review the allocation ledger state"
	}

	result := wrapOrNew(err, CategoryAllocation, code, message)
	return result.
		WithSuggestion(suggestion).
		WithContext("record", record)
}

// ExternalServiceError creates an error for an embedding or reasoning
// service failure. These degrade the affected layer, never the batch.
func ExternalServiceError(code ErrorCode, service string, err error) *ReconcilerError {
	message := fmt.Sprintf("external service '%s' failed", service)
	if code == CodeMalformedVerdict {
		message = fmt.Sprintf("external service '%s' returned a malformed verdict", service)
	}

	result := wrapOrNew(err, CategoryExternal, code, message)
	return result.
		WithSuggestion("the affected layer is skipped for this record; the batch continues").
		WithContext("service", service)
}

// LifecycleError creates a match lifecycle error.
func LifecycleError(code ErrorCode, matchID string, err error) *ReconcilerError {
	var message string

	switch code {
	case CodeIllegalTransition:
		message = fmt.Sprintf("illegal state transition for match %s", matchID)
	case CodeMatchNotFound:
		message = fmt.Sprintf("match %s not found", matchID)
	default:
		message = fmt.Sprintf("lifecycle error for match %s", matchID)
	}

	result := wrapOrNew(err, CategoryLifecycle, code, message)
	return result.WithContext("match_id", matchID)
}

// ReconciliationError creates a pipeline processing error.
func ReconciliationError(operation string, err error) *ReconcilerError {
	message := fmt.Sprintf("processing error during %s", operation)

	result := wrapOrNew(err, CategoryReconciliation, CodeProcessingError, message)
	return result.
		WithSuggestion("the record is left for the next reconciliation run").
		WithContext("operation", operation)
}

func wrapOrNew(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// IsCode reports whether err is a ReconcilerError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	if rerr, ok := AsReconcilerError(err); ok {
		return rerr.Code == code
	}
	return false
}

// AsReconcilerError extracts a ReconcilerError from an error chain.
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// ErrorSummary aggregates multiple errors from one batch run.
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	Errors     []*ReconcilerError    `json:"errors"`
}

// NewErrorSummary creates a summary over the given errors.
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		Errors:     errs,
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
	}

	return summary
}

// Error returns a formatted message for the summary.
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category.
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}
