// Package errors provides structured error types for the Caselight engine.
// Every error carries a category, code, message, and a remediation hint so
// that data-quality findings surface with a concrete next step for the
// analyst rather than a bare failure.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by forensic consequence.
type ErrorCategory string

const (
	// ErrCategoryDataQuality marks degraded-but-usable input: processing
	// continues with reduced confidence and the issue is counted.
	ErrCategoryDataQuality ErrorCategory = "DATA_QUALITY"

	// ErrCategoryValidation marks findings that block case finalization
	// until resolved or explicitly documented.
	ErrCategoryValidation ErrorCategory = "VALIDATION"

	// ErrCategoryMergeConflict marks ambiguous duplicate groupings that
	// require manual review and are never auto-resolved.
	ErrCategoryMergeConflict ErrorCategory = "MERGE_CONFLICT"

	// ErrCategoryStoreCorruption is fatal: the case store cannot be trusted
	// and no partial recovery is attempted.
	ErrCategoryStoreCorruption ErrorCategory = "STORE_CORRUPTION"

	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Data quality codes
	CodeCorruptedExport = "CORRUPTED_EXPORT"
	CodeUniformField    = "UNIFORM_FIELD"
	CodeCoverageGap     = "COVERAGE_GAP"
	CodeMalformedRecord = "MALFORMED_RECORD"

	// Validation codes
	CodeMissingAuditTrail = "MISSING_AUDIT_TRAIL"
	CodeInvalidArgument   = "INVALID_ARGUMENT"

	// Merge conflict codes
	CodeAmbiguousGroup = "AMBIGUOUS_GROUP"
	CodeGroupNotFound  = "GROUP_NOT_FOUND"

	// Store corruption codes
	CodeSchemaMismatch  = "SCHEMA_MISMATCH"
	CodeMissingTable    = "MISSING_TABLE"
	CodeIntegrityFailed = "INTEGRITY_FAILED"
	CodeLockHeld        = "LOCK_HELD"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// EngineError is the structured error type used throughout the engine.
type EngineError struct {
	Category    ErrorCategory
	Code        string
	Message     string
	Remediation string
	Details     map[string]interface{}
	Cause       error
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EngineError.
func New(category ErrorCategory, code, message string) *EngineError {
	return &EngineError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new EngineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EngineError {
	return &EngineError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithRemediation returns a copy of the error carrying a remediation hint.
func (e *EngineError) WithRemediation(hint string) *EngineError {
	cp := *e
	cp.Remediation = hint
	return &cp
}

// WithDetails returns a copy of the error with additional details.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsFatal reports whether the error chain contains a store-corruption error,
// which aborts processing with no partial recovery.
func IsFatal(err error) bool {
	return GetCategory(err) == ErrCategoryStoreCorruption
}

// IsRecoverable reports whether the error is a data-quality warning that the
// run can absorb while still producing a materially useful result.
func IsRecoverable(err error) bool {
	return GetCategory(err) == ErrCategoryDataQuality
}

// Convenience constructors for common errors.

func NewDataQualityWarning(code, message, remediation string) *EngineError {
	return New(ErrCategoryDataQuality, code, message).WithRemediation(remediation)
}

func NewValidationError(code, message, remediation string) *EngineError {
	return New(ErrCategoryValidation, code, message).WithRemediation(remediation)
}

func NewMergeConflict(message string, details map[string]interface{}) *EngineError {
	return New(ErrCategoryMergeConflict, CodeAmbiguousGroup, message).
		WithRemediation("review the conflicting records manually; merge is never auto-resolved").
		WithDetails(details)
}

func NewStoreCorruption(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryStoreCorruption, code, message, cause)
}

func NewInternalError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
