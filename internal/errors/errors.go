// Package errors provides structured error types for the replication engine.
// All errors include a category, code, message, and retryable flag so the
// orchestrator can decide whether a failure is fatal to the run or only to
// one dataset.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryCatalog     ErrorCategory = "CATALOG"
	ErrCategoryMaterialize ErrorCategory = "MATERIALIZE"
	ErrCategoryProject     ErrorCategory = "PROJECT"
	ErrCategoryCommit      ErrorCategory = "COMMIT"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Catalog codes
	CodeCatalogUnavailable = "CATALOG_UNAVAILABLE"
	CodeIndexCorrupt       = "INDEX_CORRUPT"

	// Materialize codes
	CodeMaterializationFailed = "MATERIALIZATION_FAILED"
	CodeUnsupportedType       = "UNSUPPORTED_TYPE"
	CodeSchemaMismatch        = "SCHEMA_MISMATCH"

	// Project codes
	CodeProjectionFailed = "PROJECTION_FAILED"

	// Commit codes
	CodeCommitConflict = "COMMIT_CONFLICT"
	CodeCommitFailed   = "COMMIT_FAILED"

	// Storage codes
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Validation codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels matching any error with the same category and code via errors.Is.
var (
	ErrCatalogUnavailable    = New(ErrCategoryCatalog, CodeCatalogUnavailable, "catalog unavailable")
	ErrMaterializationFailed = New(ErrCategoryMaterialize, CodeMaterializationFailed, "materialization failed")
	ErrProjectionFailed      = New(ErrCategoryProject, CodeProjectionFailed, "projection failed")
	ErrCommitConflict        = New(ErrCategoryCommit, CodeCommitConflict, "commit conflict")
)

// SyncError is the structured error type used throughout the system.
type SyncError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SyncError) Is(target error) bool {
	var t *SyncError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SyncError.
func New(category ErrorCategory, code, message string) *SyncError {
	return &SyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Wrap creates a new SyncError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SyncError {
	return &SyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SyncError) WithDetails(details map[string]interface{}) *SyncError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SyncError.
func GetCategory(err error) ErrorCategory {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SyncError.
func GetCode(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func isRetryable(code string) bool {
	switch code {
	case CodeDownloadFailed, CodeCommitConflict, CodeCatalogUnavailable:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewCatalogUnavailable(message string, cause error) *SyncError {
	return Wrap(ErrCategoryCatalog, CodeCatalogUnavailable, message, cause)
}

func NewIndexCorrupt(message string, cause error) *SyncError {
	return Wrap(ErrCategoryCatalog, CodeIndexCorrupt, message, cause)
}

// NewMaterializationFailed records which table failed in Details["table_path"].
func NewMaterializationFailed(tablePath string, cause error) *SyncError {
	return Wrap(ErrCategoryMaterialize, CodeMaterializationFailed, "materialize "+tablePath, cause).
		WithDetails(map[string]interface{}{"table_path": tablePath})
}

func NewMaterializeError(code, message string) *SyncError {
	return New(ErrCategoryMaterialize, code, message)
}

func NewProjectionFailed(datasetPath string, cause error) *SyncError {
	return Wrap(ErrCategoryProject, CodeProjectionFailed, "project "+datasetPath, cause).
		WithDetails(map[string]interface{}{"dataset_path": datasetPath})
}

func NewCommitError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryCommit, code, message, cause)
}

func NewStorageError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewValidationError(code, message string) *SyncError {
	return New(ErrCategoryValidation, code, message)
}

func NewInternalError(message string, cause error) *SyncError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
