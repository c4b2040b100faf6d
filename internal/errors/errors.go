package errors

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks across package boundaries.
var (
	// ErrInvalidScope is returned when a request carries no project scope.
	ErrInvalidScope = &JurisError{Code: ErrCodeInvalidScope}

	// ErrSourceUnavailable is returned when every retrieval source failed.
	ErrSourceUnavailable = &JurisError{Code: ErrCodeSourceUnavailable}

	// ErrRankFusionUnavailable is the capability signal a store returns when
	// reciprocal rank fusion cannot be used for the current request.
	ErrRankFusionUnavailable = &JurisError{Code: ErrCodeRankFusionUnavailable}

	// ErrDimensionMismatch matches any embedding dimension error.
	ErrDimensionMismatch = &JurisError{Code: ErrCodeDimensionMismatch}

	// ErrCandidatesBelowK matches num_candidates < k configuration errors.
	ErrCandidatesBelowK = &JurisError{Code: ErrCodeCandidatesBelowK}
)

// JurisError is the structured error type for jurisscope.
// It carries enough context for logging, CLI presentation, and the
// retry decision made by callers.
type JurisError struct {
	// Code is the unique error code (e.g., "ERR_401_INVALID_SCOPE").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the caller may retry the operation.
	Retryable bool

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *JurisError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *JurisError) Unwrap() error {
	return e.Cause
}

// Is matches by code so sentinels work with errors.Is.
func (e *JurisError) Is(target error) bool {
	if t, ok := target.(*JurisError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *JurisError) WithDetail(key, value string) *JurisError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *JurisError) WithSuggestion(suggestion string) *JurisError {
	e.Suggestion = suggestion
	return e
}

// New creates a new JurisError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *JurisError {
	return &JurisError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a JurisError from an existing error.
func Wrap(code string, err error) *JurisError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *JurisError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StoreError creates a store open/IO error.
func StoreError(message string, cause error) *JurisError {
	return New(ErrCodeStoreOpen, message, cause)
}

// InvalidScope rejects a request without a usable project scope.
func InvalidScope(projectID string) *JurisError {
	e := New(ErrCodeInvalidScope, "project_id is required", nil)
	if projectID != "" {
		e.Message = fmt.Sprintf("invalid project_id %q", projectID)
	}
	return e.WithSuggestion("pass the project the documents were indexed under")
}

// ValidationError creates a request validation error.
func ValidationError(message string, cause error) *JurisError {
	return New(ErrCodeInvalidQuery, message, cause)
}

// DimensionMismatch reports an embedding of the wrong length.
func DimensionMismatch(expected, got int) *JurisError {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", expected, got), nil).
		WithDetail("expected", fmt.Sprint(expected)).
		WithDetail("got", fmt.Sprint(got))
}

// CandidatesBelowK reports num_candidates smaller than k.
func CandidatesBelowK(numCandidates, k int) *JurisError {
	return New(ErrCodeCandidatesBelowK,
		fmt.Sprintf("num_candidates (%d) must be at least k (%d)", numCandidates, k), nil).
		WithSuggestion("raise search.candidate_multiplier")
}

// SourceUnavailable reports that every retrieval source failed.
// The individual source errors are joined into the cause.
func SourceUnavailable(causes ...error) *JurisError {
	return New(ErrCodeSourceUnavailable, "all retrieval sources failed", errors.Join(causes...))
}

// RankFusionUnavailable wraps the store's reason for refusing rank fusion.
func RankFusionUnavailable(cause error) *JurisError {
	return New(ErrCodeRankFusionUnavailable, "rank fusion unavailable", cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *JurisError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var je *JurisError
	if errors.As(err, &je) {
		return je.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var je *JurisError
	if errors.As(err, &je) {
		return je.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" if err is not a JurisError.
func GetCode(err error) string {
	var je *JurisError
	if errors.As(err, &je) {
		return je.Code
	}
	return ""
}
