// Package errors provides structured error handling for jurisscope.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Store and file IO errors
//   - 3XX: Source and collaborator (network) errors
//   - 4XX: Request validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates store and file errors.
	CategoryIO Category = "IO"
	// CategorySource indicates a retrieval source or remote collaborator failed.
	CategorySource Category = "SOURCE"
	// CategoryValidation indicates a rejected request.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid  = "ERR_101_CONFIG_INVALID"
	ErrCodeConfigNotFound = "ERR_102_CONFIG_NOT_FOUND"

	// Store errors (200-299)
	ErrCodeStoreOpen    = "ERR_201_STORE_OPEN"
	ErrCodeStoreLocked  = "ERR_202_STORE_LOCKED"
	ErrCodeStoreCorrupt = "ERR_203_STORE_CORRUPT"
	ErrCodeFileNotFound = "ERR_204_FILE_NOT_FOUND"

	// Source errors (300-399)
	ErrCodeSourceUnavailable     = "ERR_301_SOURCE_UNAVAILABLE"
	ErrCodeRankFusionUnavailable = "ERR_302_RANK_FUSION_UNAVAILABLE"
	ErrCodeEmbeddingUnavailable  = "ERR_303_EMBEDDING_UNAVAILABLE"
	ErrCodeRerankerUnavailable   = "ERR_304_RERANKER_UNAVAILABLE"
	ErrCodeTimeout               = "ERR_305_TIMEOUT"
	ErrCodeGeneratorUnavailable  = "ERR_306_GENERATOR_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidScope      = "ERR_401_INVALID_SCOPE"
	ErrCodeInvalidQuery      = "ERR_402_INVALID_QUERY"
	ErrCodeDimensionMismatch = "ERR_403_DIMENSION_MISMATCH"
	ErrCodeCandidatesBelowK  = "ERR_404_CANDIDATES_BELOW_K"

	// Internal errors (500-599)
	ErrCodeInternal    = "ERR_501_INTERNAL"
	ErrCodeIndexFailed = "ERR_502_INDEX_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategorySource
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreCorrupt, ErrCodeStoreLocked:
		return SeverityFatal
	case ErrCodeRankFusionUnavailable, ErrCodeRerankerUnavailable, ErrCodeGeneratorUnavailable:
		// Recovered locally: fusion fallback, rerank fallback, extractive answer.
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports whether the caller may retry after this code.
// The pipeline never retries on its own; this is advice for the transport.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeSourceUnavailable, ErrCodeEmbeddingUnavailable, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
