package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// asJuris returns err as a JurisError, wrapping plain errors as internal.
func asJuris(err error) *JurisError {
	var je *JurisError
	if errors.As(err, &je) {
		return je
	}
	return Wrap(ErrCodeInternal, err)
}

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	je := asJuris(err)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", je.Message)
	if je.Cause != nil && je.Cause.Error() != je.Message {
		fmt.Fprintf(&sb, "  Cause: %s\n", je.Cause)
	}
	if je.Suggestion != "" {
		fmt.Fprintf(&sb, "  Hint: %s\n", je.Suggestion)
	}
	fmt.Fprintf(&sb, "  Code: %s\n", je.Code)
	return sb.String()
}

type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error for --format json.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}
	je := asJuris(err)

	out := jsonError{
		Code:       je.Code,
		Message:    je.Message,
		Category:   string(je.Category),
		Severity:   string(je.Severity),
		Details:    je.Details,
		Suggestion: je.Suggestion,
		Retryable:  je.Retryable,
	}
	if je.Cause != nil {
		out.Cause = je.Cause.Error()
	}
	return json.Marshal(out)
}

// LogAttrs returns slog attributes describing err.
func LogAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}

	var je *JurisError
	if !errors.As(err, &je) {
		return []slog.Attr{slog.String("error", err.Error())}
	}

	attrs := []slog.Attr{
		slog.String("error_code", je.Code),
		slog.String("error", je.Message),
		slog.String("category", string(je.Category)),
		slog.Bool("retryable", je.Retryable),
	}
	if je.Cause != nil {
		attrs = append(attrs, slog.String("cause", je.Cause.Error()))
	}
	for k, v := range je.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}
