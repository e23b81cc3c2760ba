package errors

import (
	"fmt"
)

// SpecMemError is the structured error type for SpecMem.
// It provides rich context for error handling, logging, and tool responses.
type SpecMemError struct {
	// Code is the unique error code (e.g., "ERR_404_WORKER_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Broker, Storage, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *SpecMemError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SpecMemError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with SpecMemError.
func (e *SpecMemError) Is(target error) bool {
	if t, ok := target.(*SpecMemError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SpecMemError) WithDetail(key, value string) *SpecMemError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *SpecMemError) WithSuggestion(suggestion string) *SpecMemError {
	e.Suggestion = suggestion
	return e
}

// New creates a new SpecMemError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SpecMemError {
	return &SpecMemError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new SpecMemError with a formatted message.
func Newf(code string, format string, args ...any) *SpecMemError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a SpecMemError from an existing error.
// The error's message becomes the SpecMemError message.
func Wrap(code string, err error) *SpecMemError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error (or any error in its chain) is a
// SpecMemError with the Retryable flag set.
func IsRetryable(err error) bool {
	se := AsSpecMemError(err)
	return se != nil && se.Retryable
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	se := AsSpecMemError(err)
	return se != nil && se.Severity == SeverityFatal
}

// GetCode extracts the error code from an error chain.
// Returns empty string if no SpecMemError is present.
func GetCode(err error) string {
	if se := AsSpecMemError(err); se != nil {
		return se.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// AsSpecMemError walks the error chain and returns the first SpecMemError.
func AsSpecMemError(err error) *SpecMemError {
	for err != nil {
		if se, ok := err.(*SpecMemError); ok {
			return se
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
