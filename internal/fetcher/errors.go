package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is the category of a failed provider call.
type ErrorType string

const (
	// ErrorTypeNetwork covers connection refused, DNS and reset failures.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeRateLimit is an HTTP 429 from the provider.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeServer is any HTTP 5xx.
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeClient is any other HTTP 4xx.
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeValidation means the response arrived but its content is unusable.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout is a client deadline or an HTTP 408.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeUnknown is everything else.
	ErrorTypeUnknown ErrorType = "unknown"
)

var retryableTypes = map[ErrorType]bool{
	ErrorTypeNetwork:   true,
	ErrorTypeRateLimit: true,
	ErrorTypeServer:    true,
	ErrorTypeTimeout:   true,
}

// FetchError is a classified provider failure.
type FetchError struct {
	Type       ErrorType
	Retryable  bool
	StatusCode int
	// Path is the provider endpoint, when the failure came from an HTTP call.
	Path    string
	Message string
	Cause   error
}

func newFetchError(kind ErrorType, status int, cause error, message string) *FetchError {
	return &FetchError{
		Type:       kind,
		Retryable:  retryableTypes[kind],
		StatusCode: status,
		Message:    message,
		Cause:      cause,
	}
}

// Error formats as "<type> error (status N) on <path>: <message>", omitting
// the status and path when unknown.
func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(" error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Path != "" {
		b.WriteString(" on ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// ErrorType returns the category as reported in removed-symbol records.
func (e *FetchError) ErrorType() string {
	return string(e.Type)
}

// At records the endpoint that failed and returns e.
func (e *FetchError) At(path string) *FetchError {
	e.Path = path
	return e
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(cause error) *FetchError {
	return newFetchError(ErrorTypeNetwork, 0, cause, "network request failed")
}

// NewServerError reports an HTTP 5xx.
func NewServerError(statusCode int) *FetchError {
	return newFetchError(ErrorTypeServer, statusCode, nil, "server returned an error")
}

// NewClientError reports an HTTP 4xx other than 408 and 429.
func NewClientError(statusCode int, message string) *FetchError {
	return newFetchError(ErrorTypeClient, statusCode, nil, message)
}

// NewValidationError reports unusable response content, such as an empty
// history or a symbol missing from the listing.
func NewValidationError(format string, args ...any) *FetchError {
	return newFetchError(ErrorTypeValidation, 0, nil, fmt.Sprintf(format, args...))
}

// NewTimeoutError wraps a deadline failure.
func NewTimeoutError(cause error) *FetchError {
	return newFetchError(ErrorTypeTimeout, 0, cause, "request timed out")
}

// ClassifyHTTPError maps a non-success status code to a FetchError.
func ClassifyHTTPError(statusCode int) *FetchError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return newFetchError(ErrorTypeRateLimit, statusCode, nil, "rate limit exceeded")
	case statusCode == http.StatusRequestTimeout:
		return newFetchError(ErrorTypeTimeout, statusCode, nil, "provider timed out the request")
	case statusCode >= 500:
		return NewServerError(statusCode)
	case statusCode >= 400:
		return NewClientError(statusCode, fmt.Sprintf("client error: HTTP %d", statusCode))
	default:
		return newFetchError(ErrorTypeUnknown, statusCode, nil, fmt.Sprintf("unexpected status code: %d", statusCode))
	}
}

// IsRetryable reports whether err carries a FetchError worth another attempt.
// Errors outside the taxonomy are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}
