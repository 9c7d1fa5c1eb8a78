package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of a connectivity error.
type ErrorType int

// Error type constants categorize errors for proper handling and retry logic.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeTransport indicates a network-level failure (reset, refused, DNS).
	ErrorTypeTransport
	// ErrorTypeTimeout indicates the request exceeded its deadline.
	ErrorTypeTimeout
	// ErrorTypeRateLimited indicates a local or exchange-side rate limit was hit.
	ErrorTypeRateLimited
	// ErrorTypeAuthentication indicates invalid credentials, signature, or nonce.
	ErrorTypeAuthentication
	// ErrorTypeSigning indicates the request signer could not be constructed or used.
	ErrorTypeSigning
	// ErrorTypeProtocol indicates a malformed or unexpected frame or envelope.
	ErrorTypeProtocol
	// ErrorTypeConnectionLost indicates the websocket connection dropped.
	ErrorTypeConnectionLost
	// ErrorTypeBadRequest indicates invalid request parameters.
	ErrorTypeBadRequest
	// ErrorTypeServerError indicates an exchange-side failure.
	ErrorTypeServerError
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	return [...]string{
		"UNKNOWN",
		"TRANSPORT",
		"TIMEOUT",
		"RATE_LIMITED",
		"AUTHENTICATION",
		"SIGNING",
		"PROTOCOL",
		"CONNECTION_LOST",
		"BAD_REQUEST",
		"SERVER_ERROR",
	}[t]
}

// Sentinel errors for common error conditions.
var (
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrSessionClosed is returned when a websocket session has been permanently closed.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNotConnected is returned when the websocket is not connected.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrNoCredentials is returned when an authenticated call is made without credentials.
	ErrNoCredentials = errors.New("no credentials configured")
)

// Error represents a structured error from the connectivity layer or the exchange.
type Error struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// StatusCode is the HTTP status code, when the error came from a REST response.
	StatusCode int `json:"status_code,omitempty"`
	// Code is the Kraken error string, e.g. "EAPI:Invalid nonce".
	Code string `json:"code,omitempty"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// RetryAfter is the recommended wait before retrying, for rate-limit errors.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kraken: %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("kraken: %s: %s", e.Type, e.Message)
}

// NewError creates a new Error with the specified type and message.
// The timestamp is automatically set to the current time.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:      errorType,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithStatus returns the error with the HTTP status code set.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// WithCode returns the error with the exchange error code set.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithRetryAfter returns the error with a recommended retry delay set.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

func typeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return ErrorTypeUnknown, false
}

// IsTransportError returns true if the error is a network-level failure.
// Transport errors are retryable for idempotent requests.
func IsTransportError(err error) bool {
	t, ok := typeOf(err)
	return ok && (t == ErrorTypeTransport || t == ErrorTypeTimeout)
}

// IsRateLimited returns true if the error is a rate limit rejection.
func IsRateLimited(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeRateLimited
}

// IsAuthenticationError returns true if the error is an authentication failure.
// Authentication errors are never retried.
func IsAuthenticationError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeAuthentication
}

// IsProtocolError returns true if the error came from an unparseable frame.
func IsProtocolError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeProtocol
}

// IsConnectionLost returns true if the error reports a dropped connection.
func IsConnectionLost(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeConnectionLost
}

// RetryAfter extracts the recommended retry delay from a rate-limit error.
// Returns zero if the error carries no recommendation.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
