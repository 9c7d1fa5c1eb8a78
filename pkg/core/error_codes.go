package core

import "strings"

// Kraken reports failures as error strings of the form
// "<severity><category>:<message>", e.g. "EAPI:Invalid nonce".
// Severity "E" is an error, "W" a warning that still carries a result.

// Error code constants for responses the transport layer reacts to.
const (
	CodeInvalidKey        = "EAPI:Invalid key"
	CodeInvalidSignature  = "EAPI:Invalid signature"
	CodeInvalidNonce      = "EAPI:Invalid nonce"
	CodePermissionDenied  = "EGeneral:Permission denied"
	CodeRateLimitExceeded = "EAPI:Rate limit exceeded"
	CodeOrderRateLimit    = "EOrder:Rate limit exceeded"
	CodeServiceUnavail    = "EService:Unavailable"
	CodeServiceBusy       = "EService:Busy"
	CodeInvalidArguments  = "EGeneral:Invalid arguments"
)

// Futures endpoints use bare camel-case codes instead of the
// severity-prefixed spot scheme.
const (
	CodeFuturesRateLimit   = "apiLimitExceeded"
	CodeFuturesAuthFailed  = "authenticationError"
	CodeFuturesBadNonce    = "nonceBelowThreshold"
	CodeFuturesDupNonce    = "nonceDuplicate"
	CodeFuturesUnavailable = "marketUnavailable"
)

// ClassifyCode maps a Kraken error string to an ErrorType.
func ClassifyCode(code string) ErrorType {
	switch code {
	case CodeInvalidKey, CodeInvalidSignature, CodeInvalidNonce, CodePermissionDenied:
		return ErrorTypeAuthentication
	case CodeRateLimitExceeded, CodeOrderRateLimit:
		return ErrorTypeRateLimited
	case CodeServiceUnavail, CodeServiceBusy:
		return ErrorTypeServerError
	case CodeInvalidArguments:
		return ErrorTypeBadRequest
	case CodeFuturesRateLimit:
		return ErrorTypeRateLimited
	case CodeFuturesAuthFailed, CodeFuturesBadNonce, CodeFuturesDupNonce:
		return ErrorTypeAuthentication
	case CodeFuturesUnavailable:
		return ErrorTypeServerError
	}

	switch {
	case strings.HasPrefix(code, "EAPI:"), strings.HasPrefix(code, "EAuth:"):
		return ErrorTypeAuthentication
	case strings.HasPrefix(code, "EService:"):
		return ErrorTypeServerError
	case strings.HasPrefix(code, "EQuery:"), strings.HasPrefix(code, "EGeneral:"):
		return ErrorTypeBadRequest
	case strings.HasPrefix(code, "W"):
		return ErrorTypeUnknown
	}
	return ErrorTypeUnknown
}

// FromCodes builds an Error from the error array of a Kraken response envelope.
// The first error entry decides the type; the full list becomes the message.
func FromCodes(codes []string) *Error {
	if len(codes) == 0 {
		return nil
	}
	return NewError(ClassifyCode(codes[0]), strings.Join(codes, "; ")).WithCode(codes[0])
}
