package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "TRANSPORT", ErrorTypeTransport.String())
	assert.Equal(t, "RATE_LIMITED", ErrorTypeRateLimited.String())
	assert.Equal(t, "AUTHENTICATION", ErrorTypeAuthentication.String())
	assert.Equal(t, "CONNECTION_LOST", ErrorTypeConnectionLost.String())
}

func TestError_Message(t *testing.T) {
	err := NewError(ErrorTypeAuthentication, "bad key")
	assert.Equal(t, "kraken: AUTHENTICATION: bad key", err.Error())

	err = err.WithCode(CodeInvalidKey)
	assert.Equal(t, "kraken: AUTHENTICATION (EAPI:Invalid key): bad key", err.Error())
	assert.False(t, err.Timestamp.IsZero())
}

func TestError_Builders(t *testing.T) {
	err := NewError(ErrorTypeRateLimited, "slow down").
		WithStatus(429).
		WithRetryAfter(3 * time.Second)

	assert.Equal(t, 429, err.StatusCode)
	assert.Equal(t, 3*time.Second, err.RetryAfter)
	assert.Equal(t, 3*time.Second, RetryAfter(err))
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsTransportError(NewError(ErrorTypeTransport, "reset")))
	assert.True(t, IsTransportError(NewError(ErrorTypeTimeout, "deadline")))
	assert.False(t, IsTransportError(NewError(ErrorTypeAuthentication, "nope")))

	assert.True(t, IsRateLimited(NewError(ErrorTypeRateLimited, "limit")))
	assert.True(t, IsAuthenticationError(NewError(ErrorTypeAuthentication, "key")))
	assert.True(t, IsProtocolError(NewError(ErrorTypeProtocol, "frame")))
	assert.True(t, IsConnectionLost(NewError(ErrorTypeConnectionLost, "drop")))

	assert.False(t, IsRateLimited(errors.New("plain")))
	assert.False(t, IsRateLimited(nil))
}

func TestIsHelpers_Wrapped(t *testing.T) {
	inner := NewError(ErrorTypeRateLimited, "limit").WithRetryAfter(time.Second)
	wrapped := fmt.Errorf("call failed: %w", inner)

	assert.True(t, IsRateLimited(wrapped))
	assert.Equal(t, time.Second, RetryAfter(wrapped))
}

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		code string
		want ErrorType
	}{
		{CodeInvalidKey, ErrorTypeAuthentication},
		{CodeInvalidSignature, ErrorTypeAuthentication},
		{CodeInvalidNonce, ErrorTypeAuthentication},
		{CodePermissionDenied, ErrorTypeAuthentication},
		{CodeRateLimitExceeded, ErrorTypeRateLimited},
		{CodeOrderRateLimit, ErrorTypeRateLimited},
		{CodeServiceUnavail, ErrorTypeServerError},
		{CodeServiceBusy, ErrorTypeServerError},
		{CodeInvalidArguments, ErrorTypeBadRequest},
		{"EAPI:Feature disabled", ErrorTypeAuthentication},
		{"EAuth:Account temporary disabled", ErrorTypeAuthentication},
		{"EService:Market in cancel_only mode", ErrorTypeServerError},
		{"EQuery:Unknown asset pair", ErrorTypeBadRequest},
		{"EGeneral:Internal error", ErrorTypeBadRequest},
		{CodeFuturesRateLimit, ErrorTypeRateLimited},
		{CodeFuturesAuthFailed, ErrorTypeAuthentication},
		{CodeFuturesBadNonce, ErrorTypeAuthentication},
		{CodeFuturesDupNonce, ErrorTypeAuthentication},
		{CodeFuturesUnavailable, ErrorTypeServerError},
		{"WDatabase:No change", ErrorTypeUnknown},
		{"garbage", ErrorTypeUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyCode(tt.code), "code %s", tt.code)
	}
}

func TestFromCodes(t *testing.T) {
	assert.Nil(t, FromCodes(nil))
	assert.Nil(t, FromCodes([]string{}))

	err := FromCodes([]string{CodeInvalidNonce, "EGeneral:Temporary lockout"})
	require.NotNil(t, err)
	assert.Equal(t, ErrorTypeAuthentication, err.Type)
	assert.Equal(t, CodeInvalidNonce, err.Code)
	assert.Contains(t, err.Message, "Temporary lockout")
}
