package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"krakenconn/pkg/core"
)

const tokenPath = "/0/private/GetWebSocketsToken"

// Token is one websocket authentication token snapshot. Renewal
// produces a new value; holders of an old snapshot simply re-read.
type Token struct {
	Value    string
	IssuedAt time.Time
	TTL      time.Duration
}

// remainingFraction returns the unexpired share of the token's
// lifetime, in [0, 1].
func (t Token) remainingFraction(now time.Time) float64 {
	if t.Value == "" || t.TTL <= 0 {
		return 0
	}
	remaining := t.TTL - now.Sub(t.IssuedAt)
	if remaining <= 0 {
		return 0
	}
	return float64(remaining) / float64(t.TTL)
}

// restDoer is the slice of the REST transport the token manager needs.
type restDoer interface {
	Do(ctx context.Context, req *core.Request) (json.RawMessage, error)
}

// TokenManager fetches and renews private-websocket authentication
// tokens. Concurrent callers during a renewal share one in-flight
// request.
type TokenManager struct {
	rest   restDoer
	margin float64
	logger zerolog.Logger
	group  singleflight.Group
	now    func() time.Time

	mu      sync.RWMutex
	current Token
}

// NewTokenManager creates a token manager over the given transport.
// margin is the fraction of validity below which the token is renewed
// ahead of use; values outside (0, 1) fall back to 0.2.
func NewTokenManager(rest restDoer, margin float64) *TokenManager {
	if margin <= 0 || margin >= 1 {
		margin = 0.2
	}
	return &TokenManager{
		rest:   rest,
		margin: margin,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
}

// SetLogger configures the logger for the token manager.
func (m *TokenManager) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// Get returns a valid token, fetching or renewing as needed. A cached
// token is reused while more than the safety margin of its validity
// remains.
func (m *TokenManager) Get(ctx context.Context) (Token, error) {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current.remainingFraction(m.now()) > m.margin {
		return current, nil
	}

	result, err, _ := m.group.Do("token", func() (any, error) {
		// Re-check under single-flight: a concurrent caller may have
		// renewed while this one was queued.
		m.mu.RLock()
		cached := m.current
		m.mu.RUnlock()
		if cached.remainingFraction(m.now()) > m.margin {
			return cached, nil
		}
		return m.fetch(ctx)
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

// Invalidate discards the cached token so the next Get fetches a fresh
// one. Called after a private-channel authentication failure.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.current = Token{}
	m.mu.Unlock()
	m.logger.Debug().Msg("websocket token invalidated")
}

func (m *TokenManager) fetch(ctx context.Context) (Token, error) {
	req := core.NewRequest(http.MethodPost, tokenPath).
		SetAuth(true).
		SetIdempotent(true)

	raw, err := m.rest.Do(ctx, req)
	if err != nil {
		return Token{}, err
	}

	var payload struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return Token{}, core.NewError(core.ErrorTypeProtocol, "decode token response: "+err.Error())
	}
	if payload.Token == "" {
		return Token{}, core.NewError(core.ErrorTypeProtocol, "token response missing token")
	}

	token := Token{
		Value:    payload.Token,
		IssuedAt: m.now(),
		TTL:      time.Duration(payload.Expires) * time.Second,
	}

	m.mu.Lock()
	m.current = token
	m.mu.Unlock()

	m.logger.Info().
		Dur("ttl", token.TTL).
		Msg("websocket token renewed")
	return token, nil
}
