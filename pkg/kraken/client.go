// Package kraken is the top-level client facade. It wires the signer,
// rate limiter, circuit breaker, REST transport, token manager, and
// websocket sessions for one market and tears them all down on Close.
package kraken

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"krakenconn/internal/auth"
	"krakenconn/internal/circuitbreaker"
	"krakenconn/internal/ratelimit"
	"krakenconn/pkg/core"
	"krakenconn/pkg/rest"
	"krakenconn/pkg/ws"
)

// Client is one market's connectivity surface: signed REST calls plus
// public and private websocket sessions. Construct one per market type;
// spot and futures clients run independently.
type Client struct {
	cfg     *core.Config
	logger  zerolog.Logger
	rest    *rest.Client
	limiter *ratelimit.Limiter
	signer  *auth.Signer
	tokens  *ws.TokenManager

	mu       sync.Mutex
	public   *ws.Session
	private  *ws.Session
	closed   bool
	sessions []*ws.Session
}

// New creates a client from the configuration. Credentials are
// optional; without them only public endpoints and feeds are usable.
func New(cfg *core.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var signer *auth.Signer
	if cfg.HasCredentials() {
		s, err := auth.NewSigner(cfg.Credentials)
		if err != nil {
			return nil, err
		}
		signer = s
	}

	var breaker *circuitbreaker.Breaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailThreshold:    cfg.CircuitBreakerFailThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}

	limiter := ratelimit.New(cfg.RateLimits)
	restClient := rest.NewClient(cfg, signer, limiter, breaker)

	c := &Client{
		cfg:     cfg,
		logger:  newLogger(cfg.LogLevel),
		rest:    restClient,
		limiter: limiter,
		signer:  signer,
	}
	// Spot private feeds authenticate with a websocket token; futures
	// feeds sign a per-connection challenge instead.
	if signer != nil && cfg.MarketType == core.MarketTypeSpot {
		c.tokens = ws.NewTokenManager(restClient, cfg.TokenRefreshMargin)
	}

	c.rest.SetLogger(c.logger.With().Str("component", "rest").Logger())
	if c.tokens != nil {
		c.tokens.SetLogger(c.logger.With().Str("component", "token").Logger())
	}
	return c, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// SetLogger replaces the client logger, propagating it to every
// component including already-created sessions.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
	c.rest.SetLogger(logger.With().Str("component", "rest").Logger())
	if c.tokens != nil {
		c.tokens.SetLogger(logger.With().Str("component", "token").Logger())
	}
	for _, s := range c.sessions {
		s.SetLogger(logger.With().Str("component", "session").Logger())
	}
}

// Do executes one REST request through the rate-limited, signed
// transport.
func (c *Client) Do(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	return c.rest.Do(ctx, req)
}

// PublicSession returns the session for public feeds, creating it on
// first use.
func (c *Client) PublicSession() (*ws.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClientClosed
	}
	if c.public == nil {
		c.public = c.newSession(c.cfg.WSPublicURL, nil, nil)
	}
	return c.public, nil
}

// PrivateSession returns the session for token-authenticated feeds,
// creating it on first use. Requires credentials.
func (c *Client) PrivateSession() (*ws.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClientClosed
	}
	if c.signer == nil {
		return nil, core.ErrNoCredentials
	}
	if c.private == nil {
		if c.cfg.MarketType == core.MarketTypeFutures {
			c.private = c.newSession(c.cfg.WSPrivateURL, nil, c.signer)
		} else {
			c.private = c.newSession(c.cfg.WSPrivateURL, c.tokens, nil)
		}
	}
	return c.private, nil
}

func (c *Client) newSession(url string, tokens *ws.TokenManager, challenge ws.ChallengeSigner) *ws.Session {
	s := ws.NewSession(ws.SessionConfig{
		URL:                  url,
		HeartbeatTimeout:     c.cfg.HeartbeatTimeout,
		PingInterval:         c.cfg.PingInterval,
		ReconnectBaseWait:    c.cfg.ReconnectBaseWait,
		ReconnectMaxWait:     c.cfg.ReconnectMaxWait,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		StableResetAfter:     c.cfg.StableResetAfter,
		SubscribeTimeout:     c.cfg.Timeout,
		Futures:              c.cfg.MarketType == core.MarketTypeFutures,
		Challenge:            challenge,
	}, tokens)
	s.SetLogger(c.logger.With().Str("component", "session").Str("url", url).Logger())
	c.sessions = append(c.sessions, s)
	return s
}

// Subscribe records and sends a subscription on the appropriate
// session for its visibility, connecting on demand.
func (c *Client) Subscribe(ctx context.Context, sub core.Subscription, h ws.Handler) error {
	session, err := c.sessionFor(sub)
	if err != nil {
		return err
	}
	return session.Subscribe(ctx, sub, h)
}

// Unsubscribe removes the subscription from the appropriate session.
func (c *Client) Unsubscribe(ctx context.Context, sub core.Subscription) error {
	session, err := c.sessionFor(sub)
	if err != nil {
		return err
	}
	return session.Unsubscribe(ctx, sub)
}

func (c *Client) sessionFor(sub core.Subscription) (*ws.Session, error) {
	if sub.Private {
		return c.PrivateSession()
	}
	return c.PublicSession()
}

// RateLimitSnapshot reports limiter admission counters.
func (c *Client) RateLimitSnapshot() ratelimit.MetricsSnapshot {
	return c.limiter.Snapshot()
}

// Close shuts down every session and the REST transport. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, s := range c.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.rest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
