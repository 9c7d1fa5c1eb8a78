package core

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// Credentials holds the API key pair used for signed requests.
// The secret stays base64-encoded here; the signer decodes it once
// at construction and fails fast if it is malformed.
type Credentials struct {
	// APIKey is the public API key identifier.
	APIKey string `json:"api_key"`
	// APISecret is the base64-encoded private key used for signing.
	APISecret string `json:"api_secret"`
}

// RateLimit defines one token bucket: Requests admissions per Period.
type RateLimit struct {
	Requests int           `json:"requests" validate:"min=1"`
	Period   time.Duration `json:"period" validate:"min=1ms"`
}

// Config contains all configuration for a connectivity client.
// Endpoint URLs, rate-limit tiers, and reconnect bounds are
// configuration rather than constants; the defaults match the
// public Kraken endpoints and the starter verification tier.
type Config struct {
	MarketType  MarketType   `json:"market_type"`
	Credentials *Credentials `json:"credentials,omitempty"`

	// BaseURL is the REST endpoint, including nothing beyond the host.
	BaseURL string `json:"base_url" validate:"required,url"`
	// WSPublicURL is the websocket endpoint for public feeds.
	WSPublicURL string `json:"ws_public_url" validate:"required"`
	// WSPrivateURL is the websocket endpoint for token-authenticated feeds.
	WSPrivateURL string `json:"ws_private_url" validate:"required"`

	// Timeout is the maximum duration for one HTTP request attempt.
	Timeout      time.Duration `json:"timeout" validate:"min=1ms"`
	MaxRetries   int           `json:"max_retries" validate:"min=0"`
	RetryWaitMin time.Duration `json:"retry_wait_min" validate:"min=0"`
	RetryWaitMax time.Duration `json:"retry_wait_max" validate:"min=0"`

	// RateLimits maps endpoint categories to their budgets.
	RateLimits map[string]RateLimit `json:"rate_limits" validate:"required,min=1"`
	// RateLimitBlocking selects blocking acquire (wait for a token)
	// instead of failing fast with a retry-after recommendation.
	RateLimitBlocking bool `json:"rate_limit_blocking"`

	// HeartbeatTimeout closes the connection when no frame arrives in time.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" validate:"min=1ms"`
	PingInterval     time.Duration `json:"ping_interval" validate:"min=1ms"`

	ReconnectBaseWait    time.Duration `json:"reconnect_base_wait" validate:"min=1ms"`
	ReconnectMaxWait     time.Duration `json:"reconnect_max_wait" validate:"min=1ms"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" validate:"min=0"`
	// StableResetAfter resets the backoff ladder once a connection
	// has survived this long.
	StableResetAfter time.Duration `json:"stable_reset_after" validate:"min=0"`

	// TokenRefreshMargin renews the websocket token once less than
	// this fraction of its validity remains.
	TokenRefreshMargin float64 `json:"token_refresh_margin" validate:"gt=0,lt=1"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `json:"circuit_breaker_timeout"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config targeting the given market with
// public Kraken endpoints and conservative starter-tier budgets.
func DefaultConfig(market MarketType) *Config {
	cfg := &Config{
		MarketType: market,

		BaseURL:      "https://api.kraken.com",
		WSPublicURL:  "wss://ws.kraken.com",
		WSPrivateURL: "wss://ws-auth.kraken.com",

		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,

		RateLimits: map[string]RateLimit{
			CategoryData:      {Requests: 15, Period: 45 * time.Second},
			CategoryTrading:   {Requests: 60, Period: time.Minute},
			CategorySubscribe: {Requests: 100, Period: time.Second},
		},
		RateLimitBlocking: true,

		HeartbeatTimeout: 15 * time.Second,
		PingInterval:     10 * time.Second,

		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		MaxReconnectAttempts: 10,
		StableResetAfter:     30 * time.Second,

		TokenRefreshMargin: 0.2,

		CircuitBreakerEnabled:          true,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 2,
		CircuitBreakerTimeout:          30 * time.Second,

		LogLevel: "info",
	}

	if market == MarketTypeFutures {
		cfg.BaseURL = "https://futures.kraken.com"
		cfg.WSPublicURL = "wss://futures.kraken.com/ws/v1"
		cfg.WSPrivateURL = "wss://futures.kraken.com/ws/v1"
	}

	return cfg
}

var validate = validator.New()

// Validate checks the configuration for completeness and consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.ReconnectMaxWait < c.ReconnectBaseWait {
		return errors.New("ReconnectMaxWait must not be below ReconnectBaseWait")
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		return errors.New("RetryWaitMax must not be below RetryWaitMin")
	}
	if c.CircuitBreakerEnabled {
		if c.CircuitBreakerFailThreshold <= 0 {
			return errors.New("CircuitBreakerFailThreshold must be positive when enabled")
		}
		if c.CircuitBreakerSuccessThreshold <= 0 {
			return errors.New("CircuitBreakerSuccessThreshold must be positive when enabled")
		}
		if c.CircuitBreakerTimeout <= 0 {
			return errors.New("CircuitBreakerTimeout must be positive when enabled")
		}
	}
	return nil
}

// WithCredentials sets the API credentials and returns the config for chaining.
func (c *Config) WithCredentials(creds *Credentials) *Config {
	c.Credentials = creds
	return c
}

// WithTimeout sets the request timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithRateLimit overrides one category budget and returns the config for chaining.
func (c *Config) WithRateLimit(category string, requests int, period time.Duration) *Config {
	if c.RateLimits == nil {
		c.RateLimits = make(map[string]RateLimit)
	}
	c.RateLimits[category] = RateLimit{Requests: requests, Period: period}
	return c
}

// WithReconnect sets the backoff bounds and attempt cap and returns the config for chaining.
func (c *Config) WithReconnect(base, max time.Duration, maxAttempts int) *Config {
	c.ReconnectBaseWait = base
	c.ReconnectMaxWait = max
	c.MaxReconnectAttempts = maxAttempts
	return c
}

// HasCredentials reports whether a usable key pair is configured.
func (c *Config) HasCredentials() bool {
	return c.Credentials != nil && c.Credentials.APIKey != "" && c.Credentials.APISecret != ""
}
