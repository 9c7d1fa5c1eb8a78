// Package rest implements the signed HTTP transport for the Kraken API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"krakenconn/internal/auth"
	"krakenconn/internal/circuitbreaker"
	"krakenconn/internal/ratelimit"
	"krakenconn/pkg/core"
)

const userAgent = "krakenconn"

// Client issues signed HTTP calls against one market's REST endpoint.
// Every attempt is signed fresh: a nonce, once handed to the wire, is
// burned whether or not the exchange saw it.
type Client struct {
	cfg     *core.Config
	http    *resty.Client
	signer  *auth.Signer
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a REST transport. The signer may be nil for a
// public-only client; authenticated requests then fail with
// ErrNoCredentials. The breaker may be nil to disable gating.
func NewClient(cfg *core.Config, signer *auth.Signer, limiter *ratelimit.Limiter, breaker *circuitbreaker.Breaker) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(cfg.BaseURL)
	httpClient.SetTimeout(cfg.Timeout)
	httpClient.SetHeader("User-Agent", userAgent)
	httpClient.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		signer:  signer,
		limiter: limiter,
		breaker: breaker,
		logger:  zerolog.Nop(),
	}
}

// SetLogger configures the logger for the transport.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
	c.http.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})
}

// Close releases the underlying HTTP client. Further calls fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.http.Close()
}

// Do executes the request and returns the decoded result payload.
// Idempotent requests are retried on transport-level failures with
// exponential backoff; exchange-reported authentication and validation
// errors are never retried. In blocking rate-limit mode an exchange
// rate-limit error earns one wait-then-retry.
func (c *Client) Do(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, core.ErrClientClosed
	}

	category := req.Category
	if category == "" {
		category = core.CategoryData
	}

	rateLimitRetried := false
	var lastErr error

	for attempt := 0; ; attempt++ {
		if c.breaker != nil && !c.breaker.Allow() {
			return nil, core.ErrCircuitBreakerOpen
		}

		if err := c.acquire(ctx, category); err != nil {
			return nil, err
		}

		result, err := c.attempt(ctx, req)
		if err == nil {
			if c.breaker != nil {
				c.breaker.Record(true)
			}
			return result, nil
		}
		lastErr = err

		if c.breaker != nil {
			c.breaker.Record(!core.IsTransportError(err) && !isServerError(err))
		}

		switch {
		case core.IsRateLimited(err) && c.cfg.RateLimitBlocking && !rateLimitRetried:
			rateLimitRetried = true
			wait := core.RetryAfter(err)
			if wait <= 0 {
				wait = c.cfg.RetryWaitMax
			}
			c.logger.Warn().
				Dur("wait", wait).
				Str("path", req.Path).
				Msg("exchange rate limit hit, backing off")
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case (core.IsTransportError(err) || isServerError(err)) &&
			req.CanRetry() && attempt < c.cfg.MaxRetries:
			wait := c.retryWait(attempt)
			c.logger.Warn().Err(err).
				Dur("wait", wait).
				Int("attempt", attempt+1).
				Str("path", req.Path).
				Msg("transport error, retrying")
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		return nil, lastErr
	}
}

func (c *Client) acquire(ctx context.Context, category string) error {
	if c.limiter == nil {
		return nil
	}
	if c.cfg.RateLimitBlocking {
		return c.limiter.Wait(ctx, category)
	}
	return c.limiter.Acquire(category)
}

// attempt performs exactly one signed HTTP exchange. Authenticated
// requests get a fresh nonce here so a retried call never reuses one.
func (c *Client) attempt(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	r := c.http.R().SetContext(ctx)

	if req.Auth {
		if c.signer == nil {
			return nil, core.ErrNoCredentials
		}
		if err := c.signRequest(r, req); err != nil {
			return nil, err
		}
	} else if len(req.Params) > 0 {
		if req.Method == http.MethodGet {
			r.SetQueryParamsFromValues(req.Params)
		} else {
			r.SetHeader("Content-Type", "application/x-www-form-urlencoded")
			r.SetBody(req.Params.Encode())
		}
	}

	resp, err := c.execute(r, req.Method, req.Path)
	if err != nil {
		return nil, translateTransportError(ctx, err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode()).
		Msg("http response")

	if resp.StatusCode() == http.StatusTooManyRequests {
		return nil, core.NewError(core.ErrorTypeRateLimited, "http 429").
			WithStatus(resp.StatusCode()).
			WithRetryAfter(parseRetryAfter(resp))
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return nil, core.NewError(core.ErrorTypeServerError, string(resp.Bytes())).
			WithStatus(resp.StatusCode())
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, core.NewError(core.ErrorTypeAuthentication, string(resp.Bytes())).
			WithStatus(resp.StatusCode())
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, core.NewError(core.ErrorTypeBadRequest, string(resp.Bytes())).
			WithStatus(resp.StatusCode())
	}

	return parseEnvelope(resp.Bytes())
}

// signRequest signs the exact body bytes the request will carry. The
// body is the signer's encoded output, attached verbatim; nothing may
// touch it after this point.
func (c *Client) signRequest(r *resty.Request, req *core.Request) error {
	params := cloneValues(req.Params)

	switch c.cfg.MarketType {
	case core.MarketTypeFutures:
		signed := c.signer.SignFutures(req.Path, params.Encode())
		r.SetHeader("APIKey", c.signer.APIKey())
		r.SetHeader("Nonce", signed.Nonce)
		r.SetHeader("Authent", signed.Signature)
		r.SetHeader("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
		if signed.Body != "" {
			r.SetBody(signed.Body)
		}
	default:
		signed := c.signer.Sign(req.Path, params)
		r.SetHeader("API-Key", c.signer.APIKey())
		r.SetHeader("API-Sign", signed.Signature)
		r.SetHeader("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
		r.SetBody(signed.Body)
	}
	return nil
}

func (c *Client) execute(r *resty.Request, method, path string) (*resty.Response, error) {
	switch method {
	case http.MethodGet:
		return r.Get(path)
	case http.MethodPost:
		return r.Post(path)
	case http.MethodPut:
		return r.Put(path)
	case http.MethodDelete:
		return r.Delete(path)
	default:
		return nil, core.NewError(core.ErrorTypeBadRequest, "unsupported http method: "+method)
	}
}

func (c *Client) retryWait(attempt int) time.Duration {
	wait := c.cfg.RetryWaitMin
	for i := 0; i < attempt && wait < c.cfg.RetryWaitMax; i++ {
		wait *= 2
	}
	if wait > c.cfg.RetryWaitMax {
		wait = c.cfg.RetryWaitMax
	}
	return wait
}

// envelope is the Kraken response wrapper. Spot reports failures as an
// "error" array; futures endpoints use an "error" string or an
// "errors" list, and their "result" is just a success marker.
type envelope struct {
	Error  json.RawMessage `json:"error"`
	Errors []string        `json:"errors"`
	Result json.RawMessage `json:"result"`
}

func parseEnvelope(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return nil, core.NewError(core.ErrorTypeProtocol, "decode response envelope: "+err.Error())
	}

	codes, err := envelopeCodes(env)
	if err != nil {
		return nil, err
	}
	if err := core.FromCodes(codes); err != nil {
		return nil, err
	}

	if len(env.Result) == 0 || env.Result[0] == '"' {
		// No spot wrapper to unwrap; hand back the full body.
		return body, nil
	}
	return env.Result, nil
}

func envelopeCodes(env envelope) ([]string, error) {
	var codes []string
	switch {
	case len(env.Error) == 0, env.Error[0] == 'n':
	case env.Error[0] == '[':
		if err := sonic.Unmarshal(env.Error, &codes); err != nil {
			return nil, core.NewError(core.ErrorTypeProtocol, "decode error list: "+err.Error())
		}
	case env.Error[0] == '"':
		var code string
		if err := sonic.Unmarshal(env.Error, &code); err != nil {
			return nil, core.NewError(core.ErrorTypeProtocol, "decode error code: "+err.Error())
		}
		if code != "" {
			codes = append(codes, code)
		}
	default:
		return nil, core.NewError(core.ErrorTypeProtocol, "unexpected error field shape")
	}
	return append(codes, env.Errors...), nil
}

func translateTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return core.NewError(core.ErrorTypeTimeout, err.Error())
	}
	return core.NewError(core.ErrorTypeTransport, err.Error())
}

func isServerError(err error) bool {
	var e *core.Error
	if errors.As(err, &e) {
		return e.Type == core.ErrorTypeServerError
	}
	return false
}

func parseRetryAfter(resp *resty.Response) time.Duration {
	header := resp.Header().Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in))
	for k, v := range in {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return core.NewError(core.ErrorTypeTimeout, ctx.Err().Error())
	}
}
