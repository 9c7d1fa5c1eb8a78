package core

import "net/url"

// Rate-limit categories used by the transport layers. Tier-specific
// budgets per category come from Config.RateLimits.
const (
	// CategoryData covers public and private market/account queries.
	CategoryData = "data"
	// CategoryTrading covers order placement, amendment, and cancellation.
	CategoryTrading = "trading"
	// CategorySubscribe covers websocket subscribe/unsubscribe requests.
	CategorySubscribe = "websocket-subscribe"
)

// Request describes one REST call before signing and transmission.
type Request struct {
	Method string
	Path   string
	Params url.Values
	// Auth marks requests that must carry a nonce and signature.
	Auth bool
	// Idempotent marks non-GET requests that are safe to retry on
	// transport failure. GET requests are always treated as idempotent.
	Idempotent bool
	// Category selects the rate-limit bucket. Empty means CategoryData.
	Category string
}

// NewRequest creates a request descriptor for the given method and path.
func NewRequest(method, path string) *Request {
	return &Request{
		Method:   method,
		Path:     path,
		Params:   make(url.Values),
		Category: CategoryData,
	}
}

// SetParam sets one endpoint parameter and returns the request for chaining.
func (r *Request) SetParam(key, value string) *Request {
	if r.Params == nil {
		r.Params = make(url.Values)
	}
	r.Params.Set(key, value)
	return r
}

// SetAuth marks the request as authenticated and returns it for chaining.
func (r *Request) SetAuth(auth bool) *Request {
	r.Auth = auth
	return r
}

// SetIdempotent marks the request as retryable and returns it for chaining.
func (r *Request) SetIdempotent(idempotent bool) *Request {
	r.Idempotent = idempotent
	return r
}

// SetCategory selects the rate-limit bucket and returns the request for chaining.
func (r *Request) SetCategory(category string) *Request {
	r.Category = category
	return r
}

// CanRetry reports whether a transport-level failure of this request
// may be retried without risking a duplicated side effect.
func (r *Request) CanRetry() bool {
	return r.Method == "GET" || r.Idempotent
}
