// Package ratelimit provides per-category token-bucket throttling for
// exchange calls.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"krakenconn/pkg/core"
)

// Limiter gates calls per endpoint category. Each category owns one
// token bucket; refill happens lazily inside x/time/rate at acquire
// time, so an idle limiter costs nothing.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	// fallback covers categories that were never configured.
	fallback core.RateLimit
	metrics  *Metrics
}

// Metrics tracks statistics about limiter usage.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
}

// New creates a Limiter with one bucket per configured category.
// Unknown categories acquired later inherit the smallest configured
// budget, so a typo can only be stricter than intended.
func New(limits map[string]core.RateLimit) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter, len(limits)),
		metrics: &Metrics{},
	}

	for category, limit := range limits {
		l.buckets[category] = newBucket(limit)
		if l.fallback.Requests == 0 || rps(limit) < rps(l.fallback) {
			l.fallback = limit
		}
	}
	return l
}

func rps(limit core.RateLimit) float64 {
	return float64(limit.Requests) / limit.Period.Seconds()
}

func newBucket(limit core.RateLimit) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps(limit)), limit.Requests)
}

// Wait blocks until the category's bucket admits a call or the context
// is cancelled. The caller bounds the wait through the context.
func (l *Limiter) Wait(ctx context.Context, category string) error {
	l.metrics.totalRequests.Add(1)
	if err := l.bucket(category).Wait(ctx); err != nil {
		l.metrics.deniedRequests.Add(1)
		return core.NewError(core.ErrorTypeRateLimited, "rate limit wait: "+err.Error())
	}
	l.metrics.allowedRequests.Add(1)
	return nil
}

// Allow reports whether the category admits a call right now.
func (l *Limiter) Allow(category string) bool {
	l.metrics.totalRequests.Add(1)
	allowed := l.bucket(category).Allow()
	if allowed {
		l.metrics.allowedRequests.Add(1)
	} else {
		l.metrics.deniedRequests.Add(1)
	}
	return allowed
}

// Acquire admits a call immediately or fails with a rate-limit error
// carrying the recommended retry-after delay. The reservation is
// cancelled on rejection so no token is consumed.
func (l *Limiter) Acquire(category string) error {
	l.metrics.totalRequests.Add(1)

	r := l.bucket(category).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		l.metrics.deniedRequests.Add(1)
		return core.NewError(core.ErrorTypeRateLimited, "rate limit exceeded for "+category).
			WithRetryAfter(delay)
	}

	l.metrics.allowedRequests.Add(1)
	return nil
}

// SetLimit replaces the budget for one category, creating it if needed.
func (l *Limiter) SetLimit(category string, limit core.RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, ok := l.buckets[category]; ok {
		bucket.SetLimit(rate.Limit(rps(limit)))
		bucket.SetBurst(limit.Requests)
		return
	}
	l.buckets[category] = newBucket(limit)
}

func (l *Limiter) bucket(category string) *rate.Limiter {
	l.mu.RLock()
	bucket, ok := l.buckets[category]
	l.mu.RUnlock()
	if ok {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok = l.buckets[category]; ok {
		return bucket
	}
	bucket = newBucket(l.fallback)
	l.buckets[category] = bucket
	return bucket
}

// Snapshot returns a point-in-time capture of limiter statistics.
func (l *Limiter) Snapshot() MetricsSnapshot {
	l.mu.RLock()
	categories := len(l.buckets)
	l.mu.RUnlock()

	return MetricsSnapshot{
		TotalRequests:   l.metrics.totalRequests.Load(),
		AllowedRequests: l.metrics.allowedRequests.Load(),
		DeniedRequests:  l.metrics.deniedRequests.Load(),
		Categories:      categories,
	}
}

// MetricsSnapshot is a point-in-time capture of limiter statistics.
type MetricsSnapshot struct {
	// TotalRequests is the total number of admission checks performed.
	TotalRequests int64
	// AllowedRequests is the number of admitted calls.
	AllowedRequests int64
	// DeniedRequests is the number of rejected or cancelled calls.
	DeniedRequests int64
	// Categories is the number of buckets in use.
	Categories int
}
