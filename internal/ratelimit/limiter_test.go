package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenconn/pkg/core"
)

func newTestLimiter(requests int, period time.Duration) *Limiter {
	return New(map[string]core.RateLimit{
		core.CategoryData: {Requests: requests, Period: period},
	})
}

func TestLimiter_Allow(t *testing.T) {
	limiter := newTestLimiter(5, time.Second)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(core.CategoryData), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow(core.CategoryData), "request 6 should be blocked")
}

func TestLimiter_Wait(t *testing.T) {
	limiter := newTestLimiter(5, 100*time.Millisecond)

	for i := 0; i < 5; i++ {
		err := limiter.Wait(context.Background(), core.CategoryData)
		assert.NoError(t, err)
	}
}

func TestLimiter_Wait_ContextCancellation(t *testing.T) {
	limiter := newTestLimiter(1, time.Minute)

	err := limiter.Wait(context.Background(), core.CategoryData)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = limiter.Wait(ctx, core.CategoryData)
	require.Error(t, err)
	assert.True(t, core.IsRateLimited(err))
}

func TestLimiter_Acquire_RetryAfter(t *testing.T) {
	limiter := newTestLimiter(1, time.Minute)

	require.NoError(t, limiter.Acquire(core.CategoryData))

	err := limiter.Acquire(core.CategoryData)
	require.Error(t, err)
	assert.True(t, core.IsRateLimited(err))
	assert.Greater(t, core.RetryAfter(err), time.Duration(0))
}

func TestLimiter_IndependentCategories(t *testing.T) {
	limiter := New(map[string]core.RateLimit{
		core.CategoryData:    {Requests: 1, Period: time.Minute},
		core.CategoryTrading: {Requests: 1, Period: time.Minute},
	})

	assert.True(t, limiter.Allow(core.CategoryData))
	assert.False(t, limiter.Allow(core.CategoryData))

	// Draining one category must not touch the other.
	assert.True(t, limiter.Allow(core.CategoryTrading))
}

func TestLimiter_UnknownCategoryUsesStrictestBudget(t *testing.T) {
	limiter := New(map[string]core.RateLimit{
		core.CategoryData:    {Requests: 100, Period: time.Second},
		core.CategoryTrading: {Requests: 1, Period: time.Minute},
	})

	assert.True(t, limiter.Allow("unconfigured"))
	assert.False(t, limiter.Allow("unconfigured"))
}

func TestLimiter_WindowBound_Concurrent(t *testing.T) {
	const capacity = 100
	limiter := newTestLimiter(capacity, time.Hour)

	var wg sync.WaitGroup
	results := make(chan bool, 3*capacity)

	for i := 0; i < 3*capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- limiter.Allow(core.CategoryData)
		}()
	}

	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, capacity, "must never admit more than capacity in one window")
}

func TestLimiter_SetLimit(t *testing.T) {
	limiter := newTestLimiter(1, time.Minute)

	assert.True(t, limiter.Allow(core.CategoryData))
	assert.False(t, limiter.Allow(core.CategoryData))

	limiter.SetLimit(core.CategoryData, core.RateLimit{Requests: 1000, Period: time.Second})

	time.Sleep(100 * time.Millisecond)
	assert.True(t, limiter.Allow(core.CategoryData), "should allow after budget increase")
}

func TestLimiter_Snapshot(t *testing.T) {
	limiter := newTestLimiter(1, time.Minute)

	limiter.Allow(core.CategoryData)
	limiter.Allow(core.CategoryData)

	snap := limiter.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.AllowedRequests)
	assert.Equal(t, int64(1), snap.DeniedRequests)
	assert.Equal(t, 1, snap.Categories)
}
