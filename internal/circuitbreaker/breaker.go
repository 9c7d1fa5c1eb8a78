// Package circuitbreaker stops hammering an upstream that keeps failing.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

// Breaker states.
const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown expires.
	StateOpen
	// StateHalfOpen admits probe calls after the cooldown.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	return [...]string{"CLOSED", "OPEN", "HALF_OPEN"}[s]
}

// Config holds the breaker thresholds.
type Config struct {
	// FailThreshold is the number of consecutive failures that opens the breaker.
	FailThreshold int `json:"fail_threshold"`
	// SuccessThreshold is the number of consecutive probe successes that close it again.
	SuccessThreshold int `json:"success_threshold"`
	// Timeout is the cooldown before an open breaker admits probes.
	Timeout time.Duration `json:"timeout"`
}

// Breaker tracks upstream health and gates calls accordingly.
// It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	cfg       Config

	now func() time.Time
}

// New creates a closed Breaker with the given thresholds.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and admits the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	}
	return false
}

// Record feeds the outcome of an admitted call back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailThreshold {
			b.trip()
		}
	case StateHalfOpen:
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateOpen:
		// A straggler finishing after the trip; nothing to update.
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
