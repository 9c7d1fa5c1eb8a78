// Package ws provides the websocket session layer: subscription intent
// tracking, private-channel token management, frame dispatch, and the
// session that ties them to a physical connection.
package ws

import (
	"sort"
	"sync"

	"krakenconn/pkg/core"
)

// Registry tracks the desired set of subscriptions independent of
// connection state. It is pure bookkeeping; the session consults it to
// know what to replay after a reconnect.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]core.Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]core.Subscription)}
}

// Add records the subscription. Adding an already-present subscription
// is a no-op; it reports whether the entry was newly inserted.
func (r *Registry) Add(sub core.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sub.Key()
	if _, ok := r.subs[key]; ok {
		return false
	}
	r.subs[key] = sub
	return true
}

// Remove drops the subscription. Removing an absent entry is a no-op;
// it reports whether an entry was actually removed.
func (r *Registry) Remove(sub core.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sub.Key()
	if _, ok := r.subs[key]; !ok {
		return false
	}
	delete(r.subs, key)
	return true
}

// Has reports whether the subscription is currently desired.
func (r *Registry) Has(sub core.Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[sub.Key()]
	return ok
}

// Len returns the number of desired subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns a consistent point-in-time copy of the desired set,
// ordered by subscription key so replay order is deterministic.
func (r *Registry) Snapshot() []core.Subscription {
	r.mu.RLock()
	out := make([]core.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// HasPrivate reports whether any desired subscription needs a token.
func (r *Registry) HasPrivate() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.Private {
			return true
		}
	}
	return false
}
