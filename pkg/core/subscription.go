package core

import "strings"

// Subscription describes the intent to receive one websocket feed.
// It is a value type; the registry treats two subscriptions with the
// same channel, symbol list, and visibility as the same entry.
type Subscription struct {
	// Channel is the feed name, e.g. "ticker", "trade", "book", "ownTrades".
	Channel string `json:"channel"`
	// Symbols is the ordered list of instrument pairs. Empty means all instruments.
	Symbols []string `json:"symbols,omitempty"`
	// Private marks channels that require a websocket authentication token.
	Private bool `json:"private"`
}

// Key returns the identity of the subscription, stable across processes.
func (s Subscription) Key() string {
	visibility := "public"
	if s.Private {
		visibility = "private"
	}
	return s.Channel + "|" + strings.Join(s.Symbols, ",") + "|" + visibility
}

// Equal reports whether two subscriptions identify the same feed.
func (s Subscription) Equal(o Subscription) bool {
	return s.Key() == o.Key()
}

// String returns the subscription key, useful in log fields.
func (s Subscription) String() string {
	return s.Key()
}
