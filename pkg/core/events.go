package core

import "encoding/json"

// EventKind identifies the type of an inbound websocket frame after parsing.
type EventKind int

// Event kinds produced by the message dispatcher.
const (
	// EventHeartbeat is a periodic keep-alive frame with no payload.
	EventHeartbeat EventKind = iota
	// EventSystemStatus reports exchange availability ("online", "maintenance").
	EventSystemStatus
	// EventSubscriptionAck confirms a subscribe or unsubscribe request.
	EventSubscriptionAck
	// EventSubscriptionError reports a rejected subscribe request.
	EventSubscriptionError
	// EventData carries a payload update for a subscribed channel.
	EventData
	// EventPong answers a client ping frame.
	EventPong
	// EventChallenge carries the server-issued authentication challenge
	// for private futures feeds.
	EventChallenge
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	return [...]string{
		"heartbeat",
		"systemStatus",
		"subscriptionAck",
		"subscriptionError",
		"data",
		"pong",
		"challenge",
	}[k]
}

// Event is the typed form of one inbound frame. Data updates carry the
// raw payload; the caller decodes it into its own domain model.
type Event struct {
	// Kind identifies what the frame was.
	Kind EventKind
	// Channel is the feed name for subscription and data events.
	Channel string
	// Pair is the instrument the event applies to, when the frame names one.
	Pair string
	// Status holds the "status" field of status frames ("online", "subscribed", "error").
	Status string
	// ErrorMessage holds the server-provided reason for subscription errors.
	ErrorMessage string
	// Message holds the free-text body of challenge frames.
	Message string
	// ChannelID is the numeric channel handle assigned by the server, for data frames.
	ChannelID int64
	// Payload is the undecoded event body for data frames.
	Payload json.RawMessage
	// Raw is the complete frame as received.
	Raw []byte
}

// SubscriptionKey returns the registry key this event routes to.
// Private channels arrive without a pair; their key has no symbols.
func (e *Event) SubscriptionKey(private bool) string {
	sub := Subscription{Channel: e.Channel, Private: private}
	if e.Pair != "" {
		sub.Symbols = []string{e.Pair}
	}
	return sub.Key()
}
