package ws

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"krakenconn/pkg/core"
)

// Handler consumes one typed event for a subscribed feed.
type Handler func(event *core.Event)

// Dispatcher parses inbound frames into typed events and routes data
// updates to the handler bound for the matching subscription. A
// multi-symbol subscription matches any of its pairs; an empty symbol
// list matches every pair on the channel. Unparseable frames are
// logged and dropped, never fatal.
type Dispatcher struct {
	logger zerolog.Logger

	mu sync.RWMutex
	// routes is keyed per channel+pair so one lookup resolves a frame;
	// bindings remembers which route keys each subscription claimed.
	routes         map[string]Handler
	bindings       map[string][]string
	defaultHandler Handler
	errorHandler   Handler
}

// NewDispatcher creates a dispatcher with no handlers bound.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		logger:   zerolog.Nop(),
		routes:   make(map[string]Handler),
		bindings: make(map[string][]string),
	}
}

// SetLogger configures the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// routeKey identifies one (channel, pair, visibility) routing slot.
// An empty pair slot catches both pair-less frames and, as a fallback,
// any pair on the channel.
func routeKey(channel, pair string, private bool) string {
	visibility := "public"
	if private {
		visibility = "private"
	}
	return channel + "|" + pair + "|" + visibility
}

// Bind routes data events for the subscription to the handler. Each
// symbol claims its own routing slot; no symbols claims the channel's
// catch-all slot.
func (d *Dispatcher) Bind(sub core.Subscription, h Handler) {
	keys := make([]string, 0, len(sub.Symbols)+1)
	if len(sub.Symbols) == 0 {
		keys = append(keys, routeKey(sub.Channel, "", sub.Private))
	}
	for _, symbol := range sub.Symbols {
		keys = append(keys, routeKey(sub.Channel, symbol, sub.Private))
	}

	d.mu.Lock()
	for _, key := range keys {
		d.routes[key] = h
	}
	d.bindings[sub.Key()] = keys
	d.mu.Unlock()
}

// Unbind removes the subscription's routing slots.
func (d *Dispatcher) Unbind(sub core.Subscription) {
	d.mu.Lock()
	for _, key := range d.bindings[sub.Key()] {
		delete(d.routes, key)
	}
	delete(d.bindings, sub.Key())
	d.mu.Unlock()
}

// SetDefault receives data events with no bound handler.
func (d *Dispatcher) SetDefault(h Handler) {
	d.mu.Lock()
	d.defaultHandler = h
	d.mu.Unlock()
}

// SetErrorHandler receives subscription-error events. The registry is
// never altered here; the caller decides whether to drop the entry.
func (d *Dispatcher) SetErrorHandler(h Handler) {
	d.mu.Lock()
	d.errorHandler = h
	d.mu.Unlock()
}

// Dispatch parses one frame and routes it. It returns the typed event
// so the owning session can observe acks and errors; a nil return
// means the frame was dropped.
func (d *Dispatcher) Dispatch(raw []byte) *core.Event {
	event, err := Parse(raw)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("frame", truncate(raw, 256)).
			Msg("dropping unparseable frame")
		return nil
	}

	switch event.Kind {
	case core.EventData:
		d.route(event)
	case core.EventSubscriptionError:
		d.mu.RLock()
		h := d.errorHandler
		d.mu.RUnlock()
		if h != nil {
			h(event)
		}
	}
	return event
}

func (d *Dispatcher) route(event *core.Event) {
	d.mu.RLock()
	h, ok := d.lookup(event.Channel, event.Pair, false)
	if !ok {
		h, ok = d.lookup(event.Channel, event.Pair, true)
	}
	fallback := d.defaultHandler
	d.mu.RUnlock()

	if ok {
		h(event)
		return
	}
	if fallback != nil {
		fallback(event)
		return
	}
	d.logger.Debug().
		Str("channel", event.Channel).
		Str("pair", event.Pair).
		Msg("no handler bound for data event")
}

// lookup resolves the pair-specific slot first, then the channel's
// catch-all slot. Callers hold at least a read lock.
func (d *Dispatcher) lookup(channel, pair string, private bool) (Handler, bool) {
	if pair != "" {
		if h, ok := d.routes[routeKey(channel, pair, private)]; ok {
			return h, true
		}
	}
	h, ok := d.routes[routeKey(channel, "", private)]
	return h, ok
}

// statusFrame covers every object-shaped frame either endpoint family
// sends. Spot frames carry "event" and "subscription"; futures frames
// carry "feed" and "product_id".
type statusFrame struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ChannelID    int64  `json:"channelID"`
	ChannelName  string `json:"channelName"`
	ErrorMessage string `json:"errorMessage"`
	Message      string `json:"message"`
	Feed         string `json:"feed"`
	ProductID    string `json:"product_id"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

// Parse turns one raw frame into a typed event. Object frames are
// status/control messages keyed by their "event" field, or futures
// data updates keyed by "feed"; array frames are spot data updates.
func Parse(raw []byte) (*core.Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, core.NewError(core.ErrorTypeProtocol, "empty frame")
	}

	if trimmed[0] == '[' {
		return parseArrayFrame(trimmed)
	}

	var frame statusFrame
	if err := sonic.Unmarshal(trimmed, &frame); err != nil {
		return nil, core.NewError(core.ErrorTypeProtocol, "decode frame: "+err.Error())
	}

	event := &core.Event{Raw: raw, Status: frame.Status, Pair: frame.Pair}

	switch frame.Event {
	case "heartbeat":
		event.Kind = core.EventHeartbeat
	case "systemStatus", "info":
		event.Kind = core.EventSystemStatus
	case "pong":
		event.Kind = core.EventPong
	case "challenge":
		event.Kind = core.EventChallenge
		event.Message = frame.Message
	case "subscriptionStatus":
		event.Channel = frame.Subscription.Name
		if event.Channel == "" {
			event.Channel = frame.ChannelName
		}
		event.ChannelID = frame.ChannelID
		if frame.Status == "error" {
			event.Kind = core.EventSubscriptionError
			event.ErrorMessage = frame.ErrorMessage
		} else {
			event.Kind = core.EventSubscriptionAck
		}
	case "subscribed", "unsubscribed":
		event.Kind = core.EventSubscriptionAck
		event.Channel = frame.Feed
	case "error", "alert":
		event.Kind = core.EventSubscriptionError
		event.Channel = frame.Feed
		event.ErrorMessage = frame.Message
	case "":
		// Futures data updates are objects with a feed name and no event.
		if frame.Feed == "" {
			return nil, core.NewError(core.ErrorTypeProtocol, "frame carries neither event nor feed")
		}
		event.Kind = core.EventData
		event.Channel = frame.Feed
		event.Pair = frame.ProductID
		event.Payload = raw
	default:
		return nil, core.NewError(core.ErrorTypeProtocol, "unknown event type: "+frame.Event)
	}
	return event, nil
}

// parseArrayFrame decodes a spot data update. Public feeds look like
// [channelID, payload..., channelName, pair]; private feeds like
// [payload, channelName, {"sequence": n}] with no pair.
func parseArrayFrame(raw []byte) (*core.Event, error) {
	var elems []json.RawMessage
	if err := sonic.Unmarshal(raw, &elems); err != nil {
		return nil, core.NewError(core.ErrorTypeProtocol, "decode data frame: "+err.Error())
	}
	if len(elems) < 2 {
		return nil, core.NewError(core.ErrorTypeProtocol, "data frame too short")
	}

	event := &core.Event{Kind: core.EventData, Raw: raw}

	start := 0
	if isJSONNumber(elems[0]) {
		if err := sonic.Unmarshal(elems[0], &event.ChannelID); err != nil {
			return nil, core.NewError(core.ErrorTypeProtocol, "decode channel id: "+err.Error())
		}
		start = 1
	}

	end := len(elems)
	last := elems[end-1]
	switch {
	case isJSONString(last):
		prev := elems[end-2]
		if end-2 > start && isJSONString(prev) {
			_ = sonic.Unmarshal(last, &event.Pair)
			_ = sonic.Unmarshal(prev, &event.Channel)
			end -= 2
		} else {
			_ = sonic.Unmarshal(last, &event.Channel)
			end--
		}
	case end-2 >= start && isJSONString(elems[end-2]):
		// Trailing sequence object on private feeds.
		_ = sonic.Unmarshal(elems[end-2], &event.Channel)
		end -= 2
	}

	if event.Channel == "" {
		return nil, core.NewError(core.ErrorTypeProtocol, "data frame missing channel name")
	}
	if end > start {
		event.Payload = []byte(elems[start])
	}
	return event, nil
}

func isJSONString(raw []byte) bool {
	return len(raw) > 0 && raw[0] == '"'
}

func isJSONNumber(raw []byte) bool {
	return len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'))
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
