package ws

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	internalws "krakenconn/internal/ws"
	"krakenconn/pkg/core"
)

// Connection states, re-exported for callers observing a session.
type ConnState = internalws.ConnState

const (
	StateDisconnected = internalws.StateDisconnected
	StateConnecting   = internalws.StateConnecting
	StateConnected    = internalws.StateConnected
	StateReconnecting = internalws.StateReconnecting
	StateClosed       = internalws.StateClosed
)

// ChallengeSigner signs server-issued challenges for private futures
// feeds. auth.Signer satisfies it.
type ChallengeSigner interface {
	APIKey() string
	SignChallenge(challenge string) string
}

// SessionConfig holds everything one session needs to run against a
// single websocket endpoint.
type SessionConfig struct {
	URL                  string
	HeartbeatTimeout     time.Duration
	PingInterval         time.Duration
	ReconnectBaseWait    time.Duration
	ReconnectMaxWait     time.Duration
	MaxReconnectAttempts int
	StableResetAfter     time.Duration
	// SubscribeTimeout bounds the token or challenge resolution and
	// frame send performed during a reconnect replay.
	SubscribeTimeout time.Duration
	// Futures selects the derivatives frame dialect: subscriptions are
	// sent as feed/product_ids rather than subscription/pair.
	Futures bool
	// Challenge authenticates private futures feeds. Ignored on spot
	// sessions, which use the token manager instead.
	Challenge ChallengeSigner
}

// transport is the slice of the physical connection a session drives.
type transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	IsConnected() bool
	State() internalws.ConnState
	Close() error
}

// Session owns one websocket endpoint: it records subscription intent,
// keeps the connection alive, and replays the full desired set after
// every reconnect. Private channels resolve their token or challenge
// on demand.
type Session struct {
	cfg        SessionConfig
	conn       transport
	registry   *Registry
	dispatcher *Dispatcher
	tokens     *TokenManager
	logger     zerolog.Logger
	closed     atomic.Bool

	onTerminal atomic.Pointer[func(error)]

	// retried marks subscriptions that already spent their one
	// token-renewal resubscribe attempt; cleared on ack.
	mu      sync.Mutex
	retried map[string]bool

	// Challenge state is per physical connection; a reconnect clears it
	// and the next private subscribe requests a fresh one.
	chalMu          sync.Mutex
	challenge       string
	signedChallenge string
	challengeWait   chan struct{}
}

// NewSession creates a session for the endpoint. tokens may be nil for
// a public-only or challenge-authenticated session; private
// subscriptions without either fail with ErrNoCredentials.
func NewSession(cfg SessionConfig, tokens *TokenManager) *Session {
	return newSession(cfg, tokens, func(c internalws.Config, cb internalws.Callbacks) transport {
		return internalws.NewConn(c, cb)
	})
}

func newSession(cfg SessionConfig, tokens *TokenManager, dial func(internalws.Config, internalws.Callbacks) transport) *Session {
	if cfg.SubscribeTimeout == 0 {
		cfg.SubscribeTimeout = 30 * time.Second
	}

	s := &Session{
		cfg:        cfg,
		registry:   NewRegistry(),
		dispatcher: NewDispatcher(),
		tokens:     tokens,
		logger:     zerolog.Nop(),
		retried:    make(map[string]bool),
	}

	s.conn = dial(internalws.Config{
		URL:                  cfg.URL,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		PingInterval:         cfg.PingInterval,
		ReconnectBaseWait:    cfg.ReconnectBaseWait,
		ReconnectMaxWait:     cfg.ReconnectMaxWait,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		StableResetAfter:     cfg.StableResetAfter,
	}, internalws.Callbacks{
		OnMessage:   s.onMessage,
		OnConnected: s.onConnected,
		OnDisconnected: func(err error) {
			s.clearChallenge()
			s.logger.Warn().Err(err).Str("url", cfg.URL).Msg("session disconnected")
		},
		OnTerminal: s.handleTerminal,
	})
	return s
}

// SetLogger configures the logger for the session and its dispatcher.
func (s *Session) SetLogger(logger zerolog.Logger) {
	s.logger = logger
	s.dispatcher.SetLogger(logger)
	if c, ok := s.conn.(*internalws.Conn); ok {
		c.SetLogger(logger)
	}
}

// State returns the connection state.
func (s *Session) State() ConnState {
	return s.conn.State()
}

// Connect establishes the connection. Subscribing auto-connects, so
// calling this explicitly is optional.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return core.ErrSessionClosed
	}
	return s.conn.Connect(ctx)
}

// SetDefaultHandler receives data events with no bound handler.
func (s *Session) SetDefaultHandler(h Handler) {
	s.dispatcher.SetDefault(h)
}

// SetErrorHandler receives subscription-error events. The desired set
// is never altered automatically; unsubscribe here to drop the entry.
func (s *Session) SetErrorHandler(h Handler) {
	s.dispatcher.SetErrorHandler(h)
}

// SetTerminalHandler fires once when the reconnect budget is exhausted
// and the session will not recover on its own.
func (s *Session) SetTerminalHandler(h func(error)) {
	s.onTerminal.Store(&h)
}

// Subscribe records the subscription, binds the handler, and sends the
// subscribe frame, connecting first if needed. Recording happens before
// any I/O so a mid-call disconnect still replays the entry later.
func (s *Session) Subscribe(ctx context.Context, sub core.Subscription, h Handler) error {
	if s.closed.Load() {
		return core.ErrSessionClosed
	}
	if sub.Private && s.tokens == nil && s.cfg.Challenge == nil {
		return core.ErrNoCredentials
	}

	s.registry.Add(sub)
	if h != nil {
		s.dispatcher.Bind(sub, h)
	}

	if !s.conn.IsConnected() {
		switch s.conn.State() {
		case StateConnecting, StateReconnecting:
			// Intent is recorded; the replay on the pending connect
			// covers this entry.
			return nil
		}
		if err := s.conn.Connect(ctx); err != nil {
			return err
		}
		// The connect replay already covered the registry, this entry
		// included.
		return nil
	}
	return s.sendSubscribe(ctx, sub, "subscribe")
}

// Unsubscribe removes the subscription and, when connected, sends the
// unsubscribe frame.
func (s *Session) Unsubscribe(ctx context.Context, sub core.Subscription) error {
	if s.closed.Load() {
		return core.ErrSessionClosed
	}

	s.registry.Remove(sub)
	s.dispatcher.Unbind(sub)
	s.clearRetry(sub.Key())

	if !s.conn.IsConnected() {
		return nil
	}
	return s.sendSubscribe(ctx, sub, "unsubscribe")
}

// Subscriptions returns the current desired set.
func (s *Session) Subscriptions() []core.Subscription {
	return s.registry.Snapshot()
}

// Ping sends an application-level ping frame.
func (s *Session) Ping() error {
	return s.conn.Send([]byte(`{"event":"ping"}`))
}

// Close shuts the session down for good.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// subscribeFrame covers both dialects: spot sends subscription/pair,
// futures sends feed/product_ids with challenge credentials inline.
type subscribeFrame struct {
	Event             string            `json:"event"`
	Pair              []string          `json:"pair,omitempty"`
	Subscription      *subscriptionBody `json:"subscription,omitempty"`
	Feed              string            `json:"feed,omitempty"`
	ProductIDs        []string          `json:"product_ids,omitempty"`
	APIKey            string            `json:"api_key,omitempty"`
	OriginalChallenge string            `json:"original_challenge,omitempty"`
	SignedChallenge   string            `json:"signed_challenge,omitempty"`
}

type subscriptionBody struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

func (s *Session) sendSubscribe(ctx context.Context, sub core.Subscription, event string) error {
	frame := subscribeFrame{Event: event}

	if s.cfg.Futures {
		frame.Feed = sub.Channel
		frame.ProductIDs = sub.Symbols
		if sub.Private {
			original, signed, err := s.challengePair(ctx)
			if err != nil {
				return err
			}
			frame.APIKey = s.cfg.Challenge.APIKey()
			frame.OriginalChallenge = original
			frame.SignedChallenge = signed
		}
	} else {
		frame.Pair = sub.Symbols
		frame.Subscription = &subscriptionBody{Name: sub.Channel}
		if sub.Private {
			token, err := s.tokens.Get(ctx)
			if err != nil {
				return err
			}
			frame.Subscription.Token = token.Value
		}
	}

	data, err := sonic.Marshal(frame)
	if err != nil {
		return core.NewError(core.ErrorTypeProtocol, "encode subscribe frame: "+err.Error())
	}
	return s.conn.Send(data)
}

// challengePair returns the current connection's challenge and its
// signature, requesting one from the server on first use. Concurrent
// callers share the one outstanding request.
func (s *Session) challengePair(ctx context.Context) (string, string, error) {
	s.chalMu.Lock()
	if s.challenge != "" {
		original, signed := s.challenge, s.signedChallenge
		s.chalMu.Unlock()
		return original, signed, nil
	}
	request := false
	if s.challengeWait == nil {
		s.challengeWait = make(chan struct{})
		request = true
	}
	wait := s.challengeWait
	s.chalMu.Unlock()

	if request {
		frame, err := sonic.Marshal(map[string]string{
			"event":   "challenge",
			"api_key": s.cfg.Challenge.APIKey(),
		})
		if err != nil {
			return "", "", core.NewError(core.ErrorTypeProtocol, "encode challenge request: "+err.Error())
		}
		if err := s.conn.Send(frame); err != nil {
			s.clearChallenge()
			return "", "", err
		}
	}

	select {
	case <-wait:
	case <-ctx.Done():
		return "", "", core.NewError(core.ErrorTypeTimeout, "challenge wait: "+ctx.Err().Error())
	}

	s.chalMu.Lock()
	defer s.chalMu.Unlock()
	if s.challenge == "" {
		return "", "", core.NewError(core.ErrorTypeAuthentication, "challenge request failed")
	}
	return s.challenge, s.signedChallenge, nil
}

func (s *Session) handleChallenge(event *core.Event) {
	if s.cfg.Challenge == nil || event.Message == "" {
		return
	}

	s.chalMu.Lock()
	s.challenge = event.Message
	s.signedChallenge = s.cfg.Challenge.SignChallenge(event.Message)
	wait := s.challengeWait
	s.challengeWait = nil
	s.chalMu.Unlock()

	if wait != nil {
		close(wait)
	}
	s.logger.Debug().Msg("challenge signed")
}

func (s *Session) clearChallenge() {
	s.chalMu.Lock()
	s.challenge = ""
	s.signedChallenge = ""
	wait := s.challengeWait
	s.challengeWait = nil
	s.chalMu.Unlock()

	if wait != nil {
		close(wait)
	}
}

// onConnected replays the desired set. The snapshot is taken fresh
// here, so registry changes made while disconnected are honored.
func (s *Session) onConnected() {
	go s.replay()
}

func (s *Session) replay() {
	snapshot := s.registry.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubscribeTimeout)
	defer cancel()

	s.logger.Info().
		Int("subscriptions", len(snapshot)).
		Str("url", s.cfg.URL).
		Msg("replaying subscriptions")

	for _, sub := range snapshot {
		if err := s.sendSubscribe(ctx, sub, "subscribe"); err != nil {
			s.logger.Error().Err(err).
				Stringer("subscription", sub).
				Msg("subscription replay failed")
		}
	}
}

func (s *Session) onMessage(data []byte) {
	event := s.dispatcher.Dispatch(data)
	if event == nil {
		return
	}

	switch event.Kind {
	case core.EventChallenge:
		s.handleChallenge(event)
	case core.EventSubscriptionAck:
		s.clearRetry(event.SubscriptionKey(false))
		s.clearRetry(event.SubscriptionKey(true))
	case core.EventSubscriptionError:
		s.handleSubscriptionError(event)
	}
}

// handleSubscriptionError spends at most one token renewal per
// subscription on authentication failures. Other errors are the error
// handler's problem.
func (s *Session) handleSubscriptionError(event *core.Event) {
	if s.tokens == nil || !isTokenError(event.ErrorMessage) {
		return
	}

	key := event.SubscriptionKey(true)
	sub, ok := s.findSubscription(key)
	if !ok {
		return
	}

	s.tokens.Invalidate()

	s.mu.Lock()
	already := s.retried[key]
	s.retried[key] = true
	s.mu.Unlock()
	if already {
		s.logger.Error().
			Str("subscription", key).
			Str("reason", event.ErrorMessage).
			Msg("resubscribe after token renewal failed again")
		return
	}

	s.logger.Warn().
		Str("subscription", key).
		Str("reason", event.ErrorMessage).
		Msg("token rejected, renewing and resubscribing once")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubscribeTimeout)
		defer cancel()
		if err := s.sendSubscribe(ctx, sub, "subscribe"); err != nil {
			s.logger.Error().Err(err).
				Str("subscription", key).
				Msg("resubscribe failed")
		}
	}()
}

func (s *Session) findSubscription(key string) (core.Subscription, bool) {
	for _, sub := range s.registry.Snapshot() {
		if sub.Key() == key {
			return sub, true
		}
	}
	return core.Subscription{}, false
}

func (s *Session) clearRetry(key string) {
	s.mu.Lock()
	delete(s.retried, key)
	s.mu.Unlock()
}

func (s *Session) handleTerminal(err error) {
	s.logger.Error().Err(err).Str("url", s.cfg.URL).Msg("session terminal")
	if h := s.onTerminal.Load(); h != nil && *h != nil {
		(*h)(err)
	}
}

func isTokenError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "token") ||
		strings.HasPrefix(message, "EAuth:") ||
		strings.HasPrefix(message, "ESession:")
}
