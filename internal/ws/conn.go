// Package ws owns one physical websocket connection: its lifecycle
// state machine, reconnection with jittered backoff, heartbeat
// supervision, and a single serialized writer.
package ws

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"

	"krakenconn/pkg/core"
)

// ConnState is one position in the connection lifecycle:
// Disconnected -> Connecting -> Connected, back to Disconnected on any
// drop, Reconnecting while a backoff timer runs, and Closed as the one
// terminal state, reachable from anywhere via an explicit close.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	return [...]string{
		"disconnected",
		"connecting",
		"connected",
		"reconnecting",
		"closed",
	}[s]
}

// State holds a ConnState behind an atomic so lifecycle transitions
// can race-freely use compare-and-swap as their transition guard.
type State struct {
	state atomic.Int32
}

func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// CompareAndSwap performs the transition old -> new only if the state
// still is old, and reports whether it happened.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}

// Config holds connection-level options. All durations must be set by
// the caller; core.Config carries validated defaults.
type Config struct {
	// URL is the websocket endpoint to dial.
	URL string
	// HeartbeatTimeout drops the connection when no frame of any kind
	// arrives within this interval.
	HeartbeatTimeout time.Duration
	// PingInterval is how often the writer emits a ping frame.
	PingInterval time.Duration
	// ReconnectBaseWait is the delay before the first reconnect attempt.
	ReconnectBaseWait time.Duration
	// ReconnectMaxWait caps the backoff ladder.
	ReconnectMaxWait time.Duration
	// MaxReconnectAttempts closes the connection for good once exceeded.
	// Zero means unlimited attempts.
	MaxReconnectAttempts int
	// StableResetAfter resets the backoff ladder once a connection has
	// survived this long.
	StableResetAfter time.Duration
	// WriteQueueSize is the capacity of the outbound command queue.
	WriteQueueSize int
}

// Callbacks connect the owning session to connection events. All
// callbacks are optional; nil entries are skipped.
type Callbacks struct {
	// OnMessage receives every inbound text frame.
	OnMessage func(data []byte)
	// OnConnected fires after every successful handshake, including
	// reconnects. The session replays its subscriptions here.
	OnConnected func()
	// OnDisconnected fires when an established connection drops and a
	// reconnect is about to be scheduled.
	OnDisconnected func(err error)
	// OnTerminal fires once when the reconnect budget is exhausted or
	// the connection is closed by the remote beyond recovery.
	OnTerminal func(err error)
}

// Conn manages one physical websocket connection. The socket is
// replaced wholesale on every reconnect, never mutated in place.
type Conn struct {
	cfg     Config
	cb      Callbacks
	state   *State
	handler *eventHandler
	logger  zerolog.Logger

	mu            sync.RWMutex
	socket        *gws.Conn
	connectedChan chan struct{}
	writerDone    chan struct{}
	connectedAt   time.Time
	attempts      int

	writeCh  chan []byte
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type eventHandler struct {
	conn *Conn
}

// NewConn creates a disconnected Conn. The writer goroutine starts on
// the first successful connect.
func NewConn(cfg Config, cb Callbacks) *Conn {
	if cfg.WriteQueueSize == 0 {
		cfg.WriteQueueSize = 64
	}

	c := &Conn{
		cfg:           cfg,
		cb:            cb,
		state:         &State{},
		connectedChan: make(chan struct{}),
		writeCh:       make(chan []byte, cfg.WriteQueueSize),
		stopChan:      make(chan struct{}),
		logger:        zerolog.Nop(),
	}
	c.state.Store(StateDisconnected)
	c.handler = &eventHandler{conn: c}
	return c
}

// SetLogger configures the logger for the connection.
func (c *Conn) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return c.state.Load()
}

// IsConnected reports whether the connection is established.
func (c *Conn) IsConnected() bool {
	return c.state.Load() == StateConnected
}

// Connect dials the endpoint and blocks until the handshake completes,
// the context expires, or the connection is closed.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateDisconnected, StateConnecting) {
		switch current := c.state.Load(); current {
		case StateConnected:
			return nil
		case StateClosed:
			return core.ErrSessionClosed
		default:
			return core.NewError(core.ErrorTypeConnectionLost, "connect while "+current.String())
		}
	}

	if err := c.dial(); err != nil {
		c.state.Store(StateDisconnected)
		return err
	}

	c.mu.RLock()
	connected := c.connectedChan
	c.mu.RUnlock()

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		c.closeSocket()
		c.state.Store(StateDisconnected)
		return ctx.Err()
	case <-c.stopChan:
		c.closeSocket()
		return core.ErrSessionClosed
	}
}

func (c *Conn) dial() error {
	socket, _, err := gws.NewClient(c.handler, &gws.ClientOption{
		Addr: c.cfg.URL,
	})
	if err != nil {
		return core.NewError(core.ErrorTypeTransport, "dial websocket: "+err.Error())
	}

	c.mu.Lock()
	c.socket = socket
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		socket.ReadLoop()
	}()
	return nil
}

func (h *eventHandler) OnOpen(socket *gws.Conn) {
	c := h.conn
	c.state.Store(StateConnected)

	c.mu.Lock()
	c.connectedAt = time.Now()
	c.writerDone = make(chan struct{})
	writerDone := c.writerDone
	select {
	case <-c.connectedChan:
	default:
		close(c.connectedChan)
	}
	c.mu.Unlock()

	c.startWriter(socket, writerDone)

	c.logger.Info().
		Str("url", c.cfg.URL).
		Msg("websocket connected")

	_ = socket.SetDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))

	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
}

func (h *eventHandler) OnClose(socket *gws.Conn, err error) {
	c := h.conn

	wasConnected := c.state.CompareAndSwap(StateConnected, StateDisconnected)
	c.state.CompareAndSwap(StateConnecting, StateDisconnected)

	c.mu.Lock()
	c.connectedChan = make(chan struct{})
	// Stop this socket's writer; the next connection gets its own.
	if c.writerDone != nil {
		select {
		case <-c.writerDone:
		default:
			close(c.writerDone)
		}
	}
	// A connection that held long enough earns a fresh backoff ladder.
	if wasConnected && c.cfg.StableResetAfter > 0 &&
		time.Since(c.connectedAt) >= c.cfg.StableResetAfter {
		c.attempts = 0
	}
	c.mu.Unlock()

	c.logger.Warn().
		Err(err).
		Str("url", c.cfg.URL).
		Msg("websocket disconnected")

	select {
	case <-c.stopChan:
		return
	default:
	}

	if wasConnected && c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected(core.NewError(core.ErrorTypeConnectionLost, "connection lost"))
	}

	go c.attemptReconnect()
}

func (h *eventHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.SetDeadline(time.Now().Add(h.conn.cfg.HeartbeatTimeout))
	_ = socket.WritePong(nil)
}

func (h *eventHandler) OnPong(socket *gws.Conn, payload []byte) {
	_ = socket.SetDeadline(time.Now().Add(h.conn.cfg.HeartbeatTimeout))
}

func (h *eventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	c := h.conn

	// Any inbound frame counts as liveness, heartbeats included.
	_ = socket.SetDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))

	data := message.Bytes()
	if len(data) == 0 {
		return
	}

	if c.cb.OnMessage != nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		c.cb.OnMessage(buf)
	}
}

// startWriter launches the single writer goroutine for the given
// socket. Exactly one writer exists per physical connection; all
// outbound frames and pings are serialized through it.
func (c *Conn) startWriter(socket *gws.Conn, done chan struct{}) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case data := <-c.writeCh:
				if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
					c.logger.Error().Err(err).Msg("websocket write failed")
					_ = socket.NetConn().Close()
					return
				}
			case <-ticker.C:
				if err := socket.WritePing(nil); err != nil {
					_ = socket.NetConn().Close()
					return
				}
			case <-done:
				return
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Send enqueues a text frame on the writer queue. It fails immediately
// when the connection is not established.
func (c *Conn) Send(data []byte) error {
	switch c.state.Load() {
	case StateClosed:
		return core.ErrSessionClosed
	case StateConnected:
	default:
		return core.ErrNotConnected
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.stopChan:
		return core.ErrSessionClosed
	}
}

func (c *Conn) attemptReconnect() {
	if !c.state.CompareAndSwap(StateDisconnected, StateReconnecting) {
		return
	}

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.state.Store(StateClosed)
			c.logger.Error().
				Int("attempts", attempt-1).
				Msg("reconnect attempts exhausted")
			if c.cb.OnTerminal != nil {
				c.cb.OnTerminal(core.NewError(core.ErrorTypeConnectionLost,
					"reconnect attempts exhausted"))
			}
			return
		}

		wait := c.backoff(attempt - 1)
		c.logger.Info().
			Dur("wait", wait).
			Int("attempt", attempt).
			Msg("attempting reconnect")

		select {
		case <-time.After(wait):
		case <-c.stopChan:
			return
		}

		if !c.state.CompareAndSwap(StateReconnecting, StateConnecting) {
			return
		}
		if err := c.dial(); err != nil {
			c.logger.Error().Err(err).
				Int("attempt", attempt).
				Msg("reconnect failed")
			c.state.CompareAndSwap(StateConnecting, StateReconnecting)
			continue
		}

		c.mu.RLock()
		connected := c.connectedChan
		c.mu.RUnlock()

		select {
		case <-connected:
			c.logger.Info().Msg("reconnected")
			return
		case <-time.After(c.cfg.HeartbeatTimeout):
			c.closeSocket()
			c.state.CompareAndSwap(StateConnecting, StateReconnecting)
		case <-c.stopChan:
			c.closeSocket()
			return
		}
	}
}

// backoff computes the exponential delay for the given attempt with
// equal jitter, capped at ReconnectMaxWait.
func (c *Conn) backoff(attempt int) time.Duration {
	wait := c.cfg.ReconnectBaseWait
	for i := 0; i < attempt && wait < c.cfg.ReconnectMaxWait; i++ {
		wait *= 2
	}
	if wait > c.cfg.ReconnectMaxWait {
		wait = c.cfg.ReconnectMaxWait
	}
	half := wait / 2
	return half + rand.N(half+1)
}

func (c *Conn) closeSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		_ = c.socket.NetConn().Close()
	}
}

// Close shuts the connection down for good: it cancels any pending
// backoff timer, unblocks waiting callers, and suppresses further
// reconnect attempts.
func (c *Conn) Close() error {
	if c.state.Load() == StateClosed {
		return nil
	}
	c.state.Store(StateClosed)

	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.closeSocket()
	c.wg.Wait()
	return nil
}
