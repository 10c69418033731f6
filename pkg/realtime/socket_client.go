package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type SocketConfig struct {
	URL                  string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	RequestTimeout       time.Duration
	Debug                bool
	Logger               *slog.Logger
}

func DefaultSocketConfig(wsURL string) SocketConfig {
	return SocketConfig{
		URL:                  wsURL,
		AutoReconnect:        true,
		MaxReconnectAttempts: 10,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    10 * time.Second,
		RequestTimeout:       30 * time.Second,
		Logger:               slog.Default(),
	}
}

// noProxyDialer dials WebSocket connections ignoring HTTP_PROXY.
var noProxyDialer = websocket.Dialer{
	Proxy:            nil,
	HandshakeTimeout: 45 * time.Second,
}

// SocketClient manages one long-lived bidirectional WebSocket connection:
// connect and disconnect, reconnection with jittered exponential backoff,
// heartbeat latency probing, request/response correlation by message id and
// event fan-out.
type SocketClient struct {
	cfg    SocketConfig
	logger *slog.Logger

	mu                sync.Mutex
	conn              *websocket.Conn
	state             ConnectionState
	manualClose       bool
	closed            bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	hbStop            chan struct{}

	writeMu sync.Mutex

	hbMu     sync.Mutex
	hbID     string
	hbSentAt time.Time
	latency  time.Duration

	pending   *pendingTable
	listeners *listenerTable
}

func NewSocketClient(cfg SocketConfig) *SocketClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &SocketClient{
		cfg:       cfg,
		logger:    cfg.Logger,
		state:     StateDisconnected,
		pending:   newPendingTable(),
		listeners: newListenerTable(cfg.Logger),
	}
}

// On registers a lifecycle event listener and returns its unsubscribe func.
func (c *SocketClient) On(et EventType, fn Listener) func() {
	return c.listeners.on(et, fn)
}

// OnMessage registers a listener for inbound messages of the given type and
// returns its unsubscribe func.
func (c *SocketClient) OnMessage(msgType string, fn MessageListener) func() {
	return c.listeners.onMessage(msgType, fn)
}

func (c *SocketClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Latency returns the round-trip time measured by the most recent heartbeat
// exchange, zero before the first reply.
func (c *SocketClient) Latency() time.Duration {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()

	return c.latency
}

// Connect dials the server, blocking until the channel is open or the
// attempt fails or times out. A failed attempt leaves the client in
// StateError.
func (c *SocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	if c.state == StateConnecting || c.state == StateConnected || c.state == StateReconnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	c.manualClose = false
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.dial(ctx); err != nil {
		c.setState(StateError)
		c.listeners.dispatch(Event{Type: EventError, Err: err})

		return err
	}

	return nil
}

func (c *SocketClient) dial(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	conn, _, err := noProxyDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %s", ErrConnectTimeout, c.cfg.ConnectionTimeout, err)
		}

		return fmt.Errorf("dial failed: %w", err)
	}

	hbStop := make(chan struct{})

	c.mu.Lock()

	// Disconnect may have run while the dial was in flight.
	if c.manualClose || c.closed {
		c.mu.Unlock()
		_ = conn.Close()

		return ErrConnectionClosed
	}

	c.conn = conn
	c.reconnectAttempts = 0
	c.hbStop = hbStop
	c.mu.Unlock()

	c.setState(StateConnected)
	c.listeners.dispatch(Event{Type: EventOpen})

	go c.heartbeatLoop(hbStop)
	go c.readLoop(conn)

	c.logger.Info("connected", slog.String("url", u.String()))

	return nil
}

func (c *SocketClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		msg := ParseMessage(data)
		if msg == nil {
			c.logger.Debug("dropping malformed message")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *SocketClient) handleMessage(msg *Message) {
	if c.cfg.Debug {
		c.logger.Debug("received message", "id", msg.ID, "type", msg.Type)
	}

	// A correlated reply bypasses type-based dispatch.
	if c.pending.resolve(msg) {
		return
	}

	if c.resolveHeartbeat(msg) {
		return
	}

	// A reply that arrives after its pending entry timed out lands here and
	// is dispatched as a normal message rather than silently dropped.
	c.listeners.dispatch(Event{Type: EventMessage, Message: msg})
	c.listeners.dispatchMessage(msg)
}

func (c *SocketClient) resolveHeartbeat(msg *Message) bool {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()

	if c.hbID == "" || msg.ID != c.hbID {
		return false
	}

	c.latency = time.Since(c.hbSentAt)
	c.hbID = ""

	if c.cfg.Debug {
		c.logger.Debug("heartbeat reply", "latency", c.latency)
	}

	return true
}

func (c *SocketClient) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hb := NewHeartbeat()

			c.hbMu.Lock()
			c.hbID = hb.ID
			c.hbSentAt = time.Now()
			c.hbMu.Unlock()

			// A missed heartbeat is not fatal; liveness comes from the
			// channel's own close and error signals.
			c.Send(hb)
		}
	}
}

// handleClose runs once per connection, from the read loop of the connection
// that died. A connection torn down by Disconnect is handled there instead.
func (c *SocketClient) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()

	if c.conn != conn {
		c.mu.Unlock()
		return
	}

	c.conn = nil
	c.stopHeartbeatLocked()
	manual := c.manualClose
	c.mu.Unlock()

	c.pending.failAll(ErrConnectionClosed)

	code, reason, wasClean := closeDetails(err)
	c.listeners.dispatch(Event{Type: EventClose, Code: code, Reason: reason, WasClean: wasClean})

	if manual || wasClean {
		c.setState(StateDisconnected)
		return
	}

	c.logger.Warn("connection lost", "code", code, "error", err)
	c.listeners.dispatch(Event{Type: EventError, Err: err})

	if !c.cfg.AutoReconnect {
		c.setState(StateDisconnected)
		return
	}

	c.scheduleReconnect()
}

func closeDetails(err error) (code int, reason string, wasClean bool) {
	if ce, ok := err.(*websocket.CloseError); ok {
		wasClean = ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
		return ce.Code, ce.Text, wasClean
	}

	return websocket.CloseAbnormalClosure, err.Error(), false
}

func (c *SocketClient) scheduleReconnect() {
	c.mu.Lock()

	if c.manualClose || c.closed {
		c.mu.Unlock()
		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts

	if attempt > c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.setState(StateError)
		c.listeners.dispatch(Event{Type: EventMaxReconnects, Attempts: attempt - 1, Err: ErrMaxReconnectAttempts})
		c.logger.Error("giving up on reconnection", "attempts", attempt-1)

		return
	}

	delay := reconnectDelay(attempt, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	c.mu.Unlock()

	c.setState(StateReconnecting)
	c.listeners.dispatch(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})
	c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

	c.mu.Lock()
	if !c.manualClose && !c.closed {
		c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	}
	c.mu.Unlock()
}

func (c *SocketClient) reconnect() {
	c.mu.Lock()

	c.reconnectTimer = nil

	if c.manualClose || c.closed {
		c.mu.Unlock()
		return
	}

	attempts := c.reconnectAttempts
	c.mu.Unlock()

	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectionTimeout)
	defer cancel()

	if err := c.dial(ctx); err != nil {
		c.listeners.dispatch(Event{Type: EventError, Err: err})
		c.scheduleReconnect()

		return
	}

	c.listeners.dispatch(Event{Type: EventReconnected, Attempts: attempts})
}

// Send transmits msg, reporting false without error when the channel is not
// open. Callers needing delivery confirmation use SendWithResponse.
func (c *SocketClient) Send(msg *Message) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateConnected
	c.mu.Unlock()

	if conn == nil || !open {
		return false
	}

	data, err := msg.Serialize()
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Error("write failed", "error", err)
		return false
	}

	return true
}

// SendWithResponse transmits msg and waits for the reply carrying the same
// id. It fails with ErrRequestTimeout when no reply arrives within the
// request timeout (or the context deadline, whichever is sooner) and with
// ErrConnectionClosed the moment the channel goes down.
func (c *SocketClient) SendWithResponse(ctx context.Context, msg *Message) (*Message, error) {
	pr := c.pending.add(msg.ID)

	if !c.Send(msg) {
		c.pending.remove(msg.ID)
		return nil, ErrConnectionClosed
	}

	timeout := c.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.responseCh:
		return resp, nil

	case err := <-pr.errCh:
		return nil, err

	case <-timer.C:
		c.pending.remove(msg.ID)
		return nil, ErrRequestTimeout

	case <-ctx.Done():
		c.pending.remove(msg.ID)
		return nil, ctx.Err()
	}
}

// Disconnect closes the channel cleanly. It cancels any reconnect timer,
// stops the heartbeat, rejects all pending requests and settles in
// StateDisconnected, terminal until the next Connect.
func (c *SocketClient) Disconnect() error {
	c.mu.Lock()

	c.manualClose = true
	conn := c.conn
	c.conn = nil

	timer := c.reconnectTimer
	c.reconnectTimer = nil

	c.stopHeartbeatLocked()
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")

		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = conn.Close()
	}

	c.pending.failAll(ErrConnectionClosed)

	if conn != nil {
		c.listeners.dispatch(Event{
			Type:     EventClose,
			Code:     websocket.CloseNormalClosure,
			Reason:   "client closing",
			WasClean: true,
		})
	}

	c.setState(StateDisconnected)

	return nil
}

// Close disposes the client: Disconnect plus clearing the listener tables.
// The client accepts no further Connect calls.
func (c *SocketClient) Close() error {
	err := c.Disconnect()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.listeners.reset()

	return err
}

// stopHeartbeatLocked must run with c.mu held. The heartbeat timer stops on
// every path that leaves StateConnected.
func (c *SocketClient) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *SocketClient) setState(next ConnectionState) {
	c.mu.Lock()

	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}

	c.state = next
	c.mu.Unlock()

	if c.cfg.Debug {
		c.logger.Debug("state changed", "previous", prev.String(), "current", next.String())
	}

	c.listeners.dispatch(Event{Type: EventStateChanged, Previous: prev, Current: next})
}
