package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Transport identifies which concrete channel the facade is running on.
type Transport int

const (
	TransportNone Transport = iota
	TransportSocket
	TransportPolling
)

func (t Transport) String() string {
	switch t {
	case TransportSocket:
		return "socket"
	case TransportPolling:
		return "polling"
	default:
		return "none"
	}
}

type Config struct {
	Socket                  SocketConfig
	Poll                    PollConfig
	PreferPersistentChannel bool
	EnableFallback          bool
	Logger                  *slog.Logger
}

func DefaultConfig(socketURL, pollURL, sessionID, participantID string) Config {
	return Config{
		Socket:                  DefaultSocketConfig(socketURL),
		Poll:                    DefaultPollConfig(pollURL, sessionID, participantID),
		PreferPersistentChannel: true,
		EnableFallback:          true,
		Logger:                  slog.Default(),
	}
}

// Client is the unified facade over both transports. It picks a channel at
// connect time, forwards the active channel's events verbatim under its own
// listener tables and falls back from the persistent channel to polling when
// enabled, so callers never branch on which transport is live.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	active    Channel
	transport Transport
	socket    *SocketClient
	poll      *PollClient
	detach    []func()

	listeners *listenerTable
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Socket.Logger == nil {
		cfg.Socket.Logger = cfg.Logger
	}
	if cfg.Poll.Logger == nil {
		cfg.Poll.Logger = cfg.Logger
	}

	return &Client{
		cfg:       cfg,
		logger:    cfg.Logger,
		transport: TransportNone,
		listeners: newListenerTable(cfg.Logger),
	}
}

func (c *Client) On(et EventType, fn Listener) func() {
	return c.listeners.on(et, fn)
}

func (c *Client) OnMessage(msgType string, fn MessageListener) func() {
	return c.listeners.onMessage(msgType, fn)
}

// Connect attempts the persistent channel first when preferred and
// configured; on failure it falls back to polling when fallback is enabled,
// otherwise the failure propagates.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	socketSupported := c.cfg.Socket.URL != ""
	pollSupported := c.cfg.Poll.BaseURL != ""

	if !socketSupported && !pollSupported {
		return ErrTransportUnsupported
	}

	if c.cfg.PreferPersistentChannel && socketSupported {
		socket := NewSocketClient(c.cfg.Socket)

		err := c.attach(ctx, socket, TransportSocket)
		if err == nil {
			c.mu.Lock()
			c.socket = socket
			c.mu.Unlock()

			return nil
		}

		if !c.cfg.EnableFallback {
			return fmt.Errorf("%s: %w", ErrFallbackDisabled, err)
		}

		if !pollSupported {
			return err
		}

		c.logger.Warn("persistent channel failed, falling back to polling", "error", err)
	}

	if !pollSupported {
		return ErrTransportUnsupported
	}

	poll := NewPollClient(c.cfg.Poll)

	if err := c.attach(ctx, poll, TransportPolling); err != nil {
		return err
	}

	c.mu.Lock()
	c.poll = poll
	c.mu.Unlock()

	return nil
}

// attach subscribes forwarding listeners before connecting so connect-time
// transitions reach the facade's own tables, then connects the channel.
func (c *Client) attach(ctx context.Context, ch Channel, transport Transport) error {
	detach := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		detach = append(detach, ch.On(et, c.forward))
	}

	if err := ch.Connect(ctx); err != nil {
		for _, d := range detach {
			d()
		}

		return err
	}

	c.mu.Lock()
	c.active = ch
	c.transport = transport
	c.detach = detach
	c.mu.Unlock()

	c.logger.Info("transport active", slog.String("transport", transport.String()))

	return nil
}

func (c *Client) forward(ev Event) {
	c.listeners.dispatch(ev)

	if ev.Type == EventMessage && ev.Message != nil {
		c.listeners.dispatchMessage(ev.Message)
	}
}

func (c *Client) Send(msg *Message) bool {
	if ch := c.activeChannel(); ch != nil {
		return ch.Send(msg)
	}

	return false
}

func (c *Client) SendWithResponse(ctx context.Context, msg *Message) (*Message, error) {
	if ch := c.activeChannel(); ch != nil {
		return ch.SendWithResponse(ctx, msg)
	}

	return nil, ErrConnectionClosed
}

func (c *Client) State() ConnectionState {
	if ch := c.activeChannel(); ch != nil {
		return ch.State()
	}

	return StateDisconnected
}

// ActiveTransport reports which concrete channel is live.
func (c *Client) ActiveTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transport
}

// Socket exposes the concrete persistent channel client for advanced
// callers, nil unless the socket transport is active.
func (c *Client) Socket() *SocketClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.socket
}

// Poll exposes the concrete polling channel client for advanced callers,
// nil unless the polling transport is active.
func (c *Client) Poll() *PollClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.poll
}

func (c *Client) activeChannel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

// Disconnect tears down whichever channel is active, detaches event
// forwarding and clears both channel slots.
func (c *Client) Disconnect() error {
	c.mu.Lock()

	ch := c.active
	detach := c.detach
	c.active = nil
	c.detach = nil
	c.socket = nil
	c.poll = nil
	c.transport = TransportNone

	c.mu.Unlock()

	if ch == nil {
		return nil
	}

	err := ch.Disconnect()

	for _, d := range detach {
		d()
	}

	return err
}

// Close disposes the facade and its channels.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.listeners.reset()

	return err
}
