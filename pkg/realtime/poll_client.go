package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type PollConfig struct {
	BaseURL        string
	SessionID      string
	ParticipantID  string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	Debug          bool
	Logger         *slog.Logger
}

func DefaultPollConfig(baseURL, sessionID, participantID string) PollConfig {
	return PollConfig{
		BaseURL:        baseURL,
		SessionID:      sessionID,
		ParticipantID:  participantID,
		PollInterval:   2 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     5,
		Logger:         slog.Default(),
	}
}

// pollEnvelope is the body of a successful poll response. NextPollDelay, in
// milliseconds, is a server hint that replaces the configured interval from
// then on.
type pollEnvelope struct {
	Messages      []json.RawMessage `json:"messages"`
	NextPollDelay int64             `json:"nextPollDelay,omitempty"`
}

// PollClient emulates the persistent channel's event surface over plain HTTP
// request/reply calls: a recurring poll fetches messages since the last
// watermark while outbound actions and presence updates go out as discrete
// POSTs.
type PollClient struct {
	cfg    PollConfig
	logger *slog.Logger
	http   *http.Client

	mu       sync.Mutex
	state    ConnectionState
	since    time.Time
	interval time.Duration
	failures int
	stop     chan struct{}
	closed   bool

	pending   *pendingTable
	listeners *listenerTable
}

func NewPollClient(cfg PollConfig) *PollClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &PollClient{
		cfg:    cfg,
		logger: cfg.Logger,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		state:     StateDisconnected,
		interval:  cfg.PollInterval,
		pending:   newPendingTable(),
		listeners: newListenerTable(cfg.Logger),
	}
}

func (c *PollClient) On(et EventType, fn Listener) func() {
	return c.listeners.on(et, fn)
}

func (c *PollClient) OnMessage(msgType string, fn MessageListener) func() {
	return c.listeners.onMessage(msgType, fn)
}

func (c *PollClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Watermark returns the timestamp of the newest message seen, carried as the
// `since` parameter of subsequent polls. Empty before the first message.
func (c *PollClient) Watermark() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.since.IsZero() {
		return ""
	}

	return c.since.UTC().Format(time.RFC3339Nano)
}

// Interval returns the current poll interval, which starts at the configured
// value and follows server NextPollDelay hints.
func (c *PollClient) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.interval
}

// Connect performs one synchronous poll round trip to validate reachability
// before declaring the channel connected and starting the recurring poll
// timer. A failed round trip leaves the client in StateError.
func (c *PollClient) Connect(ctx context.Context) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.pollOnce(ctx); err != nil {
		c.setState(StateError)
		c.listeners.dispatch(Event{Type: EventError, Err: err})

		return fmt.Errorf("poll connect failed: %w", err)
	}

	stop := make(chan struct{})

	c.mu.Lock()
	c.failures = 0
	c.stop = stop
	c.mu.Unlock()

	c.setState(StateConnected)
	c.listeners.dispatch(Event{Type: EventOpen})

	go c.pollLoop(stop)

	c.logger.Info("polling started", slog.String("url", c.cfg.BaseURL))

	return nil
}

// pollLoop re-arms its timer only after each fetch completes, so a slow poll
// extends that tick instead of piling up overlapping requests.
func (c *PollClient) pollLoop(stop chan struct{}) {
	timer := time.NewTimer(c.Interval())
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			c.tick(stop)
			timer.Reset(c.Interval())
		}
	}
}

func (c *PollClient) tick(stop chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	err := c.pollOnce(ctx)

	select {
	case <-stop:
		return
	default:
	}

	if err == nil {
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()

		return
	}

	// A failed poll is reported but does not by itself tear down the
	// channel; only a run of MaxRetries consecutive failures does.
	c.logger.Warn("poll failed", "error", err)
	c.listeners.dispatch(Event{Type: EventError, Err: err})

	c.mu.Lock()
	c.failures++
	exhausted := c.cfg.MaxRetries > 0 && c.failures > c.cfg.MaxRetries
	if exhausted {
		c.stopLocked()
	}
	c.mu.Unlock()

	if exhausted {
		c.pending.failAll(ErrConnectionClosed)
		c.listeners.dispatch(Event{Type: EventClose, Reason: "poll retries exhausted", WasClean: false})
		c.setState(StateError)
	}
}

func (c *PollClient) pollOnce(ctx context.Context) error {
	q := url.Values{}
	q.Set("sessionId", c.cfg.SessionID)
	q.Set("participantId", c.cfg.ParticipantID)

	if since := c.Watermark(); since != "" {
		q.Set("since", since)
	}

	pollURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/poll?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var env pollEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("invalid poll response: %w", err)
	}

	for _, raw := range env.Messages {
		msg := ParseMessage(raw)
		if msg == nil {
			c.logger.Debug("dropping malformed polled message")
			continue
		}

		c.advanceWatermark(msg.Timestamp)
		c.handleMessage(msg)
	}

	if env.NextPollDelay > 0 {
		next := time.Duration(env.NextPollDelay) * time.Millisecond

		c.mu.Lock()
		changed := next != c.interval
		c.interval = next
		c.mu.Unlock()

		if changed && c.cfg.Debug {
			c.logger.Debug("server adjusted poll interval", "interval", next)
		}
	}

	return nil
}

func (c *PollClient) advanceWatermark(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.since) {
		c.since = ts
	}
	c.mu.Unlock()
}

func (c *PollClient) handleMessage(msg *Message) {
	if c.pending.resolve(msg) {
		return
	}

	c.listeners.dispatch(Event{Type: EventMessage, Message: msg})
	c.listeners.dispatchMessage(msg)
}

func (c *PollClient) endpointFor(msg *Message) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")

	if msg.Type == TypePresenceUpdate {
		return base + "/presence"
	}

	return base + "/action"
}

// Send posts msg fire-and-forget, reporting false when the channel is not
// connected. Heartbeats are swallowed: the poll loop itself is the liveness
// probe here.
func (c *PollClient) Send(msg *Message) bool {
	if c.State() != StateConnected {
		return false
	}

	if msg.Type == TypeHeartbeat {
		return true
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		if _, err := c.post(ctx, msg); err != nil {
			c.logger.Warn("send failed", "type", msg.Type, "error", err)
			c.listeners.dispatch(Event{Type: EventError, Err: err})
		}
	}()

	return true
}

// SendWithResponse posts msg and waits for the reply carrying the same id,
// which arrives either directly in the POST response body or through a later
// poll.
func (c *PollClient) SendWithResponse(ctx context.Context, msg *Message) (*Message, error) {
	if c.State() != StateConnected {
		return nil, ErrConnectionClosed
	}

	pr := c.pending.add(msg.ID)

	reply, err := c.post(ctx, msg)
	if err != nil {
		c.pending.remove(msg.ID)
		return nil, err
	}

	if reply != nil && reply.ID == msg.ID {
		c.pending.remove(msg.ID)
		return reply, nil
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

// post sends msg to its endpoint and decodes an optional reply message from
// the response body. An empty or non-message body yields a nil reply.
func (c *PollClient) post(ctx context.Context, msg *Message) (*Message, error) {
	data, err := msg.Serialize()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointFor(msg), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d", req.URL.Path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return nil, nil
	}

	return ParseMessage(body), nil
}

// Disconnect stops the poll timer, rejects all pending requests and settles
// in StateDisconnected.
func (c *PollClient) Disconnect() error {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()

	c.pending.failAll(ErrConnectionClosed)
	c.setState(StateDisconnected)

	return nil
}

// Close disposes the client: Disconnect plus clearing the listener tables.
func (c *PollClient) Close() error {
	err := c.Disconnect()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.listeners.reset()

	return err
}

// stopLocked must run with c.mu held.
func (c *PollClient) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *PollClient) setState(next ConnectionState) {
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
