package realtime_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netkeep80/isocubic-sub002/pkg/realtime"
)

// sessionServer is an in-test stand-in for the coordination server: it
// upgrades connections and echoes every message back, so replies carry the
// same id as the request they answer.
type sessionServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	// silent swallows inbound messages instead of echoing them.
	silent atomic.Bool
	// refuse rejects new upgrade attempts.
	refuse atomic.Bool

	connected chan struct{}
}

func newSessionServer(t *testing.T) (*sessionServer, *httptest.Server, string) {
	t.Helper()

	s := &sessionServer{
		t:         t,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		connected: make(chan struct{}, 16),
	}

	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.killAll()
		ts.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	return s, ts, wsURL
}

func (s *sessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	s.connected <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if s.silent.Load() {
			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// killAll drops every live connection without a close frame, which clients
// observe as an abnormal close.
func (s *sessionServer) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *eventRecorder) record(ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(et realtime.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ev := range r.events {
		if ev.Type == et {
			n++
		}
	}

	return n
}

func (r *eventRecorder) last(et realtime.EventType) (realtime.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == et {
			return r.events[i], true
		}
	}

	return realtime.Event{}, false
}

func recordAll(ch interface {
	On(realtime.EventType, realtime.Listener) func()
}) *eventRecorder {
	rec := &eventRecorder{}
	for _, et := range []realtime.EventType{
		realtime.EventStateChanged,
		realtime.EventOpen,
		realtime.EventClose,
		realtime.EventError,
		realtime.EventReconnecting,
		realtime.EventReconnected,
		realtime.EventMaxReconnects,
		realtime.EventMessage,
	} {
		ch.On(et, rec.record)
	}

	return rec
}

func fastSocketConfig(wsURL string) realtime.SocketConfig {
	cfg := realtime.DefaultSocketConfig(wsURL)
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.RequestTimeout = time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 5

	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal(msg)
}

func TestSocketClient_Connect(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	rec := recordAll(client)

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Equal(t, realtime.StateConnected, client.State())
	assert.Equal(t, 1, rec.count(realtime.EventOpen))

	ev, ok := rec.last(realtime.EventStateChanged)
	require.True(t, ok)
	assert.Equal(t, realtime.StateConnecting, ev.Previous)
	assert.Equal(t, realtime.StateConnected, ev.Current)
}

func TestSocketClient_ConnectRefused(t *testing.T) {
	srv, _, wsURL := newSessionServer(t)
	srv.refuse.Store(true)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	rec := recordAll(client)

	require.Error(t, client.Connect(context.Background()))
	assert.Equal(t, realtime.StateError, client.State())
	assert.Equal(t, 1, rec.count(realtime.EventError))
}

func TestSocketClient_ConnectTimeout(t *testing.T) {
	// A listener that accepts TCP but never answers the handshake.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	cfg := fastSocketConfig("ws://" + l.Addr().String())
	cfg.ConnectionTimeout = 100 * time.Millisecond
	client := realtime.NewSocketClient(cfg)

	start := time.Now()
	err = client.Connect(context.Background())

	require.ErrorIs(t, err, realtime.ErrConnectTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, realtime.StateError, client.State())
}

func TestSocketClient_SendWithResponse(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	msg, err := realtime.NewSyncAction("sess-1", "part-1", "rotate")
	require.NoError(t, err)

	reply, err := client.SendWithResponse(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, reply.ID)
	assert.Equal(t, realtime.TypeSyncAction, reply.Type)
}

func TestSocketClient_RequestTimeout(t *testing.T) {
	srv, _, wsURL := newSessionServer(t)
	srv.silent.Store(true)

	cfg := fastSocketConfig(wsURL)
	cfg.RequestTimeout = 100 * time.Millisecond
	client := realtime.NewSocketClient(cfg)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	msg, err := realtime.NewSyncAction("sess-1", "part-1", "rotate")
	require.NoError(t, err)

	start := time.Now()
	_, err = client.SendWithResponse(context.Background(), msg)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, realtime.ErrRequestTimeout)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestSocketClient_DisconnectRejectsPending(t *testing.T) {
	srv, _, wsURL := newSessionServer(t)
	srv.silent.Store(true)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))

	const n = 5
	errs := make(chan error, n)

	for range n {
		go func() {
			msg, err := realtime.NewSyncAction("sess-1", "part-1", "rotate")
			if err != nil {
				errs <- err
				return
			}

			_, err = client.SendWithResponse(context.Background(), msg)
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Disconnect())

	for range n {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, realtime.ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("pending request not rejected on disconnect")
		}
	}
}

func TestSocketClient_SendWhenNotOpen(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))

	assert.False(t, client.Send(realtime.NewHeartbeat()))

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.Send(realtime.NewHeartbeat()))

	require.NoError(t, client.Disconnect())
	assert.False(t, client.Send(realtime.NewHeartbeat()))
}

func TestSocketClient_ManualCloseDoesNotReconnect(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	rec := recordAll(client)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Disconnect())

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, realtime.StateDisconnected, client.State())
	assert.Zero(t, rec.count(realtime.EventReconnecting))

	ev, ok := rec.last(realtime.EventClose)
	require.True(t, ok)
	assert.True(t, ev.WasClean)
	assert.Equal(t, websocket.CloseNormalClosure, ev.Code)
}

func TestSocketClient_ReconnectAfterAbnormalClose(t *testing.T) {
	srv, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	rec := recordAll(client)

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	<-srv.connected
	srv.killAll()

	waitFor(t, 2*time.Second, func() bool {
		return rec.count(realtime.EventReconnected) > 0
	}, "client did not reconnect")

	assert.Equal(t, realtime.StateConnected, client.State())
	assert.GreaterOrEqual(t, rec.count(realtime.EventReconnecting), 1)

	ev, ok := rec.last(realtime.EventClose)
	require.True(t, ok)
	assert.False(t, ev.WasClean)
}

func TestSocketClient_MaxReconnects(t *testing.T) {
	srv, _, wsURL := newSessionServer(t)

	cfg := fastSocketConfig(wsURL)
	cfg.MaxReconnectAttempts = 3
	client := realtime.NewSocketClient(cfg)
	rec := recordAll(client)

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	<-srv.connected
	srv.refuse.Store(true)
	srv.killAll()

	waitFor(t, 2*time.Second, func() bool {
		return client.State() == realtime.StateError
	}, "client did not give up")

	assert.Equal(t, 1, rec.count(realtime.EventMaxReconnects))
	assert.Equal(t, 3, rec.count(realtime.EventReconnecting))

	ev, ok := rec.last(realtime.EventMaxReconnects)
	require.True(t, ok)
	assert.Equal(t, 3, ev.Attempts)
}

func TestSocketClient_ReconnectDisabled(t *testing.T) {
	srv, _, wsURL := newSessionServer(t)

	cfg := fastSocketConfig(wsURL)
	cfg.AutoReconnect = false
	client := realtime.NewSocketClient(cfg)
	rec := recordAll(client)

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	<-srv.connected
	srv.killAll()

	waitFor(t, 2*time.Second, func() bool {
		return client.State() == realtime.StateDisconnected
	}, "client did not settle in disconnected")

	assert.Zero(t, rec.count(realtime.EventReconnecting))
}

func TestSocketClient_HeartbeatLatency(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	cfg := fastSocketConfig(wsURL)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	client := realtime.NewSocketClient(cfg)

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	waitFor(t, 2*time.Second, func() bool {
		return client.Latency() > 0
	}, "no heartbeat latency recorded")

	assert.Less(t, client.Latency(), time.Second)
}

func TestSocketClient_LateReplyDispatchedAsMessage(t *testing.T) {
	srv, _, wsURL := newSessionServer(t)
	srv.silent.Store(true)

	cfg := fastSocketConfig(wsURL)
	cfg.RequestTimeout = 50 * time.Millisecond
	client := realtime.NewSocketClient(cfg)

	late := make(chan *realtime.Message, 1)
	client.OnMessage(realtime.TypeSyncAction, func(msg *realtime.Message) {
		late <- msg
	})

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	msg, err := realtime.NewSyncAction("sess-1", "part-1", "rotate")
	require.NoError(t, err)

	_, err = client.SendWithResponse(context.Background(), msg)
	require.ErrorIs(t, err, realtime.ErrRequestTimeout)

	// The reply shows up after the pending entry is gone; it must reach the
	// ordinary message listeners instead of vanishing.
	srv.silent.Store(false)
	require.True(t, client.Send(msg))

	select {
	case got := <-late:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("late reply was dropped")
	}
}

func TestSocketClient_ListenerPanicDoesNotBreakClient(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))

	var survived atomic.Bool
	client.On(realtime.EventOpen, func(realtime.Event) { panic("listener bug") })
	client.On(realtime.EventOpen, func(realtime.Event) { survived.Store(true) })

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.True(t, survived.Load())
	assert.True(t, client.Send(realtime.NewHeartbeat()))
}

func TestSocketClient_ConnectTwice(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.ErrorIs(t, client.Connect(context.Background()), realtime.ErrAlreadyConnected)
}

func TestSocketClient_CloseIsTerminal(t *testing.T) {
	_, _, wsURL := newSessionServer(t)

	client := realtime.NewSocketClient(fastSocketConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.Connect(context.Background()), realtime.ErrClientClosed)
}
