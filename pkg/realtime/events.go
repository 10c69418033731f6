package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a channel lifecycle event.
type EventType int

const (
	EventStateChanged EventType = iota
	EventOpen
	EventClose
	EventError
	EventReconnecting
	EventReconnected
	EventMaxReconnects
	EventMessage
)

var eventTypes = []EventType{
	EventStateChanged,
	EventOpen,
	EventClose,
	EventError,
	EventReconnecting,
	EventReconnected,
	EventMaxReconnects,
	EventMessage,
}

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventMaxReconnects:
		return "max_reconnects"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event carries the payload of a lifecycle event. Only the fields relevant
// to the event's Type are populated.
type Event struct {
	Type EventType

	// EventStateChanged
	Previous ConnectionState
	Current  ConnectionState

	// EventClose
	Code     int
	Reason   string
	WasClean bool

	// EventError
	Err error

	// EventReconnecting
	Attempt int
	Delay   time.Duration

	// EventReconnected, EventMaxReconnects
	Attempts int

	// EventMessage
	Message *Message
}

type Listener func(Event)

type MessageListener func(*Message)

type eventEntry struct {
	id uint64
	fn Listener
}

type messageEntry struct {
	id uint64
	fn MessageListener
}

// listenerTable holds two independent registries: one keyed by event type
// and one keyed by message type. Dispatch is synchronous in registration
// order; a panicking listener is recovered and logged so it never blocks
// sibling listeners or later client operation.
type listenerTable struct {
	mu       sync.Mutex
	nextID   uint64
	events   map[EventType][]eventEntry
	messages map[string][]messageEntry
	logger   *slog.Logger
}

func newListenerTable(logger *slog.Logger) *listenerTable {
	if logger == nil {
		logger = slog.Default()
	}

	return &listenerTable{
		events:   make(map[EventType][]eventEntry),
		messages: make(map[string][]messageEntry),
		logger:   logger,
	}
}

// on registers fn for events of type et and returns its unsubscribe func.
func (t *listenerTable) on(et EventType, fn Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.events[et] = append(t.events[et], eventEntry{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		entries := t.events[et]
		for i, e := range entries {
			if e.id == id {
				t.events[et] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// onMessage registers fn for inbound messages of the given type and returns
// its unsubscribe func.
func (t *listenerTable) onMessage(msgType string, fn MessageListener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.messages[msgType] = append(t.messages[msgType], messageEntry{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		entries := t.messages[msgType]
		for i, e := range entries {
			if e.id == id {
				t.messages[msgType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (t *listenerTable) dispatch(ev Event) {
	t.mu.Lock()
	entries := make([]eventEntry, len(t.events[ev.Type]))
	copy(entries, t.events[ev.Type])
	t.mu.Unlock()

	for _, e := range entries {
		t.call(ev.Type.String(), func() { e.fn(ev) })
	}
}

func (t *listenerTable) dispatchMessage(msg *Message) {
	t.mu.Lock()
	entries := make([]messageEntry, len(t.messages[msg.Type]))
	copy(entries, t.messages[msg.Type])
	t.mu.Unlock()

	for _, e := range entries {
		t.call(msg.Type, func() { e.fn(msg) })
	}
}

func (t *listenerTable) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("listener panic", "event", name, "panic", r)
		}
	}()

	fn()
}

func (t *listenerTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = make(map[EventType][]eventEntry)
	t.messages = make(map[string][]messageEntry)
}
