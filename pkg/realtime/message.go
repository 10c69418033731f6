package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Canonical message types. Server-pushed types outside this set flow through
// the dispatch tables unmodified.
const (
	TypeJoinSession    = "join_session"
	TypeLeaveSession   = "leave_session"
	TypeSyncAction     = "sync_action"
	TypeFullSync       = "full_sync"
	TypePresenceUpdate = "presence_update"
	TypeHeartbeat      = "heartbeat"
)

// Message is the wire unit of the session protocol. ID is unique per sending
// client for the connection's lifetime and is the sole correlation key
// between a request and its reply.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// GenerateID returns a process-unique message id in a stable 26-character
// ULID format.
func GenerateID() string {
	return ulid.Make().String()
}

// ParseMessage decodes raw bytes into a Message. It fails closed: malformed
// JSON or a missing id, type or timestamp yields nil, never a panic or an
// error. Callers must drop nil results.
func ParseMessage(raw []byte) *Message {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	if msg.ID == "" || msg.Type == "" || msg.Timestamp.IsZero() {
		return nil
	}

	return &msg
}

// Serialize is the exact inverse of ParseMessage for well-formed messages.
func (m *Message) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalPayload decodes the payload into v.
func (m *Message) UnmarshalPayload(v any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func newMessage(msgType string, payload map[string]any) *Message {
	return &Message{
		ID:        GenerateID(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func NewJoinSession(sessionCode, participantName string) (*Message, error) {
	if sessionCode == "" || participantName == "" {
		return nil, fmt.Errorf("%w: join_session requires sessionCode and participantName", ErrInvalidMessage)
	}

	return newMessage(TypeJoinSession, map[string]any{
		"sessionCode":     sessionCode,
		"participantName": participantName,
	}), nil
}

func NewLeaveSession(sessionID, participantID string) (*Message, error) {
	if sessionID == "" || participantID == "" {
		return nil, fmt.Errorf("%w: leave_session requires sessionId and participantId", ErrInvalidMessage)
	}

	return newMessage(TypeLeaveSession, map[string]any{
		"sessionId":     sessionID,
		"participantId": participantID,
	}), nil
}

func NewSyncAction(sessionID, participantID string, action any) (*Message, error) {
	if sessionID == "" || participantID == "" || action == nil {
		return nil, fmt.Errorf("%w: sync_action requires sessionId, participantId and an action", ErrInvalidMessage)
	}

	return newMessage(TypeSyncAction, map[string]any{
		"sessionId":     sessionID,
		"participantId": participantID,
		"action":        action,
	}), nil
}

func NewFullSync(sessionID string, state any) (*Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: full_sync requires sessionId", ErrInvalidMessage)
	}

	return newMessage(TypeFullSync, map[string]any{
		"sessionId": sessionID,
		"state":     state,
	}), nil
}

func NewPresenceUpdate(sessionID, participantID string, presence any) (*Message, error) {
	if sessionID == "" || participantID == "" {
		return nil, fmt.Errorf("%w: presence_update requires sessionId and participantId", ErrInvalidMessage)
	}

	return newMessage(TypePresenceUpdate, map[string]any{
		"sessionId":     sessionID,
		"participantId": participantID,
		"presence":      presence,
	}), nil
}

func NewHeartbeat() *Message {
	return newMessage(TypeHeartbeat, nil)
}
