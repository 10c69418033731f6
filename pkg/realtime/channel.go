package realtime

import "context"

// Channel is the uniform surface over both concrete transports. The facade
// selects an implementation at connect time; callers never branch on which
// one is live.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Close() error
	Send(msg *Message) bool
	SendWithResponse(ctx context.Context, msg *Message) (*Message, error)
	State() ConnectionState
	On(et EventType, fn Listener) func()
	OnMessage(msgType string, fn MessageListener) func()
}

var (
	_ Channel = (*SocketClient)(nil)
	_ Channel = (*PollClient)(nil)
)
