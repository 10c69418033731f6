// Package realtime is the resilient transport core for collaborative
// sessions coordinated through a server. It delivers ordered messages over
// one of two concrete transports behind a single interface:
//   - a persistent full-duplex WebSocket channel with automatic reconnection
//     (jittered exponential backoff), heartbeat latency probing and
//     request/response correlation by message id
//   - a fallback polling channel emulating the same event surface over
//     periodic HTTP request/reply calls
//
// # Unified client
//
//	cfg := realtime.DefaultConfig("wss://host/session", "https://host/api", sessionID, participantID)
//	client := realtime.NewClient(cfg)
//
//	client.On(realtime.EventStateChanged, func(ev realtime.Event) {
//	    log.Printf("%s -> %s", ev.Previous, ev.Current)
//	})
//	client.OnMessage(realtime.TypeSyncAction, func(msg *realtime.Message) {
//	    // apply remote action
//	})
//
//	if err := client.Connect(ctx); err != nil {
//	    // neither transport reachable
//	}
//	defer client.Close()
//
//	join, _ := realtime.NewJoinSession("ABC123", "Alice")
//	reply, err := client.SendWithResponse(ctx, join)
//
// The facade tries the persistent channel first when preferred and falls
// back to polling when fallback is enabled; ActiveTransport reports which
// channel is live.
//
// # Direct channel use
//
//	sc := realtime.NewSocketClient(realtime.DefaultSocketConfig("wss://host/session"))
//	if err := sc.Connect(ctx); err != nil { ... }
//	sc.Send(msg)                       // best effort, false when not open
//	sc.SendWithResponse(ctx, msg)      // correlated by msg.ID
//
// # Wire protocol
//
// Messages are JSON objects {id, type, timestamp, payload}. The id is a ULID
// unique per sending client and is the sole correlation key between a
// request and its reply. Malformed inbound messages are dropped, never
// surfaced as errors.
package realtime
