package realtime

import "errors"

var (
	ErrConnectionClosed     = errors.New("connection closed")
	ErrConnectTimeout       = errors.New("connect timeout")
	ErrRequestTimeout       = errors.New("request timeout")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrClientClosed         = errors.New("client closed")
	ErrTransportUnsupported = errors.New("no supported transport configured")
	ErrFallbackDisabled     = errors.New("fallback disabled")
	ErrInvalidMessage       = errors.New("invalid message")
)
