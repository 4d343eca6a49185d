package streaming

import (
	"context"
	"net/http"
)

// Connection is a bidirectional message socket to the service.
type Connection interface {
	SendBinary(data []byte) error
	SendText(text string) error
	IsOpen() bool
	Close() error
}

// ConnectionHandler receives inbound socket events.
// Transport errors are informational; they never close the session by themselves.
type ConnectionHandler interface {
	OnEstablished(conn Connection)
	OnBinaryMessage(conn Connection, data []byte)
	OnTextMessage(conn Connection, data []byte)
	OnTransportError(conn Connection, err error)
}

// Dialer opens connections. Dial returns once the handshake has completed or failed.
type Dialer interface {
	Dial(ctx context.Context, target string, header http.Header, handler ConnectionHandler) (Connection, error)
}
