// Package connection defines the duplex socket a document view talks through
// and the transports that implement it.
package connection

import (
	"context"
	"net/http"

	"github.com/collabdoc/docsync/pkg/logger"
)

// WebSocketConnection is one physical socket. A connection is single use:
// once closed, a new one must be created to reconnect.
type WebSocketConnection interface {
	// Connect performs the handshake and starts delivering inbound frames
	// to Config.OnMessage.
	Connect(ctx context.Context) error

	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error

	// Close sends a normal-closure frame and releases the socket.
	Close(ctx context.Context) error

	// IsClosed reports whether the socket has been closed by either side.
	IsClosed() bool

	// Done is closed when the socket stops reading, for any reason.
	Done() <-chan struct{}

	// Err returns the reason the socket stopped, or nil while it is open or
	// after a clean local Close.
	Err() error
}

// Config is shared by every transport.
type Config struct {
	// URL is the full socket address, including the token query parameter.
	URL string

	Header http.Header

	// OnMessage receives every inbound frame in order, on the transport's
	// read goroutine.
	OnMessage func(data []byte)

	Logger logger.Logger
}

// Dialer builds a new unconnected transport for cfg.
type Dialer func(cfg *Config) WebSocketConnection
