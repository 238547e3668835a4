// Package gorillaws implements connection.WebSocketConnection on
// gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/collabdoc/docsync/pkg/connection"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
)

// DefaultDialer is the gorilla dialer used by Connection. It is the gorilla
// default with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  constants.ConnectTimeout,
	EnableCompression: true,
}

type Connection struct {
	config connection.Config

	Conn *gorilla.Conn
	// connLock serialises writes and guards Conn. It is not held while
	// dialing.
	connLock sync.Mutex

	logger logger.Logger

	// connCloseCh is closed when the read loop stops or Close is called.
	connCloseCh    chan struct{}
	connCloseOnce  sync.Once
	connCloseError error

	// closed is set once and never cleared. To reconnect, create a new
	// Connection.
	closed   bool
	closedMu sync.Mutex
}

var _ connection.WebSocketConnection = (*Connection)(nil)

func New(cfg *connection.Config) *Connection {
	return &Connection{
		config:      *cfg,
		logger:      logger.OrDiscard(cfg.Logger),
		connCloseCh: make(chan struct{}),
	}
}

// Dial is a connection.Dialer for this transport.
func Dial(cfg *connection.Config) connection.WebSocketConnection {
	return New(cfg)
}

// IsClosed reports whether the socket is gone, so the owner can reconnect.
func (c *Connection) IsClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *Connection) Done() <-chan struct{} {
	return c.connCloseCh
}

func (c *Connection) Err() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.connCloseError
}

// Connect dials the configured URL. ctx bounds the handshake only.
func (c *Connection) Connect(ctx context.Context) error {
	conn, res, err := DefaultDialer.DialContext(ctx, c.config.URL, c.config.Header)
	if err != nil {
		if res != nil {
			return fmt.Errorf("websocket handshake failed with status %d: %w", res.StatusCode, err)
		}
		return err
	}
	defer res.Body.Close()

	c.connLock.Lock()
	c.Conn = conn
	c.connLock.Unlock()

	go c.readLoop(conn)

	return nil
}

// Send writes a text frame. It fails fast once the socket is closed.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.connCloseCh:
		if err := c.Err(); err != nil {
			return err
		}
		return constants.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.Conn == nil {
		return constants.ErrNotOpen
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.Conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() {
			_ = c.Conn.SetWriteDeadline(time.Time{})
		}()
	}

	err := c.Conn.WriteMessage(gorilla.TextMessage, data)
	if errors.Is(err, gorilla.ErrCloseSent) {
		c.closeWithError(err)
	}
	return err
}

// Close closes the WebSocket connection and stops listening for incoming messages.
//
// The context bounds the close frame write. The underlying connection is
// closed even if that write fails or the context expires first. A socket the
// peer already closed is released without writing a close frame.
func (c *Connection) Close(ctx context.Context) error {
	initiated := c.closeWithError(nil)

	c.connLock.Lock()
	defer c.connLock.Unlock()

	conn := c.Conn
	c.Conn = nil
	if conn == nil {
		return nil
	}
	if !initiated {
		_ = conn.Close()
		return nil
	}

	writeErr := make(chan error, 1)

	go func() {
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetWriteDeadline(deadline); err != nil {
				writeErr <- fmt.Errorf("BUG: gorillaws.Connection.Close: failed to set write deadline: %w", err)
				return
			}
		}

		writeErr <- conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.logger.Warn("gorillaws.Connection failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	return conn.Close()
}

// closeWithError records the first close reason and reports whether this
// call was the one that closed the connection.
func (c *Connection) closeWithError(err error) bool {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return false
	}
	c.closed = true
	c.connCloseError = err
	c.closedMu.Unlock()

	c.connCloseOnce.Do(func() { close(c.connCloseCh) })
	return true
}

func (c *Connection) readLoop(conn *gorilla.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.closeWithError(c.classify(err))
			return
		}
		if c.config.OnMessage != nil {
			c.config.OnMessage(data)
		}
	}
}

// classify maps a read error to the reason reported by Err. A local Close
// has already recorded a nil reason, so the value is ignored in that case.
func (c *Connection) classify(err error) error {
	var ce *gorilla.CloseError
	switch {
	case errors.As(err, &ce):
		c.logger.Debug("gorillaws.Connection closed by peer", "code", ce.Code, "text", ce.Text)
		return fmt.Errorf("%w: closed by peer with code %d", constants.ErrConnectionClosed, ce.Code)
	case errors.Is(err, net.ErrClosed):
		return net.ErrClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return io.ErrClosedPipe
	default:
		c.logger.Error("gorillaws.Connection read failed", "error", err)
		return err
	}
}
