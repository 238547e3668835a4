// Package gws implements connection.WebSocketConnection on lxzan/gws.
package gws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/collabdoc/docsync/pkg/connection"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
)

type Connection struct {
	config connection.Config
	logger logger.Logger

	conn     *gws.Conn
	connLock sync.Mutex

	connCloseCh    chan struct{}
	connCloseOnce  sync.Once
	connCloseError error
	closed         bool
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

type websocketHandler struct {
	conn *Connection
}

func (h *websocketHandler) OnOpen(socket *gws.Conn) {
	h.conn.logger.Debug("gws.Connection opened", "url", h.conn.config.URL)
}

func (h *websocketHandler) OnClose(socket *gws.Conn, err error) {
	if err != nil {
		err = fmt.Errorf("%w: %v", constants.ErrConnectionClosed, err)
	} else {
		err = constants.ErrConnectionClosed
	}
	h.conn.closeWithError(err)
}

func (h *websocketHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	if h.conn.config.OnMessage != nil {
		// message.Bytes is only valid until Close.
		data := append([]byte(nil), message.Bytes()...)
		h.conn.config.OnMessage(data)
	}
}

func (h *websocketHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *websocketHandler) OnPong(socket *gws.Conn, payload []byte) {}

// Connect dials the configured URL. Only the ctx deadline is honoured, as
// the handshake timeout.
func (c *Connection) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	option := &gws.ClientOption{
		Addr:          c.config.URL,
		RequestHeader: c.config.Header,
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: true,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		option.HandshakeTimeout = time.Until(deadline)
	}

	conn, _, err := gws.NewClient(&websocketHandler{conn: c}, option)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()

	go conn.ReadLoop()

	return nil
}

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

	if c.conn == nil {
		return constants.ErrNotOpen
	}
	return c.conn.WriteMessage(gws.OpcodeText, data)
}

// Close writes a normal closure frame and closes the network connection.
// A socket the peer already closed is released without a close frame.
func (c *Connection) Close(ctx context.Context) error {
	initiated := c.closeWithError(nil)

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return nil
	}

	if initiated {
		c.conn.WriteClose(constants.CloseMessageCode, nil)
	}

	err := c.conn.NetConn().Close()
	c.conn = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Connection) IsClosed() bool {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.closed
}

func (c *Connection) Done() <-chan struct{} {
	return c.connCloseCh
}

func (c *Connection) Err() error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.connCloseError
}

// closeWithError records the first close reason and reports whether this
// call closed the connection. It must not be called with connLock held.
func (c *Connection) closeWithError(err error) bool {
	c.connLock.Lock()
	if c.closed {
		c.connLock.Unlock()
		return false
	}
	c.closed = true
	c.connCloseError = err
	c.connLock.Unlock()

	c.connCloseOnce.Do(func() { close(c.connCloseCh) })
	return true
}
