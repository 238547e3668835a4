package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/collabdoc/docsync/pkg/auth"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/message"
	"github.com/collabdoc/docsync/pkg/models"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client is one socket on a hub.
type client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	creds auth.Credentials

	mu       sync.Mutex
	announce *message.CursorConnect
}

func (c *client) cursorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.announce == nil {
		return ""
	}
	return c.announce.CursorID
}

func (c *client) setAnnounce(m *message.CursorConnect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announce = m
}

func (c *client) writeLoop(done chan<- struct{}) {
	defer close(done)
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Drain so the hub never blocks on a dead socket.
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (a *App) handleSocket(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseDocumentID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid document ID")
		return
	}

	creds, err := a.authenticate(r.URL.Query().Get("token"))
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	if _, err := a.store.GetDocument(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("relay failed to upgrade", "document_id", id, "error", err)
		return
	}

	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		creds: creds,
	}
	a.logger.Info("relay socket opened", "document_id", id, "connection_id", c.id, "user_id", creds.UserID)

	h := a.acquireHub(id)
	h.join <- c

	written := make(chan struct{})
	go c.writeLoop(written)

	a.readLoop(h, c)

	h.leave <- c
	if cursorID := c.cursorID(); cursorID != "" {
		a.broadcastMessage(h, c, &message.CursorDisconnected{
			CursorID: cursorID,
			UserID:   message.UserID(creds.UserID),
		})
	}
	a.releaseHub(h)

	close(c.send)
	<-written
	_ = conn.Close()
	a.logger.Info("relay socket closed", "document_id", id, "connection_id", c.id)
}

func (a *App) readLoop(h *hub, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				a.logger.Debug("relay read failed", "connection_id", c.id, "error", err)
			}
			return
		}

		msg, err := message.Decode(data)
		if err != nil {
			a.logger.Warn("relay rejected a frame", "connection_id", c.id, "error", err)
			continue
		}

		if connect, ok := msg.(*message.CursorConnect); ok {
			c.setAnnounce(connect)
			a.broadcastMessage(h, c, &message.CursorConnected{
				CursorID: connect.CursorID,
				UserID:   connect.UserID,
				Username: connect.Username,
				Color:    connect.Color,
			})
			continue
		}

		h.relay(c, data)
	}
}

func (a *App) broadcastMessage(h *hub, from *client, msg message.Message) {
	data, err := message.Encode(msg)
	if err != nil {
		a.logger.Error("relay failed to encode", "type", msg.Kind(), "error", err)
		return
	}
	h.relay(from, data)
}

// authenticate resolves token into credentials. Without a secret any token,
// including none, is accepted and read without verification.
func (a *App) authenticate(token string) (auth.Credentials, error) {
	if len(a.config.Secret) == 0 {
		if token == "" {
			return auth.Credentials{}, nil
		}
		creds, err := auth.ParseToken(token)
		if err != nil {
			return auth.Credentials{Token: token}, nil
		}
		return creds, nil
	}
	if token == "" {
		return auth.Credentials{}, constants.ErrForbidden
	}
	return auth.VerifyToken(token, a.config.Secret)
}
