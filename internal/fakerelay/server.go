// Package fakerelay is a document relay for transport tests. Sockets that
// share a path share a room; a text frame from one socket is written to the
// others in the room. The server can refuse handshakes and misbehave on
// inbound frames so reconnection paths can be driven from tests.
package fakerelay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lxzan/gws"

	"github.com/collabdoc/docsync/internal/rand"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/message"
)

type FailureType string

const (
	FailureNone FailureType = "none"
	// FailureDelay sleeps between MinDelay and MaxDelay, then relays.
	FailureDelay FailureType = "delay"
	// FailureSwallow reads the frame and relays nothing.
	FailureSwallow FailureType = "swallow"
	// FailureInvalidFrame answers with a frame no client can decode.
	FailureInvalidFrame FailureType = "invalid_frame"
	// FailureWebSocketClose sends a close frame with CloseCode.
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection closes the TCP connection without a close frame.
	FailureDropConnection FailureType = "drop_connection"
)

// FailureConfig is applied to an inbound frame with the given Probability,
// from 0 (never) to 1 (always).
type FailureConfig struct {
	Type        FailureType
	Probability float64

	MinDelay time.Duration
	MaxDelay time.Duration

	// CloseCode defaults to 1001.
	CloseCode   uint16
	CloseReason string
}

type Server struct {
	// Logger receives server-side errors. Defaults to discarding them.
	Logger logger.Logger

	addr     string
	listener net.Listener
	server   *gws.Server

	mu        sync.RWMutex
	rooms     map[string]map[*gws.Conn]*peer
	failures  []FailureConfig
	tokens    map[string]bool
	received  []message.Message
	rejectAll bool

	handshakes atomic.Int64
}

type peer struct {
	room     string
	cursorID string
	userID   message.UserID
}

// Handler receives the gws socket events of a Server.
type Handler struct {
	server *Server
}

const sessionRoom = "room"

// NewServer returns a stopped server. Pass "127.0.0.1:0" for a free port.
func NewServer(addr string) *Server {
	s := &Server{
		addr:   addr,
		rooms:  make(map[string]map[*gws.Conn]*peer),
		tokens: make(map[string]bool),
	}
	s.server = gws.NewServer(&Handler{server: s}, &gws.ServerOption{
		Authorize: s.authorize,
	})
	s.server.OnError = func(_ net.Conn, err error) {
		if !isClosedError(err) {
			s.log().Warn("fakerelay.Server connection error", "error", err)
		}
	}
	return s
}

func (s *Server) log() logger.Logger {
	return logger.OrDiscard(s.Logger)
}

// AllowToken limits handshakes to the given tokens. Until it is called any
// token is accepted.
func (s *Server) AllowToken(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		s.tokens[t] = true
	}
}

// RejectHandshakes refuses every handshake while reject is true.
func (s *Server) RejectHandshakes(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

func (s *Server) SetFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = failures
}

// Handshakes counts upgrade requests, refused ones included.
func (s *Server) Handshakes() int {
	return int(s.handshakes.Load())
}

// Received lists the decodable frames relayed so far, oldest first.
func (s *Server) Received() []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]message.Message(nil), s.received...)
}

// Peers is the number of sockets open on path.
func (s *Server) Peers(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[path])
}

func (s *Server) sockets(keep func(room string) bool) []*gws.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gws.Conn
	for room, conns := range s.rooms {
		if !keep(room) {
			continue
		}
		for conn := range conns {
			out = append(out, conn)
		}
	}
	return out
}

// DropAll cuts the TCP connection of every socket, as a network failure
// would.
func (s *Server) DropAll() {
	for _, conn := range s.sockets(func(string) bool { return true }) {
		_ = conn.NetConn().Close()
	}
}

// Broadcast writes data to every socket on path.
func (s *Server) Broadcast(path string, data []byte) {
	for _, conn := range s.sockets(func(room string) bool { return room == path }) {
		if err := conn.WriteMessage(gws.OpcodeText, data); err != nil {
			s.log().Debug("fakerelay.Server failed to broadcast", "path", path, "error", err)
		}
	}
}

func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil && !isClosedError(err) {
			s.log().Error("fakerelay.Server stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and drops every socket.
func (s *Server) Stop() error {
	s.DropAll()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Address is the bound host:port once started.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL is the ws:// base URL to hand to connection.DocumentURL.
func (s *Server) URL() string {
	return "ws://" + s.Address()
}

func (s *Server) authorize(r *http.Request, session gws.SessionStorage) bool {
	s.handshakes.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.rejectAll:
		return false
	case !strings.HasPrefix(r.URL.Path, "/ws/documents/"):
		return false
	case len(s.tokens) > 0 && !s.tokens[r.URL.Query().Get("token")]:
		return false
	}
	session.Store(sessionRoom, r.URL.Path)
	return true
}

func (h *Handler) OnOpen(socket *gws.Conn) {
	v, _ := socket.Session().Load(sessionRoom)
	room, _ := v.(string)

	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	if h.server.rooms[room] == nil {
		h.server.rooms[room] = make(map[*gws.Conn]*peer)
	}
	h.server.rooms[room][socket] = &peer{room: room}
}

// OnClose announces the departure of a socket that had introduced itself.
func (h *Handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	var left *peer
	for room, conns := range h.server.rooms {
		if p, ok := conns[socket]; ok {
			left = p
			delete(conns, socket)
			if len(conns) == 0 {
				delete(h.server.rooms, room)
			}
		}
	}
	h.server.mu.Unlock()

	if left == nil || left.cursorID == "" {
		return
	}
	data, err := message.Encode(&message.CursorDisconnected{CursorID: left.cursorID, UserID: left.userID})
	if err != nil {
		h.server.log().Error("BUG: fakerelay.Server failed to encode cursor_disconnected", "error", err)
		return
	}
	h.server.Broadcast(left.room, data)
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *Handler) OnPong(*gws.Conn, []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, msg *gws.Message) {
	defer msg.Close()

	h.server.mu.RLock()
	failures := h.server.failures
	h.server.mu.RUnlock()

	for _, failure := range failures {
		if triggered(failure.Probability) && !h.inject(socket, failure) {
			return
		}
	}

	data := append([]byte(nil), msg.Bytes()...)
	decoded, err := message.Decode(data)
	if err != nil {
		// Relayed anyway; receivers drop what they cannot decode.
		h.server.log().Debug("fakerelay.Server relaying an undecodable frame", "error", err)
	}

	h.server.mu.Lock()
	var others []*gws.Conn
	for _, conns := range h.server.rooms {
		p, ok := conns[socket]
		if !ok {
			continue
		}
		if c, ok := decoded.(*message.CursorConnect); ok {
			p.cursorID = c.CursorID
			p.userID = c.UserID
		}
		for conn := range conns {
			if conn != socket {
				others = append(others, conn)
			}
		}
	}
	if decoded != nil {
		h.server.received = append(h.server.received, decoded)
	}
	h.server.mu.Unlock()

	for _, conn := range others {
		_ = conn.WriteMessage(gws.OpcodeText, data)
	}
}

// inject applies failure and reports whether the frame should still be
// relayed.
func (h *Handler) inject(socket *gws.Conn, failure FailureConfig) bool {
	switch failure.Type {
	case FailureDelay:
		time.Sleep(between(failure.MinDelay, failure.MaxDelay))
		return true

	case FailureSwallow:
		return false

	case FailureInvalidFrame:
		_ = socket.WriteMessage(gws.OpcodeText, []byte(`{"type":"not_a_message"}`))
		return false

	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1001
		}
		socket.WriteClose(code, []byte(failure.CloseReason))
		return false

	case FailureDropConnection:
		_ = socket.NetConn().Close()
		return false
	}
	return true
}

const probabilityScale = 1 << 20

func triggered(probability float64) bool {
	switch {
	case probability <= 0:
		return false
	case probability >= 1:
		return true
	}
	return rand.IntN(probabilityScale) < int(probability*probabilityScale)
}

func between(lo, hi time.Duration) time.Duration {
	if lo >= hi {
		return lo
	}
	return lo + time.Duration(rand.IntN(int(hi-lo)))
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
