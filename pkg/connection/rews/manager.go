package rews

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/collabdoc/docsync/pkg/auth"
	"github.com/collabdoc/docsync/pkg/connection"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/models"
)

// Handlers are the per-document callbacks of a connection.
type Handlers struct {
	OnMessage func(data []byte)
	OnEvent   func(Event)
}

// Manager opens one Connection per document against a base URL and tracks
// them so they can be closed together.
type Manager struct {
	BaseURL string

	// Dialer, NewRetryer, ConnectTimeout, and After are copied into every
	// Connection. Zero values select the Connection defaults.
	Dialer         connection.Dialer
	NewRetryer     func() Retryer
	ConnectTimeout time.Duration
	After          func(d time.Duration) <-chan time.Time

	Logger logger.Logger

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

func NewManager(baseURL string, log logger.Logger) *Manager {
	return &Manager{
		BaseURL: baseURL,
		Logger:  log,
	}
}

// Open starts connecting to the socket of document id. It returns as soon as
// the handle exists; the handshake happens in the background.
func (m *Manager) Open(ctx context.Context, id models.DocumentID, creds auth.Credentials, h Handlers) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url, err := connection.DocumentURL(m.BaseURL, id, creds.Token)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		URL:            url,
		Dialer:         m.Dialer,
		ConnectTimeout: m.ConnectTimeout,
		OnMessage:      h.OnMessage,
		OnEvent:        h.OnEvent,
		Logger:         m.Logger,
		After:          m.After,
	}
	if m.NewRetryer != nil {
		cfg.Retryer = m.NewRetryer()
	}

	conn := New(cfg)
	conn.release = m.forget

	m.mu.Lock()
	if m.conns == nil {
		m.conns = make(map[*Connection]struct{})
	}
	m.conns[conn] = struct{}{}
	m.mu.Unlock()

	conn.Start()

	return conn, nil
}

func (m *Manager) Send(conn *Connection, data []byte) bool {
	return conn.Send(data)
}

func (m *Manager) Close(ctx context.Context, conn *Connection) error {
	return conn.Close(ctx)
}

// CloseAll closes every connection opened by m that is still open.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(ctx); err != nil && !errors.Is(err, constants.ErrAlreadyClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of connections not yet closed.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) forget(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn)
}
