package rews

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabdoc/docsync/pkg/connection"
)

var errRefused = errors.New("connection refused")

// mockConnection implements a scripted WebSocketConnection for testing
type mockConnection struct {
	connectErr  error
	connectFunc func(ctx context.Context) error

	mu     sync.Mutex
	sent   [][]byte
	err    error
	doneCh chan struct{}
	once   sync.Once

	closeCalls atomic.Int32
}

func newMockConnection() *mockConnection {
	return &mockConnection{doneCh: make(chan struct{})}
}

func (m *mockConnection) Connect(ctx context.Context) error {
	if m.connectFunc != nil {
		return m.connectFunc(ctx)
	}
	return m.connectErr
}

func (m *mockConnection) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isDone() {
		return errors.New("closed")
	}
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConnection) Close(ctx context.Context) error {
	m.closeCalls.Add(1)
	m.drop(nil)
	return nil
}

// drop simulates the peer or network closing the socket.
func (m *mockConnection) drop(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.doneCh)
	})
}

func (m *mockConnection) isDone() bool {
	select {
	case <-m.doneCh:
		return true
	default:
		return false
	}
}

func (m *mockConnection) IsClosed() bool {
	return m.isDone()
}

func (m *mockConnection) Done() <-chan struct{} { return m.doneCh }

func (m *mockConnection) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockConnection) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

// mockDialer hands out connections built by next and records them.
type mockDialer struct {
	mu    sync.Mutex
	conns []*mockConnection
	urls  []string
	next  func(n int) *mockConnection
}

func (d *mockDialer) Dial(cfg *connection.Config) connection.WebSocketConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := d.next(len(d.conns))
	d.conns = append(d.conns, conn)
	d.urls = append(d.urls, cfg.URL)
	return conn
}

func (d *mockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *mockDialer) Conn(i int) *mockConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// instantTimer records requested delays and fires immediately.
type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *instantTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *instantTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

// eventLog collects lifecycle events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) Kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
