// Package rews provides the reconnecting document socket.
//
// A Connection owns one logical socket for one open document. It connects in
// the background, reconnects with capped exponential backoff when the socket
// drops, and gives up after the Retryer says so. A later Send restarts the
// cycle. Close is terminal and never triggers a reconnect.
package rews

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/collabdoc/docsync/pkg/connection"
	"github.com/collabdoc/docsync/pkg/connection/gorillaws"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/message"
)

type State int

const (
	StateUnknown State = iota
	StateConnecting
	StateOpen
	// StateDisconnected covers both the wait between attempts and the
	// offline state after giving up.
	StateDisconnected
	StateClosing
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateUnknown:
		return "Unknown"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateDisconnected:
		return "Disconnected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (state State) validateTransitionTo(newState State) error {
	switch state {
	case StateUnknown:
		switch newState {
		case StateConnecting, StateClosing:
			return nil
		}
	case StateConnecting:
		switch newState {
		case StateOpen, StateDisconnected, StateClosing:
			return nil
		}
	case StateOpen:
		switch newState {
		case StateDisconnected, StateClosing:
			return nil
		}
	case StateDisconnected:
		switch newState {
		case StateConnecting, StateClosing:
			return nil
		}
	case StateClosing:
		if newState == StateClosed {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", state, newState)
}

type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event is a lifecycle notification. Attempt is the number of retries made
// so far in the current cycle.
type Event struct {
	Kind    EventKind
	Attempt int
	Err     error
}

type Config struct {
	URL    string
	Header http.Header

	// Dialer creates the transport for each attempt. Defaults to gorillaws.
	Dialer connection.Dialer

	// Retryer decides the delay before each retry. Defaults to
	// NewExponentialBackoffRetryer.
	Retryer Retryer

	// ConnectTimeout bounds a single attempt.
	ConnectTimeout time.Duration

	// OnMessage receives inbound frames in order.
	OnMessage func(data []byte)

	// OnEvent receives lifecycle events on the connection goroutine.
	OnEvent func(Event)

	Logger logger.Logger

	// After returns a channel that fires after d. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time
}

type Connection struct {
	config Config
	logger logger.Logger

	// stateMu guards every field below.
	stateMu sync.Mutex
	state   State
	ws      connection.WebSocketConnection
	attempt int

	// running is true while a connect loop goroutine is alive.
	running    bool
	loopDone   chan struct{}
	cancelLoop context.CancelFunc

	// release is called once the connection is closed.
	release func(*Connection)
}

// New returns an unstarted connection. Call Start to begin connecting.
func New(cfg Config) *Connection {
	if cfg.Dialer == nil {
		cfg.Dialer = gorillaws.Dial
	}
	if cfg.Retryer == nil {
		cfg.Retryer = NewExponentialBackoffRetryer()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.ConnectTimeout
	}
	if cfg.After == nil {
		cfg.After = time.After
	}

	return &Connection{
		config: cfg,
		logger: logger.OrDiscard(cfg.Logger),
		state:  StateUnknown,
	}
}

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// Attempt returns the number of retries made in the current cycle.
func (c *Connection) Attempt() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.attempt
}

// Start begins connecting in the background. It is a no-op once started.
func (c *Connection) Start() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != StateUnknown || c.running {
		return
	}
	c.startLocked()
}

func (c *Connection) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelLoop = cancel
	c.loopDone = make(chan struct{})
	c.running = true
	c.attempt = 0
	c.config.Retryer.Reset()

	go c.run(ctx, c.loopDone)
}

// Send writes one frame. Frames sent while the socket is not open are
// dropped, never queued. A send while offline after giving up restarts the
// reconnect cycle; that frame is still dropped.
func (c *Connection) Send(data []byte) bool {
	c.stateMu.Lock()
	switch c.state {
	case StateOpen:
		ws := c.ws
		c.stateMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		defer cancel()
		if err := ws.Send(ctx, data); err != nil {
			c.logger.Debug("rews.Connection dropped a frame", "error", err)
			return false
		}
		return true

	case StateDisconnected:
		if !c.running {
			c.logger.Info("rews.Connection is restarting the reconnect cycle")
			c.startLocked()
		}
	}
	c.stateMu.Unlock()
	return false
}

// SendMessage encodes msg and sends it.
func (c *Connection) SendMessage(msg message.Message) bool {
	data, err := message.Encode(msg)
	if err != nil {
		c.logger.Error("rews.Connection failed to encode message", "type", msg.Kind(), "error", err)
		return false
	}
	return c.Send(data)
}

// Close stops reconnecting and performs a clean close of the socket.
//
// ctx bounds both the wait for an in-progress attempt and the close
// handshake.
func (c *Connection) Close(ctx context.Context) error {
	c.stateMu.Lock()
	if err := c.transitionLocked(StateClosing); err != nil {
		c.stateMu.Unlock()
		return fmt.Errorf("rews.Connection is already closing or closed: %w", constants.ErrAlreadyClosed)
	}
	cancel, done, ws := c.cancelLoop, c.loopDone, c.ws
	c.ws = nil
	c.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	var err error
	if ws != nil {
		err = ws.Close(ctx)
	}

	if stateErr := c.transitionTo(StateClosed); stateErr != nil {
		c.logger.Error("BUG: rews.Connection failed to transition to closed state", "error", stateErr)
	}
	if c.release != nil {
		c.release(c)
	}

	return err
}

func (c *Connection) transitionTo(newState State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.transitionLocked(newState)
}

func (c *Connection) transitionLocked(newState State) error {
	if err := c.state.validateTransitionTo(newState); err != nil {
		return err
	}

	c.state = newState
	c.logger.Debug("rews.Connection state transitioned", "new_state", newState)

	return nil
}

func (c *Connection) emit(ev Event) {
	if c.config.OnEvent != nil {
		c.config.OnEvent(ev)
	}
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if err := c.transitionTo(StateConnecting); err != nil {
			// Close won the race.
			return
		}
		attempt := c.Attempt()
		c.emit(Event{Kind: EventConnecting, Attempt: attempt})

		ws, err := c.dial(ctx)
		if err == nil {
			if !c.opened(ws) {
				_ = ws.Close(ctx)
				return
			}
			c.emit(Event{Kind: EventConnected, Attempt: attempt})

			select {
			case <-ws.Done():
			case <-ctx.Done():
				return
			}

			err = ws.Err()
			if err == nil {
				err = constants.ErrConnectionClosed
			}
			if !c.dropped(ws) {
				return
			}
			closeCtx, cancel := context.WithTimeout(context.Background(), constants.CloseTimeout)
			_ = ws.Close(closeCtx)
			cancel()

			c.logger.Warn("rews.Connection lost", "error", err)
			c.emit(Event{Kind: EventDisconnected, Attempt: 0, Err: err})
		} else {
			if ctx.Err() != nil {
				return
			}
			if stateErr := c.transitionTo(StateDisconnected); stateErr != nil {
				return
			}
			c.logger.Debug("rews.Connection attempt failed", "attempt", attempt, "error", err)
			c.emit(Event{Kind: EventError, Attempt: attempt, Err: err})
		}

		delay, ok := c.nextDelay(err)
		if !ok {
			c.logger.Info("rews.Connection gave up reconnecting; working offline")
			return
		}

		c.logger.Debug("rews.Connection is waiting to reconnect", "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-c.config.After(delay):
		}
	}
}

func (c *Connection) dial(ctx context.Context) (connection.WebSocketConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	ws := c.config.Dialer(&connection.Config{
		URL:       c.config.URL,
		Header:    c.config.Header,
		OnMessage: c.config.OnMessage,
		Logger:    c.config.Logger,
	})
	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("rews.Connection failed to connect: %w", err)
	}
	return ws, nil
}

// opened installs ws unless Close started while dialing.
func (c *Connection) opened(ws connection.WebSocketConnection) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != StateConnecting {
		return false
	}
	if err := c.transitionLocked(StateOpen); err != nil {
		c.logger.Error("BUG: rews.Connection failed to transition to open state", "error", err)
		return false
	}
	c.ws = ws
	c.attempt = 0
	c.config.Retryer.Reset()
	return true
}

// dropped uninstalls ws after the peer or network closed it.
func (c *Connection) dropped(ws connection.WebSocketConnection) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != StateOpen || c.ws != ws {
		return false
	}
	if err := c.transitionLocked(StateDisconnected); err != nil {
		c.logger.Error("BUG: rews.Connection failed to transition to disconnected state", "error", err)
		return false
	}
	c.ws = nil
	return true
}

// nextDelay consults the Retryer and advances the attempt counter. When the
// Retryer gives up the loop is marked stopped, so the next Send restarts it.
func (c *Connection) nextDelay(lastErr error) (time.Duration, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	delay, ok := c.config.Retryer.NextDelay(c.attempt, lastErr)
	if !ok {
		c.running = false
		return 0, false
	}
	c.attempt++
	return delay, true
}
