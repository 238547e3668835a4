// Package presence shares the local user's cursor with peers and tracks the
// cursors of everyone else viewing the same document.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/maps"

	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/message"
	"github.com/collabdoc/docsync/pkg/models"
)

// Palette is the fixed set of cursor colors.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#FFE66D",
	"#6A0572",
	"#1A936F",
	"#FF9F1C",
	"#7D5BA6",
	"#3185FC",
	"#FF5964",
	"#25A18E",
}

// ColorFor maps a user id onto Palette. The same id always gets the same
// color, on every client.
func ColorFor(userID string) string {
	return Palette[xxhash.Sum64String(userID)%uint64(len(Palette))]
}

// Rect is a rendered bounding box in screen pixels.
type Rect struct {
	X, Y, Width, Height float64
}

// Layout exposes the rendered geometry of the editor's blocks.
type Layout interface {
	// BlockBox returns the bounding box of the block at index, or false if
	// there is no such block.
	BlockBox(index int) (Rect, bool)
}

// Transport is the socket cursor messages travel over.
type Transport interface {
	IsOpen() bool
	SendMessage(msg message.Message) bool
}

// CursorState is a remote session's cursor. A nil Position means the cursor
// is hidden.
type CursorState struct {
	SessionID string
	UserID    message.UserID
	Username  string
	Color     string
	Position  *models.Position
	LastSeen  time.Time
}

type Config struct {
	SessionID string
	UserID    message.UserID
	Username  string

	// Color of the local cursor. Defaults to ColorFor(UserID).
	Color string

	Transport Transport
	Layout    Layout

	// CharWidth converts a character offset into a horizontal pixel delta.
	// Defaults to 1.
	CharWidth float64

	// OnChange is called with the new cursor set after every change.
	OnChange func(cursors []CursorState)

	Logger logger.Logger
	Now    func() time.Time
}

type Broadcaster struct {
	config Config
	logger logger.Logger

	mu      sync.Mutex
	cursors map[string]*CursorState
}

func New(cfg Config) *Broadcaster {
	if cfg.Color == "" {
		cfg.Color = ColorFor(cfg.UserID.String())
	}
	if cfg.CharWidth <= 0 {
		cfg.CharWidth = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		config:  cfg,
		logger:  logger.OrDiscard(cfg.Logger),
		cursors: make(map[string]*CursorState),
	}
}

// Translate maps a logical cursor to a screen coordinate. Unknown blocks map
// to the origin.
func (b *Broadcaster) Translate(blockIndex, offset int) models.Position {
	if b.config.Layout == nil {
		return models.Position{}
	}
	box, ok := b.config.Layout.BlockBox(blockIndex)
	if !ok {
		return models.Position{}
	}
	return models.Position{
		X: box.X + float64(offset)*b.config.CharWidth,
		Y: box.Y,
	}
}

// ReportLocalCursor sends the local cursor to peers. Nothing is computed or
// sent while the socket is not open.
func (b *Broadcaster) ReportLocalCursor(blockIndex, offset int) bool {
	if b.config.Transport == nil || !b.config.Transport.IsOpen() {
		return false
	}
	pos := b.Translate(blockIndex, offset)
	return b.config.Transport.SendMessage(&message.CursorUpdate{
		CursorID: b.config.SessionID,
		Position: &pos,
		UserID:   b.config.UserID,
		Username: b.config.Username,
		Color:    b.config.Color,
	})
}

// HideLocalCursor tells peers the local cursor left the document body.
func (b *Broadcaster) HideLocalCursor() bool {
	if b.config.Transport == nil || !b.config.Transport.IsOpen() {
		return false
	}
	return b.config.Transport.SendMessage(&message.CursorUpdate{
		CursorID: b.config.SessionID,
		UserID:   b.config.UserID,
		Username: b.config.Username,
	})
}

// Announce introduces the local session to peers. Call it each time the
// socket opens.
func (b *Broadcaster) Announce() bool {
	if b.config.Transport == nil || !b.config.Transport.IsOpen() {
		return false
	}
	return b.config.Transport.SendMessage(&message.CursorConnect{
		CursorID: b.config.SessionID,
		UserID:   b.config.UserID,
		Username: b.config.Username,
		Color:    b.config.Color,
	})
}

// Handle applies an inbound presence message. It reports whether msg was a
// presence message, including ones about the local session, which are
// ignored.
func (b *Broadcaster) Handle(msg message.Message) bool {
	switch m := msg.(type) {
	case *message.CursorConnect:
		b.upsert(m.CursorID, m.UserID, m.Username, m.Color, nil, false)
	case *message.CursorConnected:
		b.upsert(m.CursorID, m.UserID, m.Username, m.Color, nil, false)
	case *message.CursorUpdate:
		if m.Position == nil {
			b.remove(m.CursorID)
		} else {
			b.upsert(m.CursorID, m.UserID, m.Username, m.Color, m.Position, true)
		}
	case *message.CursorActive:
		b.upsert(m.CursorID, m.UserID, m.Username, "", nil, false)
	case *message.CursorDisconnected:
		b.remove(m.CursorID)
	default:
		return false
	}
	return true
}

func (b *Broadcaster) upsert(sessionID string, userID message.UserID, username, color string, pos *models.Position, setPos bool) {
	if sessionID == "" || sessionID == b.config.SessionID {
		return
	}

	b.mu.Lock()
	c, ok := b.cursors[sessionID]
	if !ok {
		c = &CursorState{SessionID: sessionID}
		b.cursors[sessionID] = c
	}
	if userID != "" {
		c.UserID = userID
	}
	if username != "" {
		c.Username = username
	}
	switch {
	case color != "":
		c.Color = color
	case c.Color == "":
		c.Color = ColorFor(c.UserID.String())
	}
	if setPos {
		p := *pos
		c.Position = &p
	}
	c.LastSeen = b.config.Now()
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	b.notify(snapshot)
}

func (b *Broadcaster) remove(sessionID string) {
	b.mu.Lock()
	if _, ok := b.cursors[sessionID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.cursors, sessionID)
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	b.logger.Debug("presence.Broadcaster removed cursor", "session_id", sessionID)
	b.notify(snapshot)
}

// Cursors returns the remote cursors ordered by session id.
func (b *Broadcaster) Cursors() []CursorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Cursor returns the cursor of one remote session.
func (b *Broadcaster) Cursor(sessionID string) (CursorState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cursors[sessionID]
	if !ok {
		return CursorState{}, false
	}
	return c.clone(), true
}

// Reset forgets every remote cursor, e.g. after the socket reconnects.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	if len(b.cursors) == 0 {
		b.mu.Unlock()
		return
	}
	b.cursors = make(map[string]*CursorState)
	b.mu.Unlock()

	b.notify(nil)
}

func (b *Broadcaster) snapshotLocked() []CursorState {
	ids := maps.Keys(b.cursors)
	sort.Strings(ids)

	out := make([]CursorState, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.cursors[id].clone())
	}
	return out
}

func (b *Broadcaster) notify(cursors []CursorState) {
	if b.config.OnChange != nil {
		b.config.OnChange(cursors)
	}
}

func (c *CursorState) clone() CursorState {
	out := *c
	if c.Position != nil {
		p := *c.Position
		out.Position = &p
	}
	return out
}
