package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabdoc/docsync/pkg/auth"
	"github.com/collabdoc/docsync/pkg/connection/rews"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/message"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/presence"
	"github.com/collabdoc/docsync/pkg/refs"
	"github.com/collabdoc/docsync/pkg/store"
	"github.com/collabdoc/docsync/pkg/syncer"
)

// View is one open document.
type View struct {
	id        models.DocumentID
	sessionID string
	options   Options
	logger    logger.Logger

	store    *store.ReadOnlyStore
	refs     *refs.Maintainer
	presence *presence.Broadcaster
	syncer   *syncer.Synchronizer
	socket   *socket

	readOnly atomic.Bool

	// mu guards doc.
	mu  sync.Mutex
	doc models.Document

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open loads document id and starts syncing it. A missing or forbidden
// document yields a *RedirectError.
func Open(ctx context.Context, id models.DocumentID, opts Options) (*View, error) {
	if opts.Store == nil {
		return nil, errors.New("docsync: Options.Store is required")
	}
	o := opts.withDefaults()

	doc, err := o.Store.GetDocument(ctx, id)
	if err != nil {
		if redirect := redirectFor(err); redirect != nil {
			o.Logger.Info("docsync.View cannot show document", "document_id", id, "error", err)
			return nil, redirect
		}
		return nil, fmt.Errorf("docsync: load document %d: %w", id, err)
	}

	v := &View{
		id:        id,
		sessionID: auth.NewSessionID(),
		options:   o,
		logger:    o.Logger,
		socket:    &socket{ready: make(chan struct{})},
	}
	v.readOnly.Store(!doc.Role.CanEdit())
	v.store = store.NewReadOnlyStore(o.Store, v.readOnly.Load)
	v.refs = refs.New(v.store, o.Logger)

	if !o.SkipReconcile && !v.ReadOnly() {
		if reloaded := v.reconcile(ctx); reloaded != nil {
			doc = reloaded
		}
	}
	v.doc = *doc.Clone()

	userID := message.UserID(o.Credentials.UserID)
	v.presence = presence.New(presence.Config{
		SessionID: v.sessionID,
		UserID:    userID,
		Username:  o.Credentials.Username,
		Transport: v.socket,
		Layout:    o.Layout,
		CharWidth: o.CharWidth,
		OnChange:  o.OnCursors,
		Logger:    o.Logger,
	})
	v.syncer = syncer.New(syncer.Config{
		DocumentID: id,
		SessionID:  v.sessionID,
		UserID:     userID,
		Username:   o.Credentials.Username,
		Store:      v.store,
		Cache:      o.Cache,
		Transport:  v.socket,
		Debounce:   o.Debounce,
		RetryDelay: o.RetryDelay,
		OnApply:    v.applyRemote,
		Logger:     o.Logger,
	}, doc.Content)
	v.refs.SaveThrough(id, v.syncer.Save)

	if !v.ReadOnly() {
		if content, ok := v.syncer.RestoreFromCache(ctx, doc.Content); ok {
			v.doc.Content = content
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.wg.Add(1)
	go v.watchRole(watchCtx)

	v.connect(ctx)

	return v, nil
}

func (v *View) connect(ctx context.Context) {
	defer close(v.socket.ready)

	m := v.options.Manager
	if m == nil {
		if v.options.SocketURL == "" {
			v.logger.Info("docsync.View has no socket url; working offline", "document_id", v.id)
			return
		}
		m = rews.NewManager(v.options.SocketURL, v.logger)
		m.Dialer = v.options.Dialer
		m.NewRetryer = v.options.NewRetryer
	}

	conn, err := m.Open(ctx, v.id, v.options.Credentials, rews.Handlers{
		OnMessage: v.receive,
		OnEvent:   v.connectionEvent,
	})
	if err != nil {
		v.logger.Warn("docsync.View failed to open the socket; working offline", "document_id", v.id, "error", err)
		return
	}
	v.socket.conn = conn
}

// reconcile repairs the document's references to its children and returns
// the reloaded document when anything changed.
func (v *View) reconcile(ctx context.Context) *models.Document {
	refreshed, err := v.refs.RefreshReferences(ctx, v.id)
	if err != nil {
		v.logger.Warn("docsync.View failed to refresh references", "document_id", v.id, "error", err)
	}
	linked, err := v.refs.SweepOrphans(ctx, v.id)
	if err != nil {
		v.logger.Warn("docsync.View failed to sweep orphans", "document_id", v.id, "error", err)
	}
	if refreshed+linked == 0 {
		return nil
	}

	doc, err := v.store.GetDocument(ctx, v.id)
	if err != nil {
		v.logger.Warn("docsync.View failed to reload after reconciling", "document_id", v.id, "error", err)
		return nil
	}
	return doc
}

func (v *View) receive(data []byte) {
	<-v.socket.ready

	msg, err := message.Decode(data)
	if err != nil {
		v.logger.Warn("docsync.View rejected a frame", "document_id", v.id, "error", err)
		return
	}
	if v.presence.Handle(msg) {
		return
	}
	v.syncer.Handle(msg)
}

func (v *View) connectionEvent(ev rews.Event) {
	<-v.socket.ready

	switch ev.Kind {
	case rews.EventConnected:
		v.presence.Reset()
		v.presence.Announce()
	case rews.EventDisconnected:
		v.presence.Reset()
	}
}

// applyRemote runs on the synchronizer loop.
func (v *View) applyRemote(content models.ContentTree) {
	v.mu.Lock()
	v.doc.Content = content.Clone()
	doc := v.snapshotLocked()
	v.mu.Unlock()

	v.notify(doc)
}

func (v *View) ID() models.DocumentID {
	return v.id
}

// SessionID identifies this view to peers.
func (v *View) SessionID() string {
	return v.sessionID
}

// Document returns a copy of the document as last seen by the view.
func (v *View) Document() models.Document {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// ReadOnly reports whether the caller lost, or never had, edit rights.
func (v *View) ReadOnly() bool {
	return v.readOnly.Load()
}

func (v *View) SyncState() syncer.State {
	return v.syncer.State()
}

func (v *View) ConnectionState() rews.State {
	if conn := v.socket.get(); conn != nil {
		return conn.State()
	}
	return rews.StateUnknown
}

// EditContent records an edit made in the editor.
func (v *View) EditContent(content models.ContentTree) error {
	if v.ReadOnly() {
		return constants.ErrReadOnly
	}

	v.mu.Lock()
	v.doc.Content = content.Clone()
	doc := v.snapshotLocked()
	v.mu.Unlock()

	v.syncer.OnLocalChange(content)
	v.notify(doc)
	return nil
}

// Flush saves pending edits without waiting for the debounce.
func (v *View) Flush() {
	v.syncer.Flush()
}

// MoveCursor shares the local cursor, given as a block index and a
// character offset, with peers.
func (v *View) MoveCursor(blockIndex, offset int) bool {
	return v.presence.ReportLocalCursor(blockIndex, offset)
}

func (v *View) HideCursor() bool {
	return v.presence.HideLocalCursor()
}

// Cursors returns the cursors of the other sessions on this document.
func (v *View) Cursors() []presence.CursorState {
	return v.presence.Cursors()
}

// Rename sets the title and rewrites the parent's references to it.
func (v *View) Rename(ctx context.Context, title string) error {
	stored, err := v.update(ctx, models.DocumentUpdate{Title: &title})
	if err != nil {
		return err
	}
	v.propagate(ctx, stored)
	return nil
}

// SetIcon sets the icon, or removes it when icon is nil, and rewrites the
// parent's references to it.
func (v *View) SetIcon(ctx context.Context, icon *string) error {
	update := models.DocumentUpdate{Icon: icon}
	if icon == nil {
		update.ClearIcon = true
	}
	stored, err := v.update(ctx, update)
	if err != nil {
		return err
	}
	v.propagate(ctx, stored)
	return nil
}

// ToggleFavorite flips the favorite flag and returns the new value.
func (v *View) ToggleFavorite(ctx context.Context) (bool, error) {
	v.mu.Lock()
	favorite := !v.doc.IsFavorite
	v.mu.Unlock()

	stored, err := v.update(ctx, models.DocumentUpdate{IsFavorite: &favorite})
	if err != nil {
		return false, err
	}
	return stored.IsFavorite, nil
}

// Delete removes the parent's references to the document, deletes it and
// returns the path the host should navigate to. Unsaved edits are dropped.
// The view should be closed afterwards.
func (v *View) Delete(ctx context.Context) (string, error) {
	if v.ReadOnly() {
		return "", constants.ErrReadOnly
	}

	v.mu.Lock()
	var parentID *models.DocumentID
	if v.doc.ParentID != nil {
		parentID = v.doc.ParentID.Ptr()
	}
	v.mu.Unlock()

	if parentID != nil {
		if _, err := v.refs.RemoveFrom(ctx, *parentID, v.id); err != nil {
			v.logger.Warn("docsync.View left a stale reference in the parent", "document_id", v.id, "parent_id", *parentID, "error", err)
		}
	}

	if err := v.store.DeleteDocument(ctx, v.id); err != nil {
		return "", fmt.Errorf("docsync: delete document %d: %w", v.id, err)
	}

	v.syncer.Close()
	if err := v.options.Cache.Delete(ctx, v.id); err != nil {
		v.logger.Debug("docsync.View failed to drop the cached copy", "document_id", v.id, "error", err)
	}

	if parentID != nil {
		return DocumentPath(*parentID), nil
	}
	return constants.DocumentsPath, nil
}

// CreateChild creates a child document and links it from this document's
// content, replacing the first empty nestedDocument block if there is one.
// When the link cannot be saved the child is still returned; the next
// sweep links it.
func (v *View) CreateChild(ctx context.Context, title string, icon *string) (*models.Document, error) {
	if v.ReadOnly() {
		return nil, constants.ErrReadOnly
	}

	v.mu.Lock()
	content := v.doc.Content.Clone()
	v.mu.Unlock()

	child, linked, err := v.refs.CreateChild(ctx, v.id, content, title, icon)
	if child == nil {
		return nil, err
	}
	if err != nil {
		v.logger.Warn("docsync.View created a child it could not link", "document_id", v.id, "child_id", child.ID, "error", err)
		return child, nil
	}

	v.mu.Lock()
	v.doc.Content = linked.Clone()
	doc := v.snapshotLocked()
	v.mu.Unlock()

	v.notify(doc)
	return child, nil
}

// Close flushes pending edits, stops the role watcher and closes the socket.
func (v *View) Close(ctx context.Context) error {
	v.closeOnce.Do(func() {
		v.presence.HideLocalCursor()
		if !v.ReadOnly() {
			v.syncer.Flush()
		}
		v.refs.SaveThrough(v.id, nil)
		v.syncer.Close()

		v.cancel()
		v.wg.Wait()

		if conn := v.socket.get(); conn != nil {
			closeCtx, cancel := context.WithTimeout(ctx, constants.CloseTimeout)
			defer cancel()
			if err := conn.Close(closeCtx); err != nil && !errors.Is(err, constants.ErrAlreadyClosed) {
				v.closeErr = err
			}
		}
		v.logger.Debug("docsync.View closed", "document_id", v.id)
	})
	return v.closeErr
}

func (v *View) update(ctx context.Context, update models.DocumentUpdate) (*models.Document, error) {
	if v.ReadOnly() {
		return nil, constants.ErrReadOnly
	}

	stored, err := v.syncer.Update(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("docsync: update document %d: %w", v.id, err)
	}
	stored = stored.Clone()

	v.mu.Lock()
	v.doc.Title = stored.Title
	v.doc.Icon = stored.Icon
	v.doc.IsFavorite = stored.IsFavorite
	v.doc.UpdatedAt = stored.UpdatedAt
	doc := v.snapshotLocked()
	v.mu.Unlock()

	v.notify(doc)
	return stored, nil
}

func (v *View) propagate(ctx context.Context, doc *models.Document) {
	if doc.ParentID == nil {
		return
	}
	if _, err := v.refs.RenameIn(ctx, *doc.ParentID, v.id, doc.Title, doc.Icon); err != nil {
		v.logger.Warn("docsync.View left a stale reference in the parent", "document_id", v.id, "parent_id", *doc.ParentID, "error", err)
	}
}

func (v *View) watchRole(ctx context.Context) {
	defer v.wg.Done()

	roles, err := v.store.WatchRole(ctx, v.id)
	if err != nil {
		v.logger.Debug("docsync.View is polling for role changes", "document_id", v.id, "interval", v.options.RoleCheckInterval)
		v.pollRole(ctx)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case role, ok := <-roles:
			if !ok {
				if ctx.Err() == nil {
					// The document is gone.
					v.setRole(models.RoleViewer)
				}
				return
			}
			v.setRole(role)
		}
	}
}

func (v *View) pollRole(ctx context.Context) {
	ticker := time.NewTicker(v.options.RoleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.checkRole(ctx)
		}
	}
}

func (v *View) checkRole(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, v.options.RoleCheckTimeout)
	defer cancel()

	doc, err := v.store.GetDocument(ctx, v.id)
	switch {
	case err == nil:
		v.setRole(doc.Role)
	case errors.Is(err, constants.ErrNotFound), errors.Is(err, constants.ErrForbidden):
		v.setRole(models.RoleViewer)
	default:
		v.logger.Debug("docsync.View role check failed", "document_id", v.id, "error", err)
	}
}

func (v *View) setRole(role models.Role) {
	v.mu.Lock()
	if v.doc.Role == role {
		v.mu.Unlock()
		return
	}
	v.doc.Role = role
	v.readOnly.Store(!role.CanEdit())
	doc := v.snapshotLocked()
	v.mu.Unlock()

	if !role.CanEdit() {
		v.logger.Info("docsync.View is now read-only", "document_id", v.id, "role", role)
	}
	v.notify(doc)
}

func (v *View) snapshotLocked() models.Document {
	return *v.doc.Clone()
}

func (v *View) notify(doc models.Document) {
	if v.options.OnChange != nil {
		v.options.OnChange(doc)
	}
}

// socket adapts the view's connection for presence and the synchronizer.
// conn is written once, before ready is closed.
type socket struct {
	ready chan struct{}
	conn  *rews.Connection
}

func (s *socket) get() *rews.Connection {
	select {
	case <-s.ready:
		return s.conn
	default:
		return nil
	}
}

func (s *socket) IsOpen() bool {
	conn := s.get()
	return conn != nil && conn.IsOpen()
}

func (s *socket) SendMessage(msg message.Message) bool {
	conn := s.get()
	if conn == nil {
		return false
	}
	return conn.SendMessage(msg)
}
