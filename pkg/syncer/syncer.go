// Package syncer merges local edits and remote updates of one document.
//
// A Synchronizer debounces local edits, persists the latest content through
// the store, and broadcasts one document_update per successful save. Remote
// updates are applied unless they originate from the local session. Every
// local edit is written to the local cache first, so content survives a
// failed save or a reload.
//
// All state is owned by a single loop goroutine. At most one write of the
// document is in flight: debounced saves, Save, and Update all queue behind
// it. Only Save and Update wait for their write.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/collabdoc/docsync/pkg/cache"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/message"
	"github.com/collabdoc/docsync/pkg/models"
)

type State int

const (
	StateIdle State = iota
	StatePendingSave
	StateSaving
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "Idle"
	case StatePendingSave:
		return "PendingSave"
	case StateSaving:
		return "Saving"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

// Saver persists document content. store.Store satisfies it.
type Saver interface {
	UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error)
}

// Transport carries the document_update broadcast.
type Transport interface {
	SendMessage(msg message.Message) bool
}

type Config struct {
	DocumentID models.DocumentID

	// SessionID tags outbound broadcasts and identifies echoes.
	SessionID string
	UserID    message.UserID
	Username  string

	Store     Saver
	Cache     cache.Cache
	Transport Transport

	// Debounce is the quiet period after the last edit before saving.
	// Defaults to constants.DebounceInterval.
	Debounce time.Duration

	// RetryDelay is the wait before the single retry of a failed save.
	// Defaults to constants.SaveRetryDelay.
	RetryDelay time.Duration

	// SaveTimeout bounds one save request. Defaults to
	// constants.DefaultHTTPTimeout.
	SaveTimeout time.Duration

	// OnApply renders remote content in the live view. It runs on the loop
	// goroutine and may call OnLocalChange but not OnRemoteUpdate.
	OnApply func(content models.ContentTree)

	// OnSaved is called on the loop goroutine after every successful save.
	OnSaved func(doc *models.Document)

	Logger logger.Logger
}

type Synchronizer struct {
	config Config
	logger logger.Logger

	queueMu sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// Loop-owned state.
	baseline     models.ContentTree
	dirty        bool
	inFlight     bool
	closing      bool
	debounce     *time.Timer
	debounceGen  int
	retry        *time.Timer
	retryGen     int
	pendingRetry bool

	// waiting are Save callers covered by the next content save, saving
	// those covered by the one in flight.
	waiting       []chan error
	saving        []chan error
	savingContent bool
	writes        []*write
	current       *write

	// Mirror of the loop state for readers.
	viewMu      sync.Mutex
	viewState   State
	viewContent models.ContentTree
}

// New starts the loop. initial is the content the view was loaded with.
func New(cfg Config, initial models.ContentTree) *Synchronizer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = constants.DebounceInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = constants.SaveRetryDelay
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = constants.DefaultHTTPTimeout
	}

	s := &Synchronizer{
		config:   cfg,
		logger:   logger.OrDiscard(cfg.Logger),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		baseline: initial.Clone(),
	}
	s.publish()

	go s.loop()

	return s
}

func (s *Synchronizer) loop() {
	defer close(s.done)

	for range s.wake {
		s.queueMu.Lock()
		batch := s.queue
		s.queue = nil
		s.queueMu.Unlock()

		for _, event := range batch {
			event()
			if s.closing {
				return
			}
		}
		s.publish()
	}
}

// post queues event for the loop. It never blocks and reports false once the
// synchronizer is closed.
func (s *Synchronizer) post(event func()) bool {
	s.queueMu.Lock()
	if s.stopped {
		s.queueMu.Unlock()
		return false
	}
	s.queue = append(s.queue, event)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs event on the loop and waits for it.
func (s *Synchronizer) call(event func()) bool {
	ran := make(chan struct{})
	if !s.post(func() {
		event()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

// write is a field update queued behind the content saves.
type write struct {
	update models.DocumentUpdate
	done   chan writeResult
}

type writeResult struct {
	doc *models.Document
	err error
}

// OnLocalChange records an edit made in the live view.
func (s *Synchronizer) OnLocalChange(content models.ContentTree) {
	content = content.Clone()
	s.post(func() { s.localChange(content) })
}

// OnRemoteUpdate applies content received from a peer. It reports whether
// the content was applied; echoes of the local session and content equal to
// the current baseline are not.
func (s *Synchronizer) OnRemoteUpdate(content models.ContentTree, senderID string) bool {
	if senderID != "" && senderID == s.config.SessionID {
		s.logger.Debug("syncer.Synchronizer discarded its own broadcast", "document_id", s.config.DocumentID)
		return false
	}

	content = content.Clone()
	applied := false
	s.call(func() { applied = s.remoteUpdate(content) })
	return applied
}

// Handle applies an inbound document_update. It reports whether msg was one.
func (s *Synchronizer) Handle(msg message.Message) bool {
	update, ok := msg.(*message.DocumentUpdate)
	if !ok {
		return false
	}
	s.OnRemoteUpdate(update.Content, update.SenderID)
	return true
}

// RestoreFromCache prefers an unexpired cached copy over empty fetched
// content. The cached content is fed through the local path so it reaches
// the server. It returns the content the view should render.
func (s *Synchronizer) RestoreFromCache(ctx context.Context, fetched models.ContentTree) (models.ContentTree, bool) {
	if !fetched.IsEmpty() || s.config.Cache == nil {
		return fetched, false
	}

	entry, err := s.config.Cache.Get(ctx, s.config.DocumentID)
	if err != nil {
		s.logger.Warn("syncer.Synchronizer failed to read the local cache", "document_id", s.config.DocumentID, "error", err)
		return fetched, false
	}
	if entry == nil || entry.Content.IsEmpty() {
		return fetched, false
	}

	s.logger.Info("syncer.Synchronizer restored content from the local cache", "document_id", s.config.DocumentID, "saved_at", entry.SavedAt)
	s.OnLocalChange(entry.Content)
	return entry.Content.Clone(), true
}

// CurrentContent returns the last known content, local or remote.
func (s *Synchronizer) CurrentContent() models.ContentTree {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	return s.viewContent.Clone()
}

func (s *Synchronizer) State() State {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	return s.viewState
}

// Save makes content the local content and persists it without waiting for
// the debounce. It returns once that save has finished, after any write
// already in flight.
func (s *Synchronizer) Save(ctx context.Context, content models.ContentTree) error {
	content = content.Clone()
	done := make(chan error, 1)
	if !s.post(func() { s.save(content, done) }) {
		return constants.ErrSynchronizerClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update writes document fields other than the content, in turn with the
// content saves. Content in update is ignored.
func (s *Synchronizer) Update(ctx context.Context, update models.DocumentUpdate) (*models.Document, error) {
	update.Content = nil
	w := &write{update: update, done: make(chan writeResult, 1)}
	if !s.post(func() {
		s.writes = append(s.writes, w)
		s.next()
	}) {
		return nil, constants.ErrSynchronizerClosed
	}
	select {
	case res := <-w.done:
		return res.doc, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush saves pending content now instead of waiting for the debounce.
func (s *Synchronizer) Flush() {
	s.post(func() {
		if s.dirty && !s.inFlight {
			s.startSave(false)
		}
	})
}

// Close stops the timers and the loop. A save already in flight completes
// but its result is discarded. It must not be called from OnApply or OnSaved.
func (s *Synchronizer) Close() {
	s.post(func() {
		s.closing = true
		s.stopTimers()
		s.fail(constants.ErrSynchronizerClosed)

		s.queueMu.Lock()
		s.stopped = true
		s.queueMu.Unlock()

		s.viewMu.Lock()
		s.viewState = StateClosed
		s.viewMu.Unlock()
	})
	<-s.done
}

func (s *Synchronizer) localChange(content models.ContentTree) {
	if content.Equal(s.baseline) {
		return
	}
	s.baseline = content
	s.dirty = true

	if s.config.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
		if err := s.config.Cache.Put(ctx, s.config.DocumentID, content); err != nil {
			s.logger.Warn("syncer.Synchronizer failed to write the local cache", "document_id", s.config.DocumentID, "error", err)
		}
		cancel()
	}

	s.armDebounce()
}

func (s *Synchronizer) save(content models.ContentTree, done chan error) {
	s.localChange(content)
	if s.pendingRetry {
		// The failed save is superseded by this one.
		s.pendingRetry = false
		s.retryGen++
		s.dirty = true
	}

	switch {
	case s.dirty:
		s.waiting = append(s.waiting, done)
		s.next()
	case s.inFlight && s.savingContent:
		s.saving = append(s.saving, done)
	default:
		done <- nil
	}
}

// next starts the next queued write when nothing is in flight. Field
// updates go first. Content saves someone waits on do not wait for the
// debounce.
func (s *Synchronizer) next() {
	if s.inFlight || s.closing {
		return
	}
	if len(s.writes) > 0 {
		w := s.writes[0]
		s.writes = s.writes[1:]
		s.startWrite(w)
		return
	}
	if s.dirty && len(s.waiting) > 0 {
		s.startSave(false)
	}
}

func (s *Synchronizer) startWrite(w *write) {
	s.inFlight = true
	s.savingContent = false
	s.current = w

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
		defer cancel()
		doc, err := s.config.Store.UpdateDocument(ctx, s.config.DocumentID, w.update)
		s.post(func() { s.writeDone(w, doc, err) })
	}()
}

func (s *Synchronizer) writeDone(w *write, doc *models.Document, err error) {
	s.inFlight = false
	s.current = nil
	if err != nil {
		s.logger.Warn("syncer.Synchronizer update failed", "document_id", s.config.DocumentID, "error", err)
	}
	w.done <- writeResult{doc: doc, err: err}
	s.next()
}

// fail releases every caller waiting on a write with err.
func (s *Synchronizer) fail(err error) {
	for _, done := range append(s.waiting, s.saving...) {
		done <- err
	}
	s.waiting, s.saving = nil, nil

	if s.current != nil {
		s.writes = append([]*write{s.current}, s.writes...)
		s.current = nil
	}
	for _, w := range s.writes {
		w.done <- writeResult{err: err}
	}
	s.writes = nil
}

func (s *Synchronizer) remoteUpdate(content models.ContentTree) bool {
	if content.Equal(s.baseline) {
		return false
	}
	s.baseline = content

	// The view now shows the remote content; an unsaved local edit is
	// superseded.
	s.dirty = false
	s.debounceGen++
	if s.debounce != nil {
		s.debounce.Stop()
	}
	for _, done := range s.waiting {
		done <- constants.ErrSaveSuperseded
	}
	s.waiting = nil

	if s.config.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
		if err := s.config.Cache.Put(ctx, s.config.DocumentID, content); err != nil {
			s.logger.Warn("syncer.Synchronizer failed to write the local cache", "document_id", s.config.DocumentID, "error", err)
		}
		cancel()
	}

	if s.config.OnApply != nil {
		s.config.OnApply(content.Clone())
	}
	return true
}

func (s *Synchronizer) armDebounce() {
	s.debounceGen++
	gen := s.debounceGen
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.config.Debounce, func() {
		s.post(func() { s.debounceFired(gen) })
	})
}

func (s *Synchronizer) debounceFired(gen int) {
	if gen != s.debounceGen || !s.dirty {
		return
	}
	if s.inFlight {
		s.armDebounce()
		return
	}
	s.startSave(false)
}

func (s *Synchronizer) startSave(isRetry bool) {
	content := s.baseline.Clone()
	s.dirty = false
	s.inFlight = true
	s.debounceGen++
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.retryGen++
	s.pendingRetry = false
	s.savingContent = true
	s.saving, s.waiting = s.waiting, nil

	s.logger.Debug("syncer.Synchronizer saving", "document_id", s.config.DocumentID, "retry", isRetry)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
		defer cancel()
		doc, err := s.config.Store.UpdateDocument(ctx, s.config.DocumentID, models.DocumentUpdate{Content: &content})
		s.post(func() { s.saveDone(content, doc, err, isRetry) })
	}()
}

func (s *Synchronizer) saveDone(content models.ContentTree, doc *models.Document, err error, isRetry bool) {
	s.inFlight = false
	for _, done := range s.saving {
		done <- err
	}
	s.saving = nil
	defer s.next()

	if err != nil {
		if errors.Is(err, constants.ErrReadOnly) || errors.Is(err, constants.ErrForbidden) {
			s.logger.Debug("syncer.Synchronizer save rejected; document is read-only", "document_id", s.config.DocumentID)
			return
		}
		s.logger.Warn("syncer.Synchronizer save failed", "document_id", s.config.DocumentID, "retry", isRetry, "error", err)
		if !isRetry && !s.dirty {
			s.armRetry()
		}
		return
	}

	if s.config.Transport != nil {
		s.config.Transport.SendMessage(&message.DocumentUpdate{
			Content:  content,
			SenderID: s.config.SessionID,
			UserID:   s.config.UserID,
			Username: s.config.Username,
		})
	}

	if s.config.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
		if err := s.config.Cache.Touch(ctx, s.config.DocumentID); err != nil {
			s.logger.Warn("syncer.Synchronizer failed to refresh the local cache", "document_id", s.config.DocumentID, "error", err)
		}
		cancel()
	}

	if s.config.OnSaved != nil && doc != nil {
		s.config.OnSaved(doc)
	}
}

func (s *Synchronizer) armRetry() {
	s.retryGen++
	gen := s.retryGen
	s.pendingRetry = true
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(s.config.RetryDelay, func() {
		s.post(func() { s.retryFired(gen) })
	})
}

func (s *Synchronizer) retryFired(gen int) {
	if gen != s.retryGen || !s.pendingRetry {
		return
	}
	s.pendingRetry = false
	if s.inFlight {
		s.armRetry()
		return
	}
	s.startSave(true)
}

func (s *Synchronizer) stopTimers() {
	s.debounceGen++
	s.retryGen++
	if s.debounce != nil {
		s.debounce.Stop()
	}
	if s.retry != nil {
		s.retry.Stop()
	}
}

func (s *Synchronizer) state() State {
	switch {
	case s.dirty || s.pendingRetry:
		return StatePendingSave
	case s.inFlight:
		return StateSaving
	default:
		return StateIdle
	}
}

func (s *Synchronizer) publish() {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.viewState == StateClosed {
		return
	}
	s.viewState = s.state()
	s.viewContent = s.baseline.Clone()
}
