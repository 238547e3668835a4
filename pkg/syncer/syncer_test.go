package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabdoc/docsync/pkg/cache"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/message"
	"github.com/collabdoc/docsync/pkg/models"
)

const docID = models.DocumentID(42)

var errUnavailable = errors.New("service unavailable")

func paragraph(text string) models.ContentTree {
	return models.NewContent(models.Block{ID: "b1", Type: "paragraph", Data: models.JSONMap{"text": text}})
}

type fakeSaver struct {
	mu       sync.Mutex
	saved    []models.ContentTree
	updates  []models.DocumentUpdate
	failures []error
	release  chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
	started   chan struct{}
}

func (f *fakeSaver) UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if update.Content == nil {
		f.updates = append(f.updates, update)
		doc := &models.Document{ID: id}
		if update.Title != nil {
			doc.Title = *update.Title
		}
		return doc, nil
	}

	f.saved = append(f.saved, update.Content.Clone())
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return &models.Document{ID: id, Content: update.Content.Clone()}, nil
}

func (f *fakeSaver) Updates() []models.DocumentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DocumentUpdate(nil), f.updates...)
}

func (f *fakeSaver) Saved() []models.ContentTree {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ContentTree(nil), f.saved...)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []message.Message
}

func (f *fakeTransport) SendMessage(msg message.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeTransport) Sent() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Message(nil), f.sent...)
}

type harness struct {
	saver     *fakeSaver
	transport *fakeTransport
	cache     *cache.Memory
	applied   atomic.Int32
	sync      *Synchronizer
}

func newHarness(t *testing.T, saver *fakeSaver, initial models.ContentTree, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{saver: saver, transport: &fakeTransport{}, cache: cache.NewMemory()}
	cfg := Config{
		DocumentID: docID,
		SessionID:  "local",
		UserID:     "1",
		Username:   "me",
		Store:      saver,
		Cache:      h.cache,
		Transport:  h.transport,
		Debounce:   30 * time.Millisecond,
		RetryDelay: 30 * time.Millisecond,
		OnApply:    func(models.ContentTree) { h.applied.Add(1) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.sync = New(cfg, initial)
	t.Cleanup(h.sync.Close)
	return h
}

func TestDebounceCoalescesEdits(t *testing.T) {
	h := newHarness(t, &fakeSaver{}, models.EmptyContent())

	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		h.sync.OnLocalChange(paragraph(text))
	}

	require.Eventually(t, func() bool { return len(h.saver.Saved()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	saved := h.saver.Saved()
	require.Len(t, saved, 1, "one save per debounce window")
	assert.True(t, saved[0].Equal(paragraph("hello")), saved[0].Diff(paragraph("hello")))

	sent := h.transport.Sent()
	require.Len(t, sent, 1, "one broadcast per save")
	update := sent[0].(*message.DocumentUpdate)
	assert.Equal(t, "local", update.SenderID)
	assert.Equal(t, message.UserID("1"), update.UserID)
	assert.True(t, update.Content.Equal(paragraph("hello")))

	assert.Eventually(t, func() bool { return h.sync.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestEditIsCachedImmediately(t *testing.T) {
	h := newHarness(t, &fakeSaver{}, models.EmptyContent())
	h.sync.OnLocalChange(paragraph("draft"))

	require.Eventually(t, func() bool {
		entry, _ := h.cache.Get(context.Background(), docID)
		return entry != nil && entry.Content.Equal(paragraph("draft"))
	}, time.Second, time.Millisecond)
}

func TestUnchangedContentIsIgnored(t *testing.T) {
	initial := paragraph("same")
	h := newHarness(t, &fakeSaver{}, initial)

	restamped := initial.Clone()
	restamped.Time += 1000
	h.sync.OnLocalChange(restamped)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.saver.Saved())
	assert.Equal(t, StateIdle, h.sync.State())
}

func TestOwnBroadcastIsDiscarded(t *testing.T) {
	h := newHarness(t, &fakeSaver{}, models.EmptyContent())

	assert.False(t, h.sync.OnRemoteUpdate(paragraph("echo"), "local"))
	assert.Equal(t, int32(0), h.applied.Load())
	assert.True(t, h.sync.CurrentContent().IsEmpty())
	assert.Empty(t, h.transport.Sent())
}

func TestRemoteUpdateIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeSaver{}, models.EmptyContent())

	assert.True(t, h.sync.OnRemoteUpdate(paragraph("theirs"), "peer"))
	assert.False(t, h.sync.OnRemoteUpdate(paragraph("theirs"), "peer"))
	assert.Equal(t, int32(1), h.applied.Load())
	assert.True(t, h.sync.CurrentContent().Equal(paragraph("theirs")))

	t.Run("editor echo of applied content does not save", func(t *testing.T) {
		h.sync.OnLocalChange(paragraph("theirs"))
		time.Sleep(100 * time.Millisecond)
		assert.Empty(t, h.saver.Saved())
		assert.Empty(t, h.transport.Sent(), "remote content is never rebroadcast")
	})
}

func TestHandle(t *testing.T) {
	h := newHarness(t, &fakeSaver{}, models.EmptyContent())

	assert.True(t, h.sync.Handle(&message.DocumentUpdate{Content: paragraph("x"), SenderID: "peer"}))
	assert.False(t, h.sync.Handle(&message.CursorUpdate{CursorID: "peer"}))
	assert.Equal(t, int32(1), h.applied.Load())
}

func TestFailedSaveIsRetriedOnce(t *testing.T) {
	saver := &fakeSaver{failures: []error{errUnavailable, errUnavailable}}
	h := newHarness(t, saver, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("keep me"))

	require.Eventually(t, func() bool { return len(saver.Saved()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, saver.Saved(), 2, "exactly one retry")
	assert.Empty(t, h.transport.Sent(), "nothing is broadcast without a save")
	assert.Equal(t, StateIdle, h.sync.State())

	entry, err := h.cache.Get(context.Background(), docID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Content.Equal(paragraph("keep me")))
}

func TestRetrySucceeds(t *testing.T) {
	saver := &fakeSaver{failures: []error{errUnavailable}}
	h := newHarness(t, saver, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("eventually"))

	require.Eventually(t, func() bool { return len(h.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, saver.Saved(), 2)
}

func TestReadOnlyRejectionIsNotRetried(t *testing.T) {
	saver := &fakeSaver{failures: []error{constants.ErrReadOnly}}
	h := newHarness(t, saver, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("blocked"))

	require.Eventually(t, func() bool { return len(saver.Saved()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, saver.Saved(), 1)
	assert.Empty(t, h.transport.Sent())
}

func TestEditDuringSaveIsQueued(t *testing.T) {
	saver := &fakeSaver{release: make(chan struct{}), started: make(chan struct{}, 4)}
	h := newHarness(t, saver, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("first"))
	<-saver.started
	require.Eventually(t, func() bool { return h.sync.State() == StateSaving }, time.Second, time.Millisecond)

	h.sync.OnLocalChange(paragraph("second"))
	require.Eventually(t, func() bool { return h.sync.State() == StatePendingSave }, time.Second, time.Millisecond)

	// The debounce expires while the first save is still in flight.
	time.Sleep(80 * time.Millisecond)
	saver.release <- struct{}{}

	<-saver.started
	saver.release <- struct{}{}

	require.Eventually(t, func() bool { return len(h.transport.Sent()) == 2 }, time.Second, 5*time.Millisecond)

	saved := saver.Saved()
	require.Len(t, saved, 2)
	assert.True(t, saved[0].Equal(paragraph("first")))
	assert.True(t, saved[1].Equal(paragraph("second")))
	assert.Equal(t, int32(1), saver.maxActive.Load(), "at most one save in flight")
}

func TestCloseDiscardsInFlightSave(t *testing.T) {
	saver := &fakeSaver{release: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, saver, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("late"))
	<-saver.started

	h.sync.Close()
	assert.Equal(t, StateClosed, h.sync.State())

	close(saver.release)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.transport.Sent())

	h.sync.OnLocalChange(paragraph("after close"))
	assert.False(t, h.sync.OnRemoteUpdate(paragraph("remote"), "peer"))
}

func TestCloseCancelsDebounce(t *testing.T) {
	h := newHarness(t, &fakeSaver{}, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("never saved"))
	h.sync.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.saver.Saved())
}

func TestFlush(t *testing.T) {
	saver := &fakeSaver{}
	h := newHarness(t, saver, models.EmptyContent(), func(cfg *Config) { cfg.Debounce = time.Hour })

	h.sync.OnLocalChange(paragraph("now"))
	h.sync.Flush()

	require.Eventually(t, func() bool { return len(saver.Saved()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRestoreFromCache(t *testing.T) {
	t.Run("empty fetched content prefers the cache", func(t *testing.T) {
		saver := &fakeSaver{}
		h := newHarness(t, saver, models.EmptyContent())
		require.NoError(t, h.cache.Put(context.Background(), docID, paragraph("offline edit")))

		content, restored := h.sync.RestoreFromCache(context.Background(), models.EmptyContent())
		require.True(t, restored)
		assert.True(t, content.Equal(paragraph("offline edit")))

		require.Eventually(t, func() bool { return len(saver.Saved()) == 1 }, time.Second, 5*time.Millisecond)
		assert.True(t, saver.Saved()[0].Equal(paragraph("offline edit")), "cached content reaches the server")
	})

	t.Run("fetched content wins when present", func(t *testing.T) {
		h := newHarness(t, &fakeSaver{}, paragraph("server"))
		require.NoError(t, h.cache.Put(context.Background(), docID, paragraph("stale")))

		content, restored := h.sync.RestoreFromCache(context.Background(), paragraph("server"))
		assert.False(t, restored)
		assert.True(t, content.Equal(paragraph("server")))
	})

	t.Run("expired cache is ignored", func(t *testing.T) {
		h := newHarness(t, &fakeSaver{}, models.EmptyContent())
		now := time.Now()
		h.cache.Now = func() time.Time { return now }
		require.NoError(t, h.cache.Put(context.Background(), docID, paragraph("old")))
		h.cache.Now = func() time.Time { return now.Add(constants.CacheTTL + time.Minute) }

		_, restored := h.sync.RestoreFromCache(context.Background(), models.EmptyContent())
		assert.False(t, restored)
	})
}

func TestRemoteUpdateSupersedesPendingEdit(t *testing.T) {
	t.Run("debounced edit is dropped", func(t *testing.T) {
		h := newHarness(t, &fakeSaver{}, models.EmptyContent())

		h.sync.OnLocalChange(paragraph("mine"))
		assert.True(t, h.sync.OnRemoteUpdate(paragraph("theirs"), "peer"))

		time.Sleep(100 * time.Millisecond)
		assert.Empty(t, h.saver.Saved(), "the local edit is never saved")
		assert.Equal(t, StateIdle, h.sync.State())
		assert.True(t, h.sync.CurrentContent().Equal(paragraph("theirs")))

		entry, err := h.cache.Get(context.Background(), docID)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.True(t, entry.Content.Equal(paragraph("theirs")), "the cache holds the remote content")
	})

	t.Run("waiting save is released", func(t *testing.T) {
		saver := &fakeSaver{release: make(chan struct{}), started: make(chan struct{}, 4)}
		h := newHarness(t, saver, models.EmptyContent())
		defer close(saver.release)

		h.sync.OnLocalChange(paragraph("first"))
		<-saver.started

		errs := make(chan error, 1)
		go func() { errs <- h.sync.Save(context.Background(), paragraph("linked")) }()
		require.Eventually(t, func() bool { return h.sync.State() == StatePendingSave }, time.Second, time.Millisecond)

		assert.True(t, h.sync.OnRemoteUpdate(paragraph("theirs"), "peer"))
		assert.ErrorIs(t, <-errs, constants.ErrSaveSuperseded)
	})
}

func TestSaveWaitsForSaveInFlight(t *testing.T) {
	saver := &fakeSaver{release: make(chan struct{}), started: make(chan struct{}, 4)}
	h := newHarness(t, saver, models.EmptyContent(), func(cfg *Config) { cfg.Debounce = time.Hour })

	h.sync.OnLocalChange(paragraph("first"))
	h.sync.Flush()
	<-saver.started

	errs := make(chan error, 1)
	go func() { errs <- h.sync.Save(context.Background(), paragraph("linked")) }()

	select {
	case err := <-errs:
		t.Fatalf("Save returned before the save in flight finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	saver.release <- struct{}{}
	<-saver.started
	saver.release <- struct{}{}

	require.NoError(t, <-errs)
	saved := saver.Saved()
	require.Len(t, saved, 2)
	assert.True(t, saved[0].Equal(paragraph("first")))
	assert.True(t, saved[1].Equal(paragraph("linked")))
	assert.Equal(t, int32(1), saver.maxActive.Load(), "at most one save in flight")
	assert.Eventually(t, func() bool { return h.sync.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestSave(t *testing.T) {
	t.Run("saved content returns at once", func(t *testing.T) {
		initial := paragraph("same")
		h := newHarness(t, &fakeSaver{}, initial)

		require.NoError(t, h.sync.Save(context.Background(), initial))
		assert.Empty(t, h.saver.Saved())
	})

	t.Run("failure is returned", func(t *testing.T) {
		saver := &fakeSaver{failures: []error{errUnavailable, errUnavailable}}
		h := newHarness(t, saver, models.EmptyContent())

		assert.ErrorIs(t, h.sync.Save(context.Background(), paragraph("x")), errUnavailable)
	})

	t.Run("closed", func(t *testing.T) {
		h := newHarness(t, &fakeSaver{}, models.EmptyContent())
		h.sync.Close()

		assert.ErrorIs(t, h.sync.Save(context.Background(), paragraph("x")), constants.ErrSynchronizerClosed)
		_, err := h.sync.Update(context.Background(), models.DocumentUpdate{})
		assert.ErrorIs(t, err, constants.ErrSynchronizerClosed)
	})

	t.Run("close releases waiters", func(t *testing.T) {
		saver := &fakeSaver{release: make(chan struct{}), started: make(chan struct{}, 4)}
		h := newHarness(t, saver, models.EmptyContent())
		defer close(saver.release)

		h.sync.OnLocalChange(paragraph("first"))
		<-saver.started

		errs := make(chan error, 1)
		go func() { errs <- h.sync.Save(context.Background(), paragraph("linked")) }()
		require.Eventually(t, func() bool { return h.sync.State() == StatePendingSave }, time.Second, time.Millisecond)

		h.sync.Close()
		assert.ErrorIs(t, <-errs, constants.ErrSynchronizerClosed)
	})
}

func TestUpdateIsSerialisedWithSaves(t *testing.T) {
	saver := &fakeSaver{release: make(chan struct{}), started: make(chan struct{}, 4)}
	h := newHarness(t, saver, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("first"))
	<-saver.started

	type result struct {
		doc *models.Document
		err error
	}
	results := make(chan result, 1)
	title := "Renamed"
	go func() {
		doc, err := h.sync.Update(context.Background(), models.DocumentUpdate{Title: &title})
		results <- result{doc, err}
	}()

	select {
	case <-results:
		t.Fatal("Update ran alongside the save in flight")
	case <-time.After(50 * time.Millisecond):
	}

	saver.release <- struct{}{}
	<-saver.started
	saver.release <- struct{}{}

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, "Renamed", res.doc.Title)
	require.Len(t, saver.Updates(), 1)
	assert.Len(t, saver.Saved(), 1)
	assert.Equal(t, int32(1), saver.maxActive.Load(), "one write in flight")
}

func TestRetryDuringWriteIsKept(t *testing.T) {
	saver := &fakeSaver{failures: []error{errUnavailable}, release: make(chan struct{}), started: make(chan struct{}, 4)}
	h := newHarness(t, saver, models.EmptyContent())

	h.sync.OnLocalChange(paragraph("keep me"))
	<-saver.started
	saver.release <- struct{}{}

	// The retry fires while the field update is in flight.
	title := "busy"
	go func() { _, _ = h.sync.Update(context.Background(), models.DocumentUpdate{Title: &title}) }()
	<-saver.started
	time.Sleep(80 * time.Millisecond)
	saver.release <- struct{}{}

	<-saver.started
	saver.release <- struct{}{}

	require.Eventually(t, func() bool { return len(h.transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	saved := saver.Saved()
	require.Len(t, saved, 2)
	assert.True(t, saved[1].Equal(paragraph("keep me")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "PendingSave", StatePendingSave.String())
	assert.Equal(t, "Saving", StateSaving.String())
	assert.Equal(t, "InvalidState", State(99).String())
}
