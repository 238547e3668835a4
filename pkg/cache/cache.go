// Package cache keeps a local copy of each document's latest content so
// edits survive failed saves and reloads.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
)

// Entry is one cached document body.
type Entry struct {
	DocumentID models.DocumentID
	Content    models.ContentTree
	SavedAt    time.Time
}

// Cache stores the latest local content per document. Get returns nil for
// a missing or expired entry.
type Cache interface {
	Get(ctx context.Context, id models.DocumentID) (*Entry, error)
	Put(ctx context.Context, id models.DocumentID, content models.ContentTree) error
	// Touch refreshes the timestamp of an existing entry.
	Touch(ctx context.Context, id models.DocumentID) error
	Delete(ctx context.Context, id models.DocumentID) error
	Close() error
}

// Memory is an in-process Cache. The zero value is ready to use.
type Memory struct {
	// TTL defaults to constants.CacheTTL.
	TTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	entries map[models.DocumentID]Entry
}

var _ Cache = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		TTL:     constants.CacheTTL,
		Now:     time.Now,
		entries: make(map[models.DocumentID]Entry),
	}
}

func (m *Memory) Get(_ context.Context, id models.DocumentID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	if m.now().Sub(e.SavedAt) >= m.ttl() {
		delete(m.entries, id)
		return nil, nil
	}
	e.Content = e.Content.Clone()
	return &e, nil
}

func (m *Memory) Put(_ context.Context, id models.DocumentID, content models.ContentTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[models.DocumentID]Entry)
	}
	m.entries[id] = Entry{DocumentID: id, Content: content.Clone(), SavedAt: m.now()}
	return nil
}

func (m *Memory) Touch(_ context.Context, id models.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.SavedAt = m.now()
		m.entries[id] = e
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, id models.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) ttl() time.Duration {
	if m.TTL <= 0 {
		return constants.CacheTTL
	}
	return m.TTL
}
