package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
)

var errNoRoleWatch = errors.New("store cannot push role changes")

// MemoryStore keeps documents in process. Ids are assigned from 1 upwards.
// It is safe for concurrent use and can push role changes.
type MemoryStore struct {
	Now func() time.Time

	mu       sync.Mutex
	nextID   models.DocumentID
	docs     map[models.DocumentID]*models.Document
	roles    map[models.DocumentID]models.Role
	hidden   map[models.DocumentID]bool
	watchers map[models.DocumentID][]chan models.Role
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ RoleWatcher = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:      time.Now,
		nextID:   1,
		docs:     make(map[models.DocumentID]*models.Document),
		roles:    make(map[models.DocumentID]models.Role),
		hidden:   make(map[models.DocumentID]bool),
		watchers: make(map[models.DocumentID][]chan models.Role),
	}
}

func (s *MemoryStore) GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.visibleLocked(id)
	if err != nil {
		return nil, err
	}
	return s.outLocked(doc), nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.visibleLocked(id)
	if err != nil {
		return nil, err
	}
	if !s.roles[id].CanEdit() {
		return nil, fmt.Errorf("update document %d: %w", id, constants.ErrForbidden)
	}
	update.Apply(doc)
	doc.UpdatedAt = s.Now()
	return s.outLocked(doc), nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, nd models.NewDocument) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if nd.ParentID != nil {
		if _, err := s.visibleLocked(*nd.ParentID); err != nil {
			return nil, fmt.Errorf("create document under %d: %w", *nd.ParentID, err)
		}
	}

	now := s.Now()
	content := nd.Content
	if content.Blocks == nil {
		content = models.EmptyContent()
	}
	doc := &models.Document{
		ID:        s.nextID,
		Title:     nd.Title,
		Content:   content.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if nd.ParentID != nil {
		doc.ParentID = nd.ParentID.Ptr()
	}
	if nd.Icon != nil {
		icon := *nd.Icon
		doc.Icon = &icon
	}
	s.nextID++
	s.docs[doc.ID] = doc
	s.roles[doc.ID] = models.RoleOwner
	return s.outLocked(doc), nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, id models.DocumentID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.visibleLocked(id); err != nil {
		return err
	}
	if !s.roles[id].CanEdit() {
		return fmt.Errorf("delete document %d: %w", id, constants.ErrForbidden)
	}
	delete(s.docs, id)
	delete(s.roles, id)
	delete(s.hidden, id)
	for _, ch := range s.watchers[id] {
		close(ch)
	}
	delete(s.watchers, id)
	return nil
}

func (s *MemoryStore) ListRootDocuments(ctx context.Context) ([]*models.Document, error) {
	return s.list(ctx, func(d *models.Document) bool { return d.ParentID == nil })
}

func (s *MemoryStore) ListChildDocuments(ctx context.Context, parentID models.DocumentID) ([]*models.Document, error) {
	return s.list(ctx, func(d *models.Document) bool { return d.ParentID != nil && *d.ParentID == parentID })
}

func (s *MemoryStore) list(ctx context.Context, keep func(*models.Document) bool) ([]*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Document
	for id, doc := range s.docs {
		if s.hidden[id] || !keep(doc) {
			continue
		}
		out = append(out, s.outLocked(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetRole changes the caller's role on id and notifies watchers.
func (s *MemoryStore) SetRole(id models.DocumentID, role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return
	}
	s.roles[id] = role
	for _, ch := range s.watchers[id] {
		select {
		case ch <- role:
		default:
			// Drop the stale value so the latest role is always delivered.
			select {
			case <-ch:
			default:
			}
			ch <- role
		}
	}
}

// Hide revokes access to id entirely. Reads then fail with ErrForbidden.
func (s *MemoryStore) Hide(id models.DocumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[id] = true
}

// WatchRole implements RoleWatcher.
func (s *MemoryStore) WatchRole(ctx context.Context, id models.DocumentID) (<-chan models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.visibleLocked(id); err != nil {
		return nil, err
	}

	ch := make(chan models.Role, 1)
	s.watchers[id] = append(s.watchers[id], ch)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[id]
		for i, c := range list {
			if c == ch {
				s.watchers[id] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) visibleLocked(id models.DocumentID) (*models.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %d: %w", id, constants.ErrNotFound)
	}
	if s.hidden[id] {
		return nil, fmt.Errorf("document %d: %w", id, constants.ErrForbidden)
	}
	return doc, nil
}

func (s *MemoryStore) outLocked(doc *models.Document) *models.Document {
	out := doc.Clone()
	out.Role = s.roles[doc.ID]
	return out
}
