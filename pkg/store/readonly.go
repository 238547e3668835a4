package store

import (
	"context"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
)

// ReadOnlyStore wraps a Store and rejects writes while isReadOnly reports
// true. A view wraps its store in one so a role downgrade blocks any save
// that is already scheduled.
//
// The read-only state is evaluated on every call, so the view can toggle it
// without recreating the store.
type ReadOnlyStore struct {
	Store
	isReadOnly func() bool
}

func NewReadOnlyStore(store Store, isReadOnly func() bool) *ReadOnlyStore {
	return &ReadOnlyStore{
		Store:      store,
		isReadOnly: isReadOnly,
	}
}

// Unwrap returns the underlying store
func (r *ReadOnlyStore) Unwrap() Store {
	return r.Store
}

func (r *ReadOnlyStore) checkReadOnly() error {
	if r.isReadOnly() {
		return constants.ErrReadOnly
	}
	return nil
}

func (r *ReadOnlyStore) UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error) {
	if err := r.checkReadOnly(); err != nil {
		return nil, err
	}
	return r.Store.UpdateDocument(ctx, id, update)
}

func (r *ReadOnlyStore) CreateDocument(ctx context.Context, doc models.NewDocument) (*models.Document, error) {
	if err := r.checkReadOnly(); err != nil {
		return nil, err
	}
	return r.Store.CreateDocument(ctx, doc)
}

func (r *ReadOnlyStore) DeleteDocument(ctx context.Context, id models.DocumentID) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.DeleteDocument(ctx, id)
}

// WatchRole forwards to the wrapped store when it can push role changes.
func (r *ReadOnlyStore) WatchRole(ctx context.Context, id models.DocumentID) (<-chan models.Role, error) {
	w, ok := r.Store.(RoleWatcher)
	if !ok {
		return nil, errNoRoleWatch
	}
	return w.WatchRole(ctx, id)
}
