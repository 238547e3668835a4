// Package store defines the document storage collaborator and its
// in-process implementations.
//
// Implementations report a missing document with constants.ErrNotFound and
// a document the caller may not see with constants.ErrForbidden, wrapped or
// not, so callers can test with errors.Is.
package store

import (
	"context"

	"github.com/collabdoc/docsync/pkg/models"
)

// Store is the durable document CRUD interface.
type Store interface {
	GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error)

	// UpdateDocument applies a partial update and returns the stored result.
	UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error)

	CreateDocument(ctx context.Context, doc models.NewDocument) (*models.Document, error)

	// DeleteDocument removes one document. It never touches the parent.
	DeleteDocument(ctx context.Context, id models.DocumentID) error

	// ListRootDocuments returns the parentless documents ordered by id.
	ListRootDocuments(ctx context.Context) ([]*models.Document, error)

	// ListChildDocuments returns the children of parentID ordered by id.
	ListChildDocuments(ctx context.Context, parentID models.DocumentID) ([]*models.Document, error)

	Close() error
}

// RoleWatcher is implemented by stores that can push capability changes.
type RoleWatcher interface {
	// WatchRole delivers the caller's role on id whenever it changes. The
	// channel is closed when ctx is done.
	WatchRole(ctx context.Context, id models.DocumentID) (<-chan models.Role, error)
}
