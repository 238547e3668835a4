package docsync

import (
	"context"
	"fmt"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/store"
)

// DocumentPath is the page path of document id.
func DocumentPath(id models.DocumentID) string {
	return constants.DocumentsPath + "/" + id.String()
}

// ResolveRoot returns the workspace root, the root document with the lowest
// id. An empty workspace gets a welcome document, which is returned.
func ResolveRoot(ctx context.Context, st store.Store) (*models.Document, error) {
	roots, err := st.ListRootDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("docsync: list root documents: %w", err)
	}

	var root *models.Document
	for _, doc := range roots {
		if root == nil || doc.ID < root.ID {
			root = doc
		}
	}
	if root != nil {
		return root, nil
	}

	root, err = st.CreateDocument(ctx, models.NewDocument{
		Title:   models.WelcomeTitle,
		Content: models.WelcomeContent(),
	})
	if err != nil {
		return nil, fmt.Errorf("docsync: create welcome document: %w", err)
	}
	return root, nil
}

type Breadcrumb struct {
	ID    models.DocumentID
	Title string
	Path  string
}

func breadcrumbOf(doc *models.Document) Breadcrumb {
	return Breadcrumb{
		ID:    doc.ID,
		Title: doc.DisplayTitle(),
		Path:  DocumentPath(doc.ID),
	}
}

// Breadcrumbs returns the parent, when there is one the caller can read,
// followed by the document itself.
func (v *View) Breadcrumbs(ctx context.Context) []Breadcrumb {
	doc := v.Document()

	var crumbs []Breadcrumb
	if doc.ParentID != nil {
		parent, err := v.store.GetDocument(ctx, *doc.ParentID)
		if err != nil {
			v.logger.Debug("docsync.View could not load the parent", "document_id", v.id, "error", err)
		} else {
			crumbs = append(crumbs, breadcrumbOf(parent))
		}
	}
	return append(crumbs, breadcrumbOf(&doc))
}
