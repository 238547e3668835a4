// Package refs keeps the nestedDocument blocks of parent documents in step
// with their children.
//
// A parent links to a child through a nestedDocument block that caches the
// child's title and icon. Renames rewrite every such block, deletes remove
// them, and creation links the new child. None of these is atomic with the
// child's own write, so SweepOrphans and RefreshReferences reconcile
// whatever a failed step left behind.
package refs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/store"
)

// Saver persists the content of one document.
type Saver func(ctx context.Context, content models.ContentTree) error

type Maintainer struct {
	store  store.Store
	logger logger.Logger

	mu     sync.RWMutex
	savers map[models.DocumentID]Saver
}

func New(st store.Store, log logger.Logger) *Maintainer {
	return &Maintainer{
		store:  st,
		logger: logger.OrDiscard(log),
		savers: make(map[models.DocumentID]Saver),
	}
}

// SaveThrough sends content writes of id to save instead of the store. A
// nil save removes the route.
func (m *Maintainer) SaveThrough(id models.DocumentID, save Saver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if save == nil {
		delete(m.savers, id)
		return
	}
	m.savers[id] = save
}

// OnChildTitleChanged rewrites the cached title and icon of every block in
// the child's parent that links to the child. It reports whether the parent
// was saved. A child without a parent is a no-op.
func (m *Maintainer) OnChildTitleChanged(ctx context.Context, childID models.DocumentID, title string, icon *string) (bool, error) {
	parentID, err := m.parentOf(ctx, childID)
	if err != nil || parentID == nil {
		return false, err
	}
	return m.RenameIn(ctx, *parentID, childID, title, icon)
}

// RenameIn is OnChildTitleChanged with a known parent.
func (m *Maintainer) RenameIn(ctx context.Context, parentID, childID models.DocumentID, title string, icon *string) (bool, error) {
	parent, err := m.store.GetDocument(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("refs: load parent %d: %w", parentID, err)
	}

	updated, changed := parent.Content.UpdateNestedRefs(childID, title, icon)
	if changed == 0 {
		return false, nil
	}

	if err := m.save(ctx, parentID, updated); err != nil {
		return false, err
	}
	m.logger.Debug("refs.Maintainer renamed references", "parent_id", parentID, "child_id", childID, "blocks", changed)
	return true, nil
}

// OnChildDeleted removes every block in the child's parent that links to
// the child. Call it before deleting the child, while its parent is still
// known.
func (m *Maintainer) OnChildDeleted(ctx context.Context, childID models.DocumentID) (bool, error) {
	parentID, err := m.parentOf(ctx, childID)
	if err != nil || parentID == nil {
		return false, err
	}
	return m.RemoveFrom(ctx, *parentID, childID)
}

// RemoveFrom is OnChildDeleted with a known parent.
func (m *Maintainer) RemoveFrom(ctx context.Context, parentID, childID models.DocumentID) (bool, error) {
	parent, err := m.store.GetDocument(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("refs: load parent %d: %w", parentID, err)
	}

	updated, removed := parent.Content.RemoveNestedRefs(childID)
	if removed == 0 {
		return false, nil
	}

	if err := m.save(ctx, parentID, updated); err != nil {
		return false, err
	}
	m.logger.Debug("refs.Maintainer removed references", "parent_id", parentID, "child_id", childID, "blocks", removed)
	return true, nil
}

// OnChildCreated links child from parentContent, the parent's live content,
// and saves the parent. The authoring block, the first nestedDocument block
// without a child id, is rewritten in place; without one a block is
// appended.
func (m *Maintainer) OnChildCreated(ctx context.Context, parentID models.DocumentID, parentContent models.ContentTree, child *models.Document) (models.ContentTree, error) {
	linked := parentContent.LinkNestedRef(models.NestedDocumentRef{
		ChildID: child.ID,
		Title:   child.Title,
		Icon:    child.Icon,
	})
	if err := m.save(ctx, parentID, linked); err != nil {
		return parentContent, err
	}
	return linked, nil
}

// CreateChild creates a child of parentID and links it from parentContent.
// When linking fails the child exists unreferenced and is returned with the
// error; SweepOrphans re-links it later.
func (m *Maintainer) CreateChild(ctx context.Context, parentID models.DocumentID, parentContent models.ContentTree, title string, icon *string) (*models.Document, models.ContentTree, error) {
	child, err := m.store.CreateDocument(ctx, models.NewDocument{
		Title:    title,
		Content:  models.EmptyContent(),
		ParentID: parentID.Ptr(),
		Icon:     icon,
	})
	if err != nil {
		return nil, parentContent, fmt.Errorf("refs: create child of %d: %w", parentID, err)
	}

	linked, err := m.OnChildCreated(ctx, parentID, parentContent, child)
	if err != nil {
		m.logger.Warn("refs.Maintainer created an unlinked child", "parent_id", parentID, "child_id", child.ID, "error", err)
		return child, parentContent, err
	}
	return child, linked, nil
}

// SweepOrphans appends a reference for every child of parentID that the
// parent's content does not link to. It returns the number of children
// linked.
func (m *Maintainer) SweepOrphans(ctx context.Context, parentID models.DocumentID) (int, error) {
	parent, err := m.store.GetDocument(ctx, parentID)
	if err != nil {
		return 0, fmt.Errorf("refs: load parent %d: %w", parentID, err)
	}
	children, err := m.store.ListChildDocuments(ctx, parentID)
	if err != nil {
		return 0, fmt.Errorf("refs: list children of %d: %w", parentID, err)
	}

	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })

	referenced := parent.Content.ReferencedChildren()
	content := parent.Content.Clone()
	linked := 0
	for _, child := range children {
		if referenced[child.ID] {
			continue
		}
		content.Blocks = append(content.Blocks, models.NewNestedRefBlock(models.NestedDocumentRef{
			ChildID: child.ID,
			Title:   child.Title,
			Icon:    child.Icon,
		}))
		linked++
	}
	if linked == 0 {
		return 0, nil
	}

	if err := m.save(ctx, parentID, content); err != nil {
		return 0, err
	}
	m.logger.Info("refs.Maintainer re-linked orphaned children", "parent_id", parentID, "children", linked)
	return linked, nil
}

// RefreshReferences corrects stale cached titles and icons in parentID and
// drops references to children that no longer exist. Children the caller
// cannot read are left alone. It returns the number of blocks changed.
func (m *Maintainer) RefreshReferences(ctx context.Context, parentID models.DocumentID) (int, error) {
	parent, err := m.store.GetDocument(ctx, parentID)
	if err != nil {
		return 0, fmt.Errorf("refs: load parent %d: %w", parentID, err)
	}

	content := parent.Content
	total := 0
	seen := make(map[models.DocumentID]bool)
	for _, ref := range parent.Content.NestedRefs() {
		if ref.ChildID == 0 || seen[ref.ChildID] {
			continue
		}
		seen[ref.ChildID] = true

		child, err := m.store.GetDocument(ctx, ref.ChildID)
		switch {
		case errors.Is(err, constants.ErrNotFound):
			var n int
			content, n = content.RemoveNestedRefs(ref.ChildID)
			total += n
		case errors.Is(err, constants.ErrForbidden):
			// Rendered with the cached title.
		case err != nil:
			return 0, fmt.Errorf("refs: load child %d: %w", ref.ChildID, err)
		default:
			var n int
			content, n = content.UpdateNestedRefs(child.ID, child.Title, child.Icon)
			total += n
		}
	}
	if total == 0 {
		return 0, nil
	}

	if err := m.save(ctx, parentID, content); err != nil {
		return 0, err
	}
	m.logger.Info("refs.Maintainer refreshed references", "parent_id", parentID, "blocks", total)
	return total, nil
}

func (m *Maintainer) parentOf(ctx context.Context, childID models.DocumentID) (*models.DocumentID, error) {
	child, err := m.store.GetDocument(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("refs: load child %d: %w", childID, err)
	}
	return child.ParentID, nil
}

func (m *Maintainer) save(ctx context.Context, parentID models.DocumentID, content models.ContentTree) error {
	m.mu.RLock()
	save := m.savers[parentID]
	m.mu.RUnlock()
	if save != nil {
		if err := save(ctx, content); err != nil {
			return fmt.Errorf("refs: save parent %d: %w", parentID, err)
		}
		return nil
	}

	if _, err := m.store.UpdateDocument(ctx, parentID, models.DocumentUpdate{Content: &content}); err != nil {
		return fmt.Errorf("refs: save parent %d: %w", parentID, err)
	}
	return nil
}
