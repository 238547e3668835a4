package refs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/store"
)

var errStorage = errors.New("storage offline")

// countingStore counts content saves and can fail them.
type countingStore struct {
	*store.MemoryStore
	updates atomic.Int32
	fail    atomic.Bool
}

func (c *countingStore) UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error) {
	if c.fail.Load() {
		return nil, errStorage
	}
	c.updates.Add(1)
	return c.MemoryStore.UpdateDocument(ctx, id, update)
}

func setup(t *testing.T) (*Maintainer, *countingStore) {
	t.Helper()
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	return New(st, nil), st
}

func ref(id models.DocumentID, title string) models.Block {
	return models.NewNestedRefBlock(models.NestedDocumentRef{ChildID: id, Title: title})
}

func text(s string) models.Block {
	return models.Block{Type: "paragraph", Data: models.JSONMap{"text": s}}
}

func create(t *testing.T, st store.Store, title string, parent *models.DocumentID, blocks ...models.Block) *models.Document {
	t.Helper()
	doc, err := st.CreateDocument(context.Background(), models.NewDocument{
		Title:    title,
		ParentID: parent,
		Content:  models.NewContent(blocks...),
	})
	require.NoError(t, err)
	return doc
}

func setContent(t *testing.T, st store.Store, id models.DocumentID, blocks ...models.Block) {
	t.Helper()
	content := models.NewContent(blocks...)
	_, err := st.UpdateDocument(context.Background(), id, models.DocumentUpdate{Content: &content})
	require.NoError(t, err)
}

func load(t *testing.T, st store.Store, id models.DocumentID) *models.Document {
	t.Helper()
	doc, err := st.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func TestRenameUpdatesEveryReferenceAndSavesOnce(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()

	parent := create(t, st, "parent", nil)
	child := create(t, st, "Old", parent.ID.Ptr())
	other := create(t, st, "Other", parent.ID.Ptr())
	setContent(t, st, parent.ID, ref(child.ID, "Old"), text("between"), ref(other.ID, "Other"), ref(child.ID, "Old"))
	st.updates.Store(0)

	icon := "🚀"
	changed, err := m.OnChildTitleChanged(ctx, child.ID, "New", &icon)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int32(1), st.updates.Load(), "parent saved exactly once")

	blocks := load(t, st, parent.ID).Content.Blocks
	require.Len(t, blocks, 4)
	for _, i := range []int{0, 3} {
		r, ok := blocks[i].NestedRef()
		require.True(t, ok)
		assert.Equal(t, "New", r.Title)
		require.NotNil(t, r.Icon)
		assert.Equal(t, "🚀", *r.Icon)
	}
	r, _ := blocks[2].NestedRef()
	assert.Equal(t, "Other", r.Title, "other children untouched")
	assert.Equal(t, "between", blocks[1].Data["text"], "order preserved")

	t.Run("unchanged title does not save", func(t *testing.T) {
		st.updates.Store(0)
		changed, err := m.OnChildTitleChanged(ctx, child.ID, "New", &icon)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, int32(0), st.updates.Load())
	})
}

func TestRenameRootIsNoOp(t *testing.T) {
	m, st := setup(t)
	root := create(t, st, "root", nil)

	changed, err := m.OnChildTitleChanged(context.Background(), root.ID, "x", nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(0), st.updates.Load())
}

func TestDeleteRemovesReferencesAndSavesOnce(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()

	parent := create(t, st, "parent", nil)
	child := create(t, st, "seven", parent.ID.Ptr())
	setContent(t, st, parent.ID, text("a"), ref(child.ID, "seven"), text("b"))
	st.updates.Store(0)

	removed, err := m.OnChildDeleted(ctx, child.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int32(1), st.updates.Load())

	blocks := load(t, st, parent.ID).Content.Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, "a", blocks[0].Data["text"])
	assert.Equal(t, "b", blocks[1].Data["text"])
	assert.Empty(t, load(t, st, parent.ID).Content.ReferencedChildren())

	t.Run("nothing to remove does not save", func(t *testing.T) {
		st.updates.Store(0)
		removed, err := m.RemoveFrom(ctx, parent.ID, child.ID)
		require.NoError(t, err)
		assert.False(t, removed)
		assert.Equal(t, int32(0), st.updates.Load())
	})
}

func TestDeleteRemovesDuplicateReferences(t *testing.T) {
	m, st := setup(t)
	parent := create(t, st, "parent", nil)
	child := create(t, st, "dup", parent.ID.Ptr())
	setContent(t, st, parent.ID, ref(child.ID, "dup"), ref(child.ID, "dup"), ref(child.ID, "dup"))

	removed, err := m.RemoveFrom(context.Background(), parent.ID, child.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, load(t, st, parent.ID).Content.Blocks)
}

func TestCreateChildLinksAuthoringBlock(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()

	parent := create(t, st, "parent", nil)
	authoring := models.Block{ID: "draft", Type: models.BlockTypeNestedDocument, Data: models.JSONMap{}}
	live := models.NewContent(text("intro"), authoring, text("outro"))

	child, content, err := m.CreateChild(ctx, parent.ID, live, "Chapter", nil)
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)

	require.Len(t, content.Blocks, 3, "rewritten in place")
	assert.Equal(t, "draft", content.Blocks[1].ID)
	r, ok := content.Blocks[1].NestedRef()
	require.True(t, ok)
	assert.Equal(t, child.ID, r.ChildID)
	assert.Equal(t, "Chapter", r.Title)

	assert.True(t, load(t, st, parent.ID).Content.Equal(content), "parent persisted")
}

func TestCreateChildAppendsWithoutAuthoringBlock(t *testing.T) {
	m, st := setup(t)
	parent := create(t, st, "parent", nil)

	child, content, err := m.CreateChild(context.Background(), parent.ID, models.NewContent(text("only")), "", nil)
	require.NoError(t, err)
	require.Len(t, content.Blocks, 2)
	assert.True(t, content.Blocks[1].References(child.ID))
}

func TestCreateChildLinkFailureIsSwept(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()
	parent := create(t, st, "parent", nil)

	st.fail.Store(true)
	child, content, err := m.CreateChild(ctx, parent.ID, models.EmptyContent(), "orphan", nil)
	require.ErrorIs(t, err, errStorage)
	require.NotNil(t, child, "the child exists even though linking failed")
	assert.Empty(t, content.Blocks)
	st.fail.Store(false)

	linked, err := m.SweepOrphans(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, linked)
	assert.True(t, load(t, st, parent.ID).Content.ReferencedChildren()[child.ID])

	t.Run("second sweep finds nothing", func(t *testing.T) {
		st.updates.Store(0)
		linked, err := m.SweepOrphans(ctx, parent.ID)
		require.NoError(t, err)
		assert.Zero(t, linked)
		assert.Equal(t, int32(0), st.updates.Load())
	})
}

func TestRefreshReferences(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()

	parent := create(t, st, "parent", nil)
	renamed := create(t, st, "Current", parent.ID.Ptr())
	gone := create(t, st, "Gone", parent.ID.Ptr())
	setContent(t, st, parent.ID, ref(renamed.ID, "Stale"), ref(gone.ID, "Gone"), ref(renamed.ID, "Stale"))
	require.NoError(t, st.DeleteDocument(ctx, gone.ID))
	st.updates.Store(0)

	changed, err := m.RefreshReferences(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, changed)
	assert.Equal(t, int32(1), st.updates.Load())

	refs := load(t, st, parent.ID).Content.NestedRefs()
	require.Len(t, refs, 2)
	for _, r := range refs {
		assert.Equal(t, renamed.ID, r.ChildID)
		assert.Equal(t, "Current", r.Title)
	}
}

func TestRefreshLeavesForbiddenChildren(t *testing.T) {
	m, st := setup(t)
	parent := create(t, st, "parent", nil)
	hidden := create(t, st, "Secret", parent.ID.Ptr())
	setContent(t, st, parent.ID, ref(hidden.ID, "Cached"))
	st.Hide(hidden.ID)

	changed, err := m.RefreshReferences(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestMissingParent(t *testing.T) {
	m, _ := setup(t)
	_, err := m.RenameIn(context.Background(), 99, 1, "x", nil)
	assert.ErrorIs(t, err, constants.ErrNotFound)

	_, err = m.OnChildDeleted(context.Background(), 99)
	assert.ErrorIs(t, err, constants.ErrNotFound)
}

func TestSaveThrough(t *testing.T) {
	m, st := setup(t)
	ctx := context.Background()
	parent := create(t, st, "parent", nil)

	var routed []models.ContentTree
	m.SaveThrough(parent.ID, func(_ context.Context, content models.ContentTree) error {
		routed = append(routed, content.Clone())
		return nil
	})

	child, content, err := m.CreateChild(ctx, parent.ID, models.EmptyContent(), "Chapter", nil)
	require.NoError(t, err)
	require.Len(t, routed, 1)
	assert.True(t, routed[0].Equal(content))
	assert.Equal(t, int32(0), st.updates.Load(), "the store is not written directly")

	t.Run("errors are returned", func(t *testing.T) {
		m.SaveThrough(parent.ID, func(context.Context, models.ContentTree) error { return errStorage })
		_, err := m.RenameIn(ctx, parent.ID, child.ID, "Renamed", nil)
		assert.ErrorIs(t, err, errStorage)
	})

	t.Run("removed route falls back to the store", func(t *testing.T) {
		m.SaveThrough(parent.ID, nil)
		changed, err := m.RenameIn(ctx, parent.ID, child.ID, "Renamed", nil)
		require.NoError(t, err)
		assert.False(t, changed, "the routed link never reached the store")

		setContent(t, st, parent.ID, ref(child.ID, "Chapter"))
		st.updates.Store(0)
		changed, err = m.RenameIn(ctx, parent.ID, child.ID, "Renamed", nil)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int32(1), st.updates.Load())
	})
}
