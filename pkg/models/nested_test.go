package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refBlock(id any, title string) Block {
	return Block{Type: BlockTypeNestedDocument, Data: JSONMap{"id": id, "title": title}}
}

func para(text string) Block {
	return Block{Type: "paragraph", Data: JSONMap{"text": text}}
}

func TestNestedRefDecodesIDs(t *testing.T) {
	for name, raw := range map[string]any{
		"string":  "42",
		"number":  float64(42),
		"int64":   int64(42),
		"padded":  " 42 ",
		"typed":   DocumentID(42),
		"uint64":  uint64(42),
		"integer": 42,
	} {
		t.Run(name, func(t *testing.T) {
			ref, ok := refBlock(raw, "t").NestedRef()
			require.True(t, ok)
			assert.Equal(t, DocumentID(42), ref.ChildID)
			assert.True(t, refBlock(raw, "t").References(42))
		})
	}

	ref, ok := refBlock(4.5, "t").NestedRef()
	require.True(t, ok)
	assert.Zero(t, ref.ChildID)

	_, ok = para("x").NestedRef()
	assert.False(t, ok)
}

func TestUpdateNestedRefs(t *testing.T) {
	c := NewContent(refBlock("42", "Old"), para("between"), refBlock(float64(42), "Old"), refBlock("7", "Other"))

	updated, n := c.UpdateNestedRefs(42, "New", StringPtr("📄"))
	assert.Equal(t, 2, n)
	assert.Equal(t, "New", updated.Blocks[0].Data["title"])
	assert.Equal(t, "📄", updated.Blocks[2].Data["icon"])
	assert.Equal(t, "Other", updated.Blocks[3].Data["title"])
	assert.Equal(t, "Old", c.Blocks[0].Data["title"], "input must not be mutated")

	again, n := updated.UpdateNestedRefs(42, "New", StringPtr("📄"))
	assert.Zero(t, n)
	assert.True(t, again.Equal(updated))

	cleared, n := updated.UpdateNestedRefs(42, "New", nil)
	assert.Equal(t, 2, n)
	_, hasIcon := cleared.Blocks[0].Data["icon"]
	assert.False(t, hasIcon)
}

func TestRemoveNestedRefs(t *testing.T) {
	c := NewContent(refBlock("7", "a"), para("keep"), refBlock("8", "b"), refBlock(float64(7), "a"), refBlock("7", "a"))

	out, n := c.RemoveNestedRefs(7)
	assert.Equal(t, 3, n)
	require.Len(t, out.Blocks, 2)
	assert.Equal(t, "keep", out.Blocks[0].Data["text"])
	assert.True(t, out.Blocks[1].References(8))
	assert.Len(t, c.Blocks, 5)

	_, n = out.RemoveNestedRefs(7)
	assert.Zero(t, n)
}

func TestLinkNestedRef(t *testing.T) {
	t.Run("rewrites the authoring block", func(t *testing.T) {
		c := NewContent(para("a"), Block{ID: "blk", Type: BlockTypeNestedDocument, Data: JSONMap{"id": ""}}, para("b"))
		out := c.LinkNestedRef(NestedDocumentRef{ChildID: 9, Title: "Child"})
		require.Len(t, out.Blocks, 3)
		assert.Equal(t, "blk", out.Blocks[1].ID)
		assert.True(t, out.Blocks[1].References(9))
		assert.Equal(t, "Child", out.Blocks[1].Data["title"])
	})

	t.Run("appends when there is no authoring block", func(t *testing.T) {
		c := NewContent(refBlock("3", "x"))
		out := c.LinkNestedRef(NestedDocumentRef{ChildID: 9, Title: "Child"})
		require.Len(t, out.Blocks, 2)
		assert.True(t, out.Blocks[1].References(9))
		assert.NotEmpty(t, out.Blocks[1].ID)
	})
}

func TestReferencedChildren(t *testing.T) {
	c := NewContent(refBlock("1", "a"), refBlock("", "pending"), refBlock(float64(2), "b"), para("x"))
	assert.Equal(t, map[DocumentID]bool{1: true, 2: true}, c.ReferencedChildren())
	assert.Len(t, c.NestedRefs(), 3)
}
