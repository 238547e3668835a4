package models

import (
	"math"
	"strings"

	"github.com/collabdoc/docsync/internal/rand"
	"github.com/collabdoc/docsync/pkg/constants"
)

// BlockTypeNestedDocument marks a block that links to a child document.
const BlockTypeNestedDocument = "nestedDocument"

// NestedDocumentRef is the view of a nestedDocument block: the child it links
// to plus the title and icon cached at the time of the last update.
type NestedDocumentRef struct {
	// ChildID is zero while the block is still being authored.
	ChildID DocumentID
	Title   string
	Icon    *string
}

// NestedRef decodes b as a NestedDocumentRef. The child id may be stored as a
// JSON string or number.
func (b Block) NestedRef() (NestedDocumentRef, bool) {
	if b.Type != BlockTypeNestedDocument {
		return NestedDocumentRef{}, false
	}

	ref := NestedDocumentRef{}
	if b.Data == nil {
		return ref, true
	}
	ref.ChildID, _ = refID(b.Data["id"])
	if title, ok := b.Data["title"].(string); ok {
		ref.Title = title
	}
	if icon, ok := b.Data["icon"].(string); ok && icon != "" {
		ref.Icon = &icon
	}
	return ref, true
}

func refID(v any) (DocumentID, bool) {
	switch id := v.(type) {
	case string:
		parsed, err := ParseDocumentID(strings.TrimSpace(id))
		if err != nil {
			return 0, false
		}
		return parsed, true
	case float64:
		if id != math.Trunc(id) {
			return 0, false
		}
		return DocumentID(id), true
	case int:
		return DocumentID(id), true
	case int64:
		return DocumentID(id), true
	case uint64:
		return DocumentID(id), true
	case DocumentID:
		return id, true
	default:
		return 0, false
	}
}

// References reports whether b is a nestedDocument block linking to childID.
func (b Block) References(childID DocumentID) bool {
	ref, ok := b.NestedRef()
	return ok && ref.ChildID != 0 && ref.ChildID == childID
}

// NewNestedRefBlock returns a nestedDocument block linking to ref.ChildID.
func NewNestedRefBlock(ref NestedDocumentRef) Block {
	return Block{
		ID:   rand.String(constants.BlockIDLength),
		Type: BlockTypeNestedDocument,
		Data: ref.data(JSONMap{}),
	}
}

func (ref NestedDocumentRef) data(into JSONMap) JSONMap {
	into["id"] = ref.ChildID.String()
	into["title"] = ref.Title
	if ref.Icon != nil {
		into["icon"] = *ref.Icon
	} else {
		delete(into, "icon")
	}
	return into
}

// NestedRefs lists every nestedDocument block in order.
func (c ContentTree) NestedRefs() []NestedDocumentRef {
	var refs []NestedDocumentRef
	for _, b := range c.Blocks {
		if ref, ok := b.NestedRef(); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ReferencedChildren returns the set of child ids linked from c.
func (c ContentTree) ReferencedChildren() map[DocumentID]bool {
	out := make(map[DocumentID]bool)
	for _, ref := range c.NestedRefs() {
		if ref.ChildID != 0 {
			out[ref.ChildID] = true
		}
	}
	return out
}

// UpdateNestedRefs rewrites the cached title and icon of every block linking
// to childID. It returns the new tree and the number of blocks that changed;
// c itself is not modified.
func (c ContentTree) UpdateNestedRefs(childID DocumentID, title string, icon *string) (ContentTree, int) {
	out := c.Clone()
	changed := 0
	for i, b := range out.Blocks {
		if !b.References(childID) {
			continue
		}
		ref, _ := b.NestedRef()
		if ref.Title == title && sameIcon(ref.Icon, icon) {
			continue
		}
		if b.Data == nil {
			b.Data = JSONMap{}
		}
		ref.Title = title
		ref.Icon = icon
		ref.data(b.Data)
		out.Blocks[i] = b
		changed++
	}
	return out, changed
}

// RemoveNestedRefs drops every block linking to childID, preserving the order
// of the rest.
func (c ContentTree) RemoveNestedRefs(childID DocumentID) (ContentTree, int) {
	out := c.Clone()
	kept := out.Blocks[:0]
	removed := 0
	for _, b := range out.Blocks {
		if b.References(childID) {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	out.Blocks = kept
	return out, removed
}

// LinkNestedRef points the first nestedDocument block without a child id at
// ref. When there is no such block a new one is appended.
func (c ContentTree) LinkNestedRef(ref NestedDocumentRef) ContentTree {
	out := c.Clone()
	for i, b := range out.Blocks {
		existing, ok := b.NestedRef()
		if !ok || existing.ChildID != 0 {
			continue
		}
		if b.Data == nil {
			b.Data = JSONMap{}
		}
		ref.data(b.Data)
		out.Blocks[i] = b
		return out
	}
	out.Blocks = append(out.Blocks, NewNestedRefBlock(ref))
	return out
}

func sameIcon(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
