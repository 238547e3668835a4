// Package models defines the documents, content trees, and block references
// shared by every docsync component.
package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/collabdoc/docsync/pkg/constants"
)

// DocumentID is the numeric identity of a document. Root selection among
// parentless documents uses the lowest id.
type DocumentID int64

func (id DocumentID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseDocumentID parses a decimal document id.
func ParseDocumentID(s string) (DocumentID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid document id %q: %w", s, err)
	}
	return DocumentID(n), nil
}

// Ptr returns a pointer to id, for use as a parent reference.
func (id DocumentID) Ptr() *DocumentID {
	return &id
}

// Role is the caller's capability on a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may mutate the document. An empty role is
// treated as the owner, which is what the document API reports for documents
// the caller created.
func (r Role) CanEdit() bool {
	switch r {
	case RoleOwner, RoleEditor, "":
		return true
	default:
		return false
	}
}

// Document is a node in the document tree. ParentID is a weak back-reference:
// deleting a child never touches the parent row.
type Document struct {
	ID         DocumentID  `json:"id" gorm:"primaryKey;autoIncrement"`
	Title      string      `json:"title" gorm:"not null;default:''"`
	Content    ContentTree `json:"content" gorm:"type:jsonb"`
	ParentID   *DocumentID `json:"parent" gorm:"index"`
	IsFavorite bool        `json:"is_favorite" gorm:"not null;default:false"`
	Icon       *string     `json:"icon,omitempty"`
	Role       Role        `json:"role,omitempty" gorm:"-"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// DisplayTitle returns the title, or the placeholder used for untitled documents.
func (d *Document) DisplayTitle() string {
	if d.Title == "" {
		return constants.DefaultTitle
	}
	return d.Title
}

// IsRoot reports whether the document has no parent.
func (d *Document) IsRoot() bool {
	return d.ParentID == nil
}

// IsNewlyCreated reports whether the document was created moments ago and
// still has no content.
func (d *Document) IsNewlyCreated(now time.Time) bool {
	return now.Sub(d.CreatedAt) < constants.NewDocumentWindow && d.Content.IsEmpty()
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Content = d.Content.Clone()
	if d.ParentID != nil {
		c.ParentID = d.ParentID.Ptr()
	}
	if d.Icon != nil {
		icon := *d.Icon
		c.Icon = &icon
	}
	return &c
}

// DocumentUpdate is a partial update. Nil fields are left unchanged.
type DocumentUpdate struct {
	Title      *string      `json:"title,omitempty"`
	Content    *ContentTree `json:"content,omitempty"`
	IsFavorite *bool        `json:"is_favorite,omitempty"`
	Icon       *string      `json:"icon,omitempty"`

	// ClearIcon removes the icon. It takes precedence over Icon.
	ClearIcon bool `json:"-"`
}

// IsEmpty reports whether the update changes nothing.
func (u DocumentUpdate) IsEmpty() bool {
	return u.Title == nil && u.Content == nil && u.IsFavorite == nil && u.Icon == nil && !u.ClearIcon
}

// Apply writes the non-nil fields of u into d.
func (u DocumentUpdate) Apply(d *Document) {
	if u.Title != nil {
		d.Title = *u.Title
	}
	if u.Content != nil {
		d.Content = u.Content.Clone()
	}
	if u.IsFavorite != nil {
		d.IsFavorite = *u.IsFavorite
	}
	switch {
	case u.ClearIcon:
		d.Icon = nil
	case u.Icon != nil:
		icon := *u.Icon
		d.Icon = &icon
	}
}

type documentUpdateWire struct {
	Title      *string         `json:"title,omitempty"`
	Content    *ContentTree    `json:"content,omitempty"`
	IsFavorite *bool           `json:"is_favorite,omitempty"`
	Icon       json.RawMessage `json:"icon,omitempty"`
}

// MarshalJSON writes ClearIcon as an explicit "icon": null.
func (u DocumentUpdate) MarshalJSON() ([]byte, error) {
	w := documentUpdateWire{Title: u.Title, Content: u.Content, IsFavorite: u.IsFavorite}
	switch {
	case u.ClearIcon:
		w.Icon = json.RawMessage("null")
	case u.Icon != nil:
		raw, err := json.Marshal(*u.Icon)
		if err != nil {
			return nil, err
		}
		w.Icon = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads an explicit "icon": null as ClearIcon.
func (u *DocumentUpdate) UnmarshalJSON(data []byte) error {
	var w struct {
		Title      *string      `json:"title"`
		Content    *ContentTree `json:"content"`
		IsFavorite *bool        `json:"is_favorite"`
		Icon       *string      `json:"icon"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = DocumentUpdate{Title: w.Title, Content: w.Content, IsFavorite: w.IsFavorite, Icon: w.Icon}
	if _, dataType, _, err := jsonparser.Get(data, "icon"); err == nil && dataType == jsonparser.Null {
		u.ClearIcon = true
	}
	return nil
}

// NewDocument carries the fields accepted on creation.
type NewDocument struct {
	Title    string      `json:"title"`
	Content  ContentTree `json:"content"`
	ParentID *DocumentID `json:"parent"`
	Icon     *string     `json:"icon,omitempty"`
}

// Position is a screen coordinate in pixels.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }
