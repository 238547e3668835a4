package models

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/collabdoc/docsync/pkg/constants"
)

// now is swapped in tests.
var now = time.Now

// ContentTree is the editor's block document: an ordered list of typed blocks
// plus the editor's save timestamp and format version.
type ContentTree struct {
	Time    int64   `json:"time"`
	Blocks  []Block `json:"blocks"`
	Version string  `json:"version"`
}

// Block is one element of a ContentTree. Data is interpreted according to Type.
type Block struct {
	ID   string  `json:"id,omitempty"`
	Type string  `json:"type"`
	Data JSONMap `json:"data"`
}

// JSONMap is the free-form payload of a block.
type JSONMap map[string]any

// Value implements the driver.Valuer interface for database storage
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for database retrieval
func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = make(map[string]any)
		return nil
	}
	raw, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, j)
}

func (j JSONMap) clone() JSONMap {
	if j == nil {
		return nil
	}
	c := make(JSONMap, len(j))
	for k, v := range j {
		c[k] = v
	}
	return c
}

// EmptyContent returns a tree with no blocks stamped with the current time.
func EmptyContent() ContentTree {
	return ContentTree{
		Time:    now().UnixMilli(),
		Blocks:  []Block{},
		Version: constants.DefaultContentVersion,
	}
}

// NewContent returns a tree holding blocks.
func NewContent(blocks ...Block) ContentTree {
	c := EmptyContent()
	c.Blocks = append(c.Blocks, blocks...)
	return c
}

// ParseContent normalises a stored content value. An object carrying a
// blocks array is used as is, a JSON string holding such an object is
// decoded, and anything else becomes an empty tree.
func ParseContent(raw []byte) ContentTree {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return EmptyContent()
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return EmptyContent()
		}
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) == 0 || inner[0] != '{' {
			return EmptyContent()
		}
		return ParseContent(inner)
	case '{':
		var probe struct {
			Time    *int64          `json:"time"`
			Blocks  json.RawMessage `json:"blocks"`
			Version string          `json:"version"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return EmptyContent()
		}
		var blocks []Block
		if err := json.Unmarshal(probe.Blocks, &blocks); err != nil || blocks == nil {
			return EmptyContent()
		}
		c := ContentTree{Blocks: blocks, Version: probe.Version}
		if probe.Time != nil {
			c.Time = *probe.Time
		} else {
			c.Time = now().UnixMilli()
		}
		return c.Normalize()
	default:
		return EmptyContent()
	}
}

// UnmarshalJSON accepts any of the shapes handled by ParseContent.
func (c *ContentTree) UnmarshalJSON(data []byte) error {
	*c = ParseContent(data)
	return nil
}

// MarshalJSON always emits a blocks array, never null.
func (c ContentTree) MarshalJSON() ([]byte, error) {
	type plain ContentTree
	n := c.Normalize()
	return json.Marshal(plain(n))
}

// Value implements the driver.Valuer interface for database storage
func (c ContentTree) Value() (driver.Value, error) {
	data, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for database retrieval
func (c *ContentTree) Scan(value any) error {
	if value == nil {
		*c = EmptyContent()
		return nil
	}
	raw, err := scanBytes(value)
	if err != nil {
		return err
	}
	*c = ParseContent(raw)
	return nil
}

func scanBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported scan type %T", value)
	}
}

// Normalize fills the version and replaces a nil block list.
func (c ContentTree) Normalize() ContentTree {
	if c.Version == "" {
		c.Version = constants.DefaultContentVersion
	}
	if c.Blocks == nil {
		c.Blocks = []Block{}
	}
	return c
}

// IsEmpty reports whether the tree has no blocks.
func (c ContentTree) IsEmpty() bool {
	return len(c.Blocks) == 0
}

// Clone returns a copy whose block list and block payloads can be mutated
// without affecting c. Nested values inside payloads are shared.
func (c ContentTree) Clone() ContentTree {
	out := c
	if c.Blocks != nil {
		out.Blocks = make([]Block, len(c.Blocks))
		for i, b := range c.Blocks {
			b.Data = b.Data.clone()
			out.Blocks[i] = b
		}
	}
	return out
}

// comparableContent drops the methods of ContentTree so cmp does not call
// back into Equal.
type comparableContent ContentTree

var contentCmpOpts = cmp.Options{
	cmpopts.IgnoreFields(comparableContent{}, "Time"),
	cmpopts.EquateEmpty(),
}

// Equal compares block structure and version. The editor timestamp is
// ignored since the editor re-stamps it on every save.
func (c ContentTree) Equal(other ContentTree) bool {
	return cmp.Equal(comparableContent(c.Normalize()), comparableContent(other.Normalize()), contentCmpOpts)
}

// Diff is a human readable difference, for logs and test failures.
func (c ContentTree) Diff(other ContentTree) string {
	return cmp.Diff(comparableContent(c.Normalize()), comparableContent(other.Normalize()), contentCmpOpts)
}
