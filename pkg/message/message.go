// Package message is the document socket protocol: a closed set of JSON
// messages discriminated by their "type" field.
package message

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
)

// Kind is the value of the "type" field.
type Kind string

const (
	KindCursorConnect        Kind = "cursor_connect"
	KindCursorUpdate         Kind = "cursor_update"
	KindCursorPositionUpdate Kind = "cursor_position_update"
	KindCursorConnected      Kind = "cursor_connected"
	KindCursorDisconnected   Kind = "cursor_disconnected"
	KindCursorActive         Kind = "cursor_active"
	KindDocumentUpdate       Kind = "document_update"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	sealed()
}

// UserID accepts either a JSON number or a JSON string and always encodes as
// a string.
type UserID string

func (u *UserID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user_id must be a string or number: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

func (u UserID) String() string { return string(u) }

// UserIDFromInt formats a numeric user id.
func UserIDFromInt(id int64) UserID {
	return UserID(strconv.FormatInt(id, 10))
}

// CursorConnect announces a session when its socket opens.
type CursorConnect struct {
	CursorID string `json:"cursor_id"`
	UserID   UserID `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Color    string `json:"color,omitempty"`
}

// CursorUpdate carries a session's cursor coordinate. A nil Position hides
// the cursor. Inbound cursor_position_update messages decode to this type
// with Synonym set.
type CursorUpdate struct {
	CursorID string           `json:"cursor_id"`
	Position *models.Position `json:"position"`
	UserID   UserID           `json:"user_id,omitempty"`
	Username string           `json:"username,omitempty"`
	Color    string           `json:"color,omitempty"`

	Synonym bool `json:"-"`
}

// CursorConnected is emitted by the relay when a peer joins.
type CursorConnected struct {
	CursorID string `json:"cursor_id"`
	UserID   UserID `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Color    string `json:"color,omitempty"`
}

// CursorDisconnected is emitted by the relay when a peer leaves.
type CursorDisconnected struct {
	CursorID string `json:"cursor_id"`
	UserID   UserID `json:"user_id,omitempty"`
}

// CursorActive is a liveness signal for a session.
type CursorActive struct {
	CursorID string `json:"cursor_id"`
	UserID   UserID `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// DocumentUpdate is broadcast after a successful save.
type DocumentUpdate struct {
	Content  models.ContentTree `json:"content"`
	SenderID string             `json:"sender_id"`
	UserID   UserID             `json:"user_id,omitempty"`
	Username string             `json:"username,omitempty"`
}

func (*CursorConnect) Kind() Kind      { return KindCursorConnect }
func (*CursorConnected) Kind() Kind    { return KindCursorConnected }
func (*CursorDisconnected) Kind() Kind { return KindCursorDisconnected }
func (*CursorActive) Kind() Kind       { return KindCursorActive }
func (*DocumentUpdate) Kind() Kind     { return KindDocumentUpdate }

func (m *CursorUpdate) Kind() Kind {
	if m.Synonym {
		return KindCursorPositionUpdate
	}
	return KindCursorUpdate
}

func (*CursorConnect) sealed()      {}
func (*CursorUpdate) sealed()       {}
func (*CursorConnected) sealed()    {}
func (*CursorDisconnected) sealed() {}
func (*CursorActive) sealed()       {}
func (*DocumentUpdate) sealed()     {}

// SessionID returns the cursor or sender id a message originates from.
func SessionID(m Message) string {
	switch msg := m.(type) {
	case *CursorConnect:
		return msg.CursorID
	case *CursorUpdate:
		return msg.CursorID
	case *CursorConnected:
		return msg.CursorID
	case *CursorDisconnected:
		return msg.CursorID
	case *CursorActive:
		return msg.CursorID
	case *DocumentUpdate:
		return msg.SenderID
	default:
		return ""
	}
}

// PeekKind reads the "type" field without decoding the rest of the frame.
func PeekKind(data []byte) (Kind, error) {
	kind, err := jsonparser.GetString(data, "type")
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return "", fmt.Errorf("%w: missing type", constants.ErrMalformedMessage)
		}
		return "", fmt.Errorf("%w: %v", constants.ErrMalformedMessage, err)
	}
	return Kind(kind), nil
}

// Decode parses a frame into its concrete message type. Frames with a type
// outside the protocol are rejected with constants.ErrUnknownMessageType.
func Decode(data []byte) (Message, error) {
	kind, err := PeekKind(data)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch kind {
	case KindCursorConnect:
		msg = &CursorConnect{}
	case KindCursorUpdate:
		msg = &CursorUpdate{}
	case KindCursorPositionUpdate:
		msg = &CursorUpdate{Synonym: true}
	case KindCursorConnected:
		msg = &CursorConnected{}
	case KindCursorDisconnected:
		msg = &CursorDisconnected{}
	case KindCursorActive:
		msg = &CursorActive{}
	case KindDocumentUpdate:
		msg = &DocumentUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownMessageType, kind)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", constants.ErrMalformedMessage, kind, err)
	}
	return msg, nil
}

// Encode renders m with its "type" field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Kind(), err)
	}
	kind, err := json.Marshal(string(m.Kind()))
	if err != nil {
		return nil, err
	}
	return jsonparser.Set(body, kind, "type")
}
