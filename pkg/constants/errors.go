package constants

import "errors"

// Errors
var (
	ErrNotFound  = errors.New("document not found")
	ErrForbidden = errors.New("access to document forbidden")
	ErrReadOnly  = errors.New("operation denied: document is read-only")
	ErrNoParent  = errors.New("document has no parent")
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrNotOpen            = errors.New("connection is not open")
	ErrNoBaseURL          = errors.New("base url not set")
	ErrAlreadyClosed      = errors.New("already closed")
)

var (
	ErrSynchronizerClosed = errors.New("synchronizer closed")
	ErrSaveSuperseded     = errors.New("save superseded by a remote update")
)
