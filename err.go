package docsync

import (
	"errors"
	"fmt"

	"github.com/collabdoc/docsync/pkg/constants"
)

// RedirectError is returned by Open when the document cannot be shown. The
// host should navigate to To.
type RedirectError struct {
	To     string
	Reason error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("docsync: redirect to %s: %v", e.To, e.Reason)
}

func (e *RedirectError) Unwrap() error {
	return e.Reason
}

// redirectFor maps a load failure to a redirect, or returns nil when the
// failure is not one the host should navigate away from.
func redirectFor(err error) *RedirectError {
	if errors.Is(err, constants.ErrNotFound) || errors.Is(err, constants.ErrForbidden) {
		return &RedirectError{To: constants.DocumentsPath, Reason: err}
	}
	return nil
}
