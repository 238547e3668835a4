package docsync

import (
	"time"

	"github.com/collabdoc/docsync/pkg/auth"
	"github.com/collabdoc/docsync/pkg/cache"
	"github.com/collabdoc/docsync/pkg/connection"
	"github.com/collabdoc/docsync/pkg/connection/rews"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/presence"
	"github.com/collabdoc/docsync/pkg/store"
)

type Options struct {
	Store store.Store

	// SocketURL is the base URL of the relay, e.g. ws://localhost:8000.
	// Without one the view works offline: edits are saved but never
	// broadcast.
	SocketURL   string
	Credentials auth.Credentials

	// Manager, when set, opens the socket instead of a per-view manager.
	// Dialer and NewRetryer are ignored then.
	Manager    *rews.Manager
	Dialer     connection.Dialer
	NewRetryer func() rews.Retryer

	// Cache holds local edits until they are saved. Defaults to an
	// in-process cache.
	Cache cache.Cache

	Layout    presence.Layout
	CharWidth float64

	Debounce   time.Duration
	RetryDelay time.Duration

	RoleCheckInterval time.Duration
	RoleCheckTimeout  time.Duration

	// SkipReconcile disables the orphan sweep and reference refresh run
	// after load.
	SkipReconcile bool

	// OnChange is called with the document after every local or remote
	// change of its content, title, icon, favorite flag or role.
	OnChange func(doc models.Document)

	// OnCursors is called with the remote cursor set after every change.
	OnCursors func(cursors []presence.CursorState)

	Logger logger.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Cache == nil {
		out.Cache = cache.NewMemory()
	}
	if out.RoleCheckInterval <= 0 {
		out.RoleCheckInterval = constants.RoleCheckInterval
	}
	if out.RoleCheckTimeout <= 0 {
		out.RoleCheckTimeout = constants.RoleCheckTimeout
	}
	out.Logger = logger.OrDiscard(out.Logger)
	return out
}
