package constants

import "time"

const (
	// DebounceInterval is how long the content synchronizer waits after the
	// last local edit before persisting.
	DebounceInterval = 300 * time.Millisecond

	// SaveRetryDelay is the delay before the single retry of a failed persist.
	SaveRetryDelay = 5 * time.Second

	// CacheTTL bounds how long a locally cached document is preferred over
	// empty server content.
	CacheTTL = 24 * time.Hour

	ReconnectInitialDelay = 1 * time.Second
	ReconnectMaxDelay     = 16 * time.Second
	ReconnectMultiplier   = 2.0
	ReconnectMaxRetries   = 5

	// ConnectTimeout bounds a single socket connection attempt.
	ConnectTimeout = 5 * time.Second

	// CloseTimeout bounds the close handshake when a view is torn down.
	CloseTimeout = 2 * time.Second

	// RoleCheckInterval is the polling period used when the store cannot
	// push role changes.
	RoleCheckInterval = 30 * time.Second
	RoleCheckTimeout  = 10 * time.Second

	// NewDocumentWindow is how recently a document must have been created,
	// with empty content, to be treated as newly created.
	NewDocumentWindow = 5 * time.Second

	DefaultHTTPTimeout = 30 * time.Second
)

// CloseMessageCode is the websocket close code sent on a clean shutdown.
const CloseMessageCode = 1000

const (
	// DefaultContentVersion is stamped on content trees that lack a version.
	DefaultContentVersion = "2.27.0"

	DefaultTitle = "Untitled"

	// DocumentsPath is where a view redirects when a document cannot be shown.
	DocumentsPath = "/documents"

	BlockIDLength = 10
)

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)
