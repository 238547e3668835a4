// The [docsync] package keeps one open document consistent across every
// client viewing it, and keeps the document tree's links coherent while
// titles change and documents come and go.
//
// # Views
//
// [Open] loads a document and returns a [View], which owns everything needed
// to edit it live:
//
//   - a reconnecting socket from [github.com/collabdoc/docsync/pkg/connection/rews]
//   - a [github.com/collabdoc/docsync/pkg/syncer.Synchronizer] that debounces
//     local edits, persists them and broadcasts them to peers
//   - a [github.com/collabdoc/docsync/pkg/presence.Broadcaster] for the cursors
//     of everyone else on the page
//   - a [github.com/collabdoc/docsync/pkg/refs.Maintainer] that rewrites the
//     parent's nestedDocument blocks on rename and delete
//
// Close the view to release all of them. When the document is missing or
// forbidden Open returns a [*RedirectError] instead.
//
// # Stores
//
// Documents live behind [github.com/collabdoc/docsync/pkg/store.Store]. Use
// the HTTP client in [github.com/collabdoc/docsync/pkg/store/httpstore] to
// talk to a relay, the gorm store in
// [github.com/collabdoc/docsync/pkg/store/postgres] to talk to the database
// directly, or [github.com/collabdoc/docsync/pkg/store.MemoryStore] in tests.
//
// # Relay and tooling
//
// The [github.com/collabdoc/docsync/contrib/relay] package is the server the
// sockets connect to. cmd/docsyncctl drives a relay from the terminal.
package docsync
