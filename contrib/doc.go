// Package contrib holds programs and helpers built around the docsync core
// that are not part of the core library.
//
// [github.com/collabdoc/docsync/contrib/relay] is the document server: a REST
// API for documents and a per-document socket relay that fans messages out to
// the other sockets of the same document. [github.com/collabdoc/docsync/contrib/testenv]
// starts a relay for tests and provides a deterministic log handler.
//
// Packages under contrib may change without notice.
package contrib
