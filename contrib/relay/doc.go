// Package relay is the server side of the document socket and the REST
// document API.
//
// Every document has a hub. Frames received from one socket are relayed to
// every other socket on the same document. The hub announces joins with
// cursor_connected once a socket has introduced itself with cursor_connect,
// and announces departures with cursor_disconnected.
//
// The REST API serves any store.Store:
//
//	GET    /api/health
//	GET    /api/documents/?root=true
//	GET    /api/documents/?parent={id}
//	POST   /api/documents/
//	GET    /api/documents/{id}/
//	PUT    /api/documents/{id}/
//	DELETE /api/documents/{id}/
//	GET    /api/documents/{id}/peers/
//	GET    /ws/documents/{id}/?token={token}
//
// When a signing secret is configured every request must carry a valid
// HS256 token, either as a bearer token or in the token query parameter.
package relay
