// Package streaminghttp serves the chat relay's HTTP API. It mounts as a
// standard net/http handler and streams each chat turn over one long-lived
// response body.
//
// Routes (all under /api)
//   - POST /api/chat-process: gated chat turn, streamed as newline-framed JSON
//   - POST /api/verify: reports the caller's role
//   - GET|PUT /api/system-settings: admin-only settings document
//   - GET /api/health: liveness
//
// Every response carries permissive CORS headers and OPTIONS preflights are
// answered with 204. With WithStaticDir the web client is served at /.
//
// Construction
//
//	h, err := streaminghttp.New(
//	    authenticator, // auth.Authenticator
//	    gate,          // *authz.Gate
//	    relay,         // *relay.Relay
//	    store,         // settings.Store, nil to disable the settings routes
//	    streaminghttp.WithLogger(log),
//	)
//
// # Streaming
//
// A chat-process response commits to 200 and application/octet-stream before
// the first chunk is known. Each unit is one JSON document; the first is
// written bare and every later one is preceded by '\n'. The body ends when
// the turn ends. Once the gate has passed, every failure becomes a single
// {"error":"<Kind>: <message>"} unit, so clients must inspect the body rather
// than the status code. That includes a non-JSON Content-Type, a malformed
// body and an upstream turn that ends without any reply.
//
// If the client disconnects, the request context is canceled, the next write
// fails and the upstream stream is closed.
//
// # Error Handling
//
// Failures detected before streaming starts map to status codes: 401 for a
// missing or invalid credential, 403 for a denied identity and 500 (plain
// text) for lookup failures. /api/verify answers 401 for denied identities
// too.
package streaminghttp
