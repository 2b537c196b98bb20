// Package session owns the controller side of the hub TCP session.
//
// Ownership boundary:
// - the local listener the hub connects back to
// - the per-connection channel, its decode buffer and reader goroutine
// - the Listening -> Connected -> Authenticating -> Authenticated -> Closed
//   state machine
// - retry/backoff primitives for callers that re-run discovery
//
// Command frames are fire-and-forget: a nil error from Send means the bytes
// reached the transport, not that the hub acted on them.
package session
