// Package protocol owns the hub wire contract above raw framing.
//
// Ownership boundary:
// - command identifiers
// - discovery, auth and execute payload layouts
// - auth response view
//
// Raw framing and checksums live in protocol/frame. Connection state lives
// in protocol/session.
package protocol
