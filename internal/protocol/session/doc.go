// Package session owns the messenger: the typed, bidirectional message
// pipelines bound to one duplex byte stream.
//
// Ownership boundary:
// - outbound queue and the single writer task
// - inbound loop, restart policy and subscriber fan-out
// - connection epochs (start/stop/restart)
//
// The transport is borrowed, never closed. Wire framing lives in
// protocol/frame and type names in protocol/registry.
package session
