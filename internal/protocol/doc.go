// Package protocol groups the msgwire wire contract.
//
// Ownership boundary:
// - frame: envelope framing primitives
// - registry: wire type names and payload codecs
// - session: the messenger, its pipelines and connection epochs
package protocol
