// Package boxlink provides authenticated-encryption envelopes for small
// nodes exchanging short packets.
//
// Each node holds one X25519 keypair and a fixed table of peer slots. Every
// payload is sealed with the NaCl box construction under the shared key of
// its peer slot and a counter nonce; the nonce travels in the leading bytes
// that the primitive leaves zero, so an envelope is exactly 32 bytes longer
// than its payload. The Node type wires the session protocol to a frame
// transport (QUIC or in-memory).
package boxlink
