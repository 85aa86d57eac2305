// Package box adapts golang.org/x/crypto/nacl/box to the padded
// crypto_box_afternm calling convention used by boxlink envelopes.
//
// Layout guarantees:
//   - Seal input carries PlaintextPad (32) leading zero bytes before the message.
//   - Seal output has the same length; its leading CiphertextPad (16) bytes are
//     zero, followed by the Poly1305 authenticator and the ciphertext.
//   - Open input must have its leading CiphertextPad bytes zeroed; the output has
//     PlaintextPad leading zero bytes followed by the message.
//
// PlaintextPad - CiphertextPad == Overhead, the authenticator length.
package box
