// Package crypto provides the cryptographic primitives for hypermark device
// pairing and encrypted bookmark sync.
//
// Design goals:
//   - Ephemeral X25519 key agreement for pairing ceremonies
//   - AEAD encryption via ChaCha20-Poly1305 (RFC 8439) with random nonces,
//     so independently keyed devices can encrypt under one shared key
//   - Key derivation via HKDF-SHA256, bound to the pairing session
//   - A single 256-bit Ledger Encryption Key (LEK) shared by paired devices
//
// Every failure is reported as *OpError naming the failing operation. A
// crypto failure always aborts the protocol step that triggered it; callers
// must never continue with degraded inputs.
package crypto
