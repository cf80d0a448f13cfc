package crypto

import (
	"crypto/sha256"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Fixed HKDF info strings. Each derived key is bound to exactly one purpose;
// changing any of these is a protocol-breaking change.
const (
	sessionKeyInfo = "hypermark/pairing-session-key/v1"
	transportInfo  = "hypermark/relay-transport-key/v1"
	phraseInfo     = "hypermark/verification-phrase/v1"
)

// DeriveKey derives a key of the given length using HKDF-SHA256.
// salt can be nil (zero salt); info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, opErr("derive-key", err)
	}
	return key, nil
}

// DeriveSessionKey turns a raw ECDH shared secret into the AEAD key for one
// pairing session. The session id is the HKDF salt, so the same two keypairs
// used in a different session produce an unrelated key.
//
// Derivation is commutative: both sides of the exchange arrive at the same
// key from ECDH(A.priv, B.pub) and ECDH(B.priv, A.pub).
func DeriveSessionKey(sharedSecret []byte, sessionID string) (*AEAD, error) {
	key, err := DeriveKey(sharedSecret, []byte(sessionID), []byte(sessionKeyInfo), 32)
	if err != nil {
		return nil, err
	}
	return NewAEAD(key)
}

// DerivePhraseBytes derives the material for the human verification phrase
// from the session key material. Both sides display the same phrase only if
// they derived the same session key, which makes the phrase an out-of-band
// check against a man-in-the-middle on the signaling channel.
func DerivePhraseBytes(sharedSecret []byte, sessionID string, n int) ([]byte, error) {
	return DeriveKey(sharedSecret, []byte(sessionID), []byte(phraseInfo), n)
}

// DerivePSK derives the pre-shared AEAD key for the short-code pairing
// variant. The code words are low-entropy, so argon2id is used instead of
// plain HKDF to make offline guessing by a relay observer expensive.
func DerivePSK(words []string, room string) (*AEAD, error) {
	if len(words) == 0 {
		return nil, opErr("derive-psk", ErrInvalidKeySize)
	}
	secret := []byte(strings.Join(words, " "))
	salt := []byte("hypermark/pairing-psk/v1:" + room)
	key := argon2.IDKey(secret, salt, 3, 64*1024, 4, 32)
	return NewAEAD(key)
}
