package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD wraps ChaCha20-Poly1305 with a random 96-bit nonce per message.
// Random nonces are used instead of a counter because several devices
// encrypt independently under the same transport key; no shared counter
// exists between them.
type AEAD struct {
	key [32]byte
}

// NewAEAD creates an AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, opErr("new-aead", ErrInvalidKeySize)
	}
	a := &AEAD{}
	copy(a.key[:], key)
	return a, nil
}

// Seal encrypts and authenticates plaintext, binding it to additionalData.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(a.key[:])
	if err != nil {
		return nil, opErr("seal", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, opErr("seal", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData)
	out := make([]byte, len(nonce)+len(ciphertext))
	copy(out, nonce)
	copy(out[len(nonce):], ciphertext)
	return out, nil
}

// Open decrypts and verifies ciphertext produced by Seal. Decryption fails
// if any ciphertext bit was flipped or additionalData does not match the
// value the message was sealed with.
func (a *AEAD) Open(ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(a.key[:])
	if err != nil {
		return nil, opErr("open", err)
	}
	nonceSize := chacha20poly1305.NonceSize
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, opErr("open", ErrCiphertextShort)
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, opErr("open", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// Overhead returns the per-message size overhead of Seal.
func (a *AEAD) Overhead() int {
	return chacha20poly1305.NonceSize + chacha20poly1305.Overhead
}
