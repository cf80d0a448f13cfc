package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 keypair. The same type serves the permanent device
// identity (sealed in the key vault) and the ephemeral pairing keys; only
// the lifetime differs.
type KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// GenerateKeyPair generates a new X25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return KeyPair{}, opErr("generate-keypair", err)
	}
	// Clamp private key per RFC 7748
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// Zero wipes the private key material. A pairing session calls this on every
// terminal transition so ephemeral secrets never outlive the ceremony.
func (kp *KeyPair) Zero() {
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
}

// ECDH computes the raw X25519 shared secret.
// Returns 32 bytes which must be passed through HKDF before use as a key.
func ECDH(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, opErr("ecdh", ErrInvalidPublicKey)
	}
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, opErr("ecdh", err)
	}
	return shared, nil
}
