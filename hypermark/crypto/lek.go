package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
)

// LEKSize is the size of the Ledger Encryption Key in bytes.
const LEKSize = 32

// LEK is the Ledger Encryption Key: the single symmetric key shared by all
// paired devices. It is created by the first device to pair and transferred,
// sealed under the pairing session key, to every device paired afterwards.
// There is exactly one LEK per collection; its loss is unrecoverable without
// a recovery kit.
type LEK struct {
	key [LEKSize]byte
}

// GenerateLEK creates a fresh Ledger Encryption Key.
func GenerateLEK() (LEK, error) {
	var k LEK
	if _, err := io.ReadFull(rand.Reader, k.key[:]); err != nil {
		return LEK{}, opErr("generate-lek", err)
	}
	return k, nil
}

// ImportLEK reconstructs a LEK from raw bytes received during pairing or
// loaded from the key vault.
func ImportLEK(raw []byte) (LEK, error) {
	if len(raw) != LEKSize {
		return LEK{}, opErr("import-lek", ErrInvalidKeySize)
	}
	var k LEK
	copy(k.key[:], raw)
	return k, nil
}

// Bytes exports the raw key material. Exports exist only to seal the key for
// the vault or for the encrypted pairing transfer; the raw bytes must not be
// held longer than that.
func (k LEK) Bytes() []byte {
	out := make([]byte, LEKSize)
	copy(out, k.key[:])
	return out
}

// Equal reports whether two LEKs hold identical key material, in constant
// time. Divergent LEKs across devices make sync fail silently, so callers
// verify equality in tests and diagnostics.
func (k LEK) Equal(other LEK) bool {
	return subtle.ConstantTimeCompare(k.key[:], other.key[:]) == 1
}

// TransportAEAD derives the relay-transport AEAD from the LEK. Bookmark
// events on the wire are sealed under this derived key, never under the LEK
// directly.
func (k LEK) TransportAEAD() (*AEAD, error) {
	key, err := DeriveKey(k.key[:], nil, []byte(transportInfo), 32)
	if err != nil {
		return nil, err
	}
	return NewAEAD(key)
}
