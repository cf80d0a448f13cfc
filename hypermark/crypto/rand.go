package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, opErr("random-bytes", err)
	}
	return b, nil
}

// RandomID returns a random 128-bit identifier as lowercase hex. Used for
// pairing session ids and locally created bookmark ids.
func RandomID() (string, error) {
	b, err := RandomBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
