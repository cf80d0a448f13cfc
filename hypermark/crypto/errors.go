package crypto

import "errors"

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")
	ErrInvalidKeySize   = errors.New("crypto: invalid key size")
	ErrCiphertextShort  = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// OpError reports a failed cryptographic operation. The failing operation is
// named so protocol errors can be traced to the primitive that produced them.
type OpError struct {
	Op  string // "generate-keypair", "ecdh", "derive-session-key", ...
	Err error
}

func (e *OpError) Error() string { return "crypto: " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	return &OpError{Op: op, Err: err}
}
