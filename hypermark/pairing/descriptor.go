package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTTL is how long a pairing offer stays valid. The same window bounds
// the wait for a peer; past it the ceremony aborts.
const DefaultTTL = 5 * time.Minute

var (
	ErrMalformedDescriptor = errors.New("pairing: malformed session descriptor")
	ErrDescriptorExpired   = errors.New("pairing: session descriptor expired")
)

// Descriptor is the pairing offer the initiator displays (typically as a QR
// code) and the responder scans. It is public information: the ephemeral key
// alone grants nothing without the verification step.
type Descriptor struct {
	SessionID  string    `json:"session_id"`
	PublicKey  []byte    `json:"public_key"`
	SignalAddr string    `json:"signal_addr,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Encode serializes the descriptor as base64url(JSON), safe to embed in a QR
// code or URL fragment.
func (d Descriptor) Encode() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeDescriptor parses an encoded descriptor and checks its expiry
// against now.
func DecodeDescriptor(encoded string, now time.Time) (Descriptor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Descriptor{}, ErrMalformedDescriptor
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, ErrMalformedDescriptor
	}
	if d.SessionID == "" || len(d.PublicKey) != 32 {
		return Descriptor{}, ErrMalformedDescriptor
	}
	if !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt) {
		return Descriptor{}, ErrDescriptorExpired
	}
	return d, nil
}
