// Package relay publishes and consumes encrypted bookmark events through a
// set of untrusted relays. Events follow the Nostr envelope shape; the
// content field carries AEAD ciphertext under a key derived from the LEK, so
// relays store and forward without reading anything.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Event kinds. Deletions are a distinct kind instead of a mutated bookmark
// event, so a relay (or a device with a pruned cache) can identify them
// without decrypting.
const (
	KindBookmark = 30001
	KindDeletion = 5
)

// Event is the relay wire envelope.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"` // unix seconds
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"` // base64 AEAD ciphertext
	Sig       string     `json:"sig"`
}

// ComputeID returns the canonical event id: the hex SHA-256 of the
// serialized [0, pubkey, created_at, kind, tags, content] array. The id is
// what inbound deduplication keys on, so it must be stable across devices.
func ComputeID(ev Event) (string, error) {
	tags := ev.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical, err := json.Marshal([]any{0, ev.PubKey, ev.CreatedAt, ev.Kind, tags, ev.Content})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// withID returns a copy of ev with its canonical id filled in.
func withID(ev Event) (Event, error) {
	id, err := ComputeID(ev)
	if err != nil {
		return Event{}, err
	}
	ev.ID = id
	return ev, nil
}
