package pairing

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/pheuberger/hypermark-sub001/hypermark/crypto"
)

const codeWords = 4

var ErrMalformedCode = errors.New("pairing: malformed pairing code")

// GenerateCode creates a short pairing code for devices that cannot scan a
// QR: `room-word1-word2-word3-word4`. The room names the signaling topic;
// the words feed a memory-hard KDF so an observer of the signaling traffic
// cannot brute-force the code offline at any useful speed.
func GenerateCode() (string, error) {
	var room [4]byte
	if _, err := io.ReadFull(rand.Reader, room[:]); err != nil {
		return "", err
	}
	parts := make([]string, 0, codeWords+1)
	parts = append(parts, hex.EncodeToString(room[:]))
	var pick [2]byte
	for i := 0; i < codeWords; i++ {
		if _, err := io.ReadFull(rand.Reader, pick[:]); err != nil {
			return "", err
		}
		parts = append(parts, wordlist[binary.BigEndian.Uint16(pick[:])%256])
	}
	return strings.Join(parts, "-"), nil
}

// parseCode splits a pairing code into room and words and derives the PSK
// sealing the code-variant signaling traffic.
func parseCode(code string) (room string, psk *crypto.AEAD, err error) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(code)), "-")
	if len(parts) != codeWords+1 {
		return "", nil, ErrMalformedCode
	}
	room = parts[0]
	if _, err := hex.DecodeString(room); err != nil || len(room) != 8 {
		return "", nil, ErrMalformedCode
	}
	psk, err = crypto.DerivePSK(parts[1:], room)
	if err != nil {
		return "", nil, err
	}
	return room, psk, nil
}
