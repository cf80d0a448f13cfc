package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/pheuberger/hypermark-sub001/hypermark/crypto"
	"github.com/pheuberger/hypermark-sub001/hypermark/ledger"
)

// ErrDecryptNoise marks an inbound event that does not decrypt under the
// current LEK. It is benign: the event may belong to a different key epoch
// or be corrupted in transit. Callers drop and log it; sync continues.
var ErrDecryptNoise = errors.New("relay: event does not decrypt under current key")

var ErrMalformedPayload = errors.New("relay: malformed event payload")

// Plaintext framing: one header byte, then the JSON body.
const (
	payloadRaw byte = 0
	payloadLZ4 byte = 1
)

// AAD strings bind ciphertext to its event kind; a deletion ciphertext
// replayed inside a bookmark event fails to open.
var (
	aadBookmark = []byte("hypermark/event/bookmark")
	aadDeletion = []byte("hypermark/event/deletion")
)

// Deletion is the decrypted body of a KindDeletion event. The bookmark id
// travels encrypted; relays only see the opaque envelope.
type Deletion struct {
	BookmarkID string    `json:"bookmark_id"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// Codec seals bookmark records and deletions into relay events and opens
// them again. The AEAD key is derived from the LEK, never the LEK itself.
type Codec struct {
	aead     *crypto.AEAD
	deviceID string
}

func NewCodec(lek crypto.LEK, deviceID string) (*Codec, error) {
	aead, err := lek.TransportAEAD()
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead, deviceID: deviceID}, nil
}

// EncodeBookmark seals a bookmark record into a relay event.
func (c *Codec) EncodeBookmark(b ledger.Bookmark) (Event, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return Event{}, err
	}
	content, err := c.seal(body, aadBookmark)
	if err != nil {
		return Event{}, err
	}
	return withID(Event{
		PubKey:    c.deviceID,
		CreatedAt: b.UpdatedAt.Unix(),
		Kind:      KindBookmark,
		Tags:      [][]string{},
		Content:   content,
	})
}

// DecodeBookmark opens a KindBookmark event.
func (c *Codec) DecodeBookmark(ev Event) (ledger.Bookmark, error) {
	body, err := c.open(ev.Content, aadBookmark)
	if err != nil {
		return ledger.Bookmark{}, err
	}
	var b ledger.Bookmark
	if err := json.Unmarshal(body, &b); err != nil {
		return ledger.Bookmark{}, ErrMalformedPayload
	}
	if b.ID == "" {
		return ledger.Bookmark{}, ErrMalformedPayload
	}
	return b, nil
}

// EncodeDeletion seals a deletion into a relay event.
func (c *Codec) EncodeDeletion(bookmarkID string, deletedAt time.Time) (Event, error) {
	body, err := json.Marshal(Deletion{BookmarkID: bookmarkID, DeletedAt: deletedAt})
	if err != nil {
		return Event{}, err
	}
	content, err := c.seal(body, aadDeletion)
	if err != nil {
		return Event{}, err
	}
	return withID(Event{
		PubKey:    c.deviceID,
		CreatedAt: deletedAt.Unix(),
		Kind:      KindDeletion,
		Tags:      [][]string{},
		Content:   content,
	})
}

// DecodeDeletion opens a KindDeletion event.
func (c *Codec) DecodeDeletion(ev Event) (Deletion, error) {
	body, err := c.open(ev.Content, aadDeletion)
	if err != nil {
		return Deletion{}, err
	}
	var d Deletion
	if err := json.Unmarshal(body, &d); err != nil {
		return Deletion{}, ErrMalformedPayload
	}
	if d.BookmarkID == "" {
		return Deletion{}, ErrMalformedPayload
	}
	return d, nil
}

// seal compresses the body when that helps, prefixes the framing byte and
// encrypts. Bookmark JSON is repetitive enough that lz4 usually wins.
func (c *Codec) seal(body, aad []byte) (string, error) {
	framed := make([]byte, 0, len(body)+1)
	compressed, err := lz4Compress(body)
	if err == nil && len(compressed) < len(body) {
		framed = append(framed, payloadLZ4)
		framed = append(framed, compressed...)
	} else {
		framed = append(framed, payloadRaw)
		framed = append(framed, body...)
	}
	ct, err := c.aead.Seal(framed, aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (c *Codec) open(content string, aad []byte) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", ErrDecryptNoise)
	}
	framed, err := c.aead.Open(ct, aad)
	if err != nil {
		return nil, ErrDecryptNoise
	}
	if len(framed) == 0 {
		return nil, ErrMalformedPayload
	}
	switch framed[0] {
	case payloadRaw:
		return framed[1:], nil
	case payloadLZ4:
		return lz4Decompress(framed[1:])
	default:
		return nil, ErrMalformedPayload
	}
}

func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, ErrMalformedPayload
	}
	return buf.Bytes(), nil
}
