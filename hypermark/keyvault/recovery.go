package keyvault

import (
	"encoding/json"
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost     = errors.New("keyvault: too many shards lost, cannot recover")
	ErrInvalidShards   = errors.New("keyvault: invalid recovery shard set")
	ErrInvalidConfig   = errors.New("keyvault: invalid data/parity configuration")
	ErrShardSetMixed   = errors.New("keyvault: shards from different recovery kits")
)

// Shard is one piece of a recovery kit. Any DataShards of the kit's
// Data+Parity shards reconstruct the original vault entry.
type Shard struct {
	KitID        string `json:"kit_id"`
	Index        int    `json:"index"`
	DataShards   int    `json:"data_shards"`
	ParityShards int    `json:"parity_shards"`
	Size         int    `json:"size"` // original entry size before padding
	Payload      []byte `json:"payload"`
}

// EncodeShard serializes a shard for printing or external storage.
func EncodeShard(s Shard) ([]byte, error) { return json.Marshal(s) }

// DecodeShard parses a serialized shard.
func DecodeShard(b []byte) (Shard, error) {
	var s Shard
	if err := json.Unmarshal(b, &s); err != nil {
		return Shard{}, ErrInvalidShards
	}
	return s, nil
}

// MakeShards splits a vault entry into dataShards+parityShards Reed-Solomon
// shards. Losing the LEK is unrecoverable by design, so users can spread a
// recovery kit over independent locations; any dataShards of the pieces
// restore the entry.
func MakeShards(v Vault, name, kitID string, dataShards, parityShards int) ([]Shard, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, ErrInvalidConfig
	}
	data, err := v.Retrieve(name)
	if err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	pieces, err := enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(pieces); err != nil {
		return nil, err
	}
	shards := make([]Shard, len(pieces))
	for i, p := range pieces {
		shards[i] = Shard{
			KitID:        kitID,
			Index:        i,
			DataShards:   dataShards,
			ParityShards: parityShards,
			Size:         len(data),
			Payload:      append([]byte(nil), p...),
		}
	}
	return shards, nil
}

// RestoreShards reconstructs a vault entry from any sufficient subset of a
// recovery kit and stores it back under name.
func RestoreShards(v Vault, name string, shards []Shard) error {
	if len(shards) == 0 {
		return ErrInvalidShards
	}
	ref := shards[0]
	if ref.DataShards <= 0 || ref.ParityShards <= 0 {
		return ErrInvalidConfig
	}
	total := ref.DataShards + ref.ParityShards
	pieces := make([][]byte, total)
	for _, s := range shards {
		if s.KitID != ref.KitID || s.DataShards != ref.DataShards ||
			s.ParityShards != ref.ParityShards || s.Size != ref.Size {
			return ErrShardSetMixed
		}
		if s.Index < 0 || s.Index >= total {
			return ErrInvalidShards
		}
		pieces[s.Index] = s.Payload
	}
	enc, err := reedsolomon.New(ref.DataShards, ref.ParityShards)
	if err != nil {
		return err
	}
	if err := enc.ReconstructData(pieces); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrTooManyLost
		}
		return err
	}
	data := make([]byte, 0, ref.Size)
	for i := 0; i < ref.DataShards && len(data) < ref.Size; i++ {
		remaining := ref.Size - len(data)
		if remaining >= len(pieces[i]) {
			data = append(data, pieces[i]...)
		} else {
			data = append(data, pieces[i][:remaining]...)
		}
	}
	return v.Store(name, data)
}
