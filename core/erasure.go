package core

// Reed-Solomon erasure coding splits encrypted file bytes into data shards
// and computes parity shards on top of them, so any D of the D+P total can
// reconstruct the original stream.

import (
	"bytes"

	"github.com/klauspost/reedsolomon"

	"quorumfs/pkg/utils"
)

// EncodeShards splits ciphertext into dataShards data fragments and computes
// parityShards parity fragments over them, returning all of them in order
// (data shards first, parity shards after) along with each one's content
// hash.
func EncodeShards(ciphertext []byte, dataShards, parityShards int) ([]Shard, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, utils.Wrap(err, "construct reed-solomon encoder")
	}

	shards, err := enc.Split(ciphertext)
	if err != nil {
		return nil, utils.Wrap(err, "split ciphertext into shards")
	}
	if err := enc.Encode(shards); err != nil {
		return nil, utils.Wrap(err, "encode parity shards")
	}

	out := make([]Shard, 0, len(shards))
	for i, b := range shards {
		role := ShardRoleData
		if i >= dataShards {
			role = ShardRoleParity
		}
		out = append(out, Shard{
			Index:       i,
			Role:        role,
			ContentHash: ContentHash(b),
			Size:        int64(len(b)),
			Bytes:       b,
		})
	}
	return out, nil
}

// DecodeShards reconstructs the original ciphertext from a possibly partial
// set of shards. present must have dataShards+parityShards entries indexed
// by shard index; a nil entry means that shard was not retrieved. Returns
// InsufficientShards if fewer than dataShards are present.
func DecodeShards(present [][]byte, dataShards, parityShards, originalSize int) ([]byte, error) {
	got := 0
	for _, s := range present {
		if s != nil {
			got++
		}
	}
	if got < dataShards {
		return nil, InsufficientShardsError(got, dataShards)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, utils.Wrap(err, "construct reed-solomon encoder")
	}

	if err := enc.Reconstruct(present); err != nil {
		return nil, &StorageError{Kind: ErrShardMismatch, Err: err}
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, present, originalSize); err != nil {
		return nil, utils.Wrap(err, "join reconstructed shards")
	}
	return buf.Bytes(), nil
}

// ReconstructShards fills in any missing entries of present (nil slots) by
// decoding from the shards that are available, without joining them back
// into the original stream. The repair scan uses this to regenerate exactly
// the missing shards so they can be re-uploaded to fresh peers.
func ReconstructShards(present [][]byte, dataShards, parityShards int) ([][]byte, error) {
	got := 0
	for _, s := range present {
		if s != nil {
			got++
		}
	}
	if got < dataShards {
		return nil, InsufficientShardsError(got, dataShards)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, utils.Wrap(err, "construct reed-solomon encoder")
	}
	if err := enc.Reconstruct(present); err != nil {
		return nil, &StorageError{Kind: ErrShardMismatch, Err: err}
	}
	return present, nil
}
