package core

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeShardsRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("hello world\n"), 1000)

	shards, err := EncodeShards(original, 4, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(shards) != 6 {
		t.Fatalf("expected 6 shards, got %d", len(shards))
	}

	seen := make(map[[32]byte]bool)
	for _, s := range shards {
		if seen[s.ContentHash] {
			t.Fatalf("duplicate shard content hash at index %d", s.Index)
		}
		seen[s.ContentHash] = true
	}

	present := make([][]byte, len(shards))
	for _, s := range shards {
		present[s.Index] = s.Bytes
	}

	got, err := DecodeShards(present, 4, 2, len(original))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("decoded bytes do not match original")
	}
}

func TestDecodeShardsAnyDOfDPlusP(t *testing.T) {
	original := bytes.Repeat([]byte{0xAB}, 4096)
	shards, err := EncodeShards(original, 4, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Drop two shards (any subset of size D should still reconstruct).
	present := make([][]byte, len(shards))
	for _, s := range shards {
		present[s.Index] = s.Bytes
	}
	present[1] = nil
	present[4] = nil

	got, err := DecodeShards(present, 4, 2, len(original))
	if err != nil {
		t.Fatalf("decode with 4/6 shards: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("decoded bytes do not match original with partial shards")
	}
}

func TestDecodeShardsInsufficientShards(t *testing.T) {
	original := bytes.Repeat([]byte{0x01}, 2048)
	shards, err := EncodeShards(original, 4, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	present := make([][]byte, len(shards))
	for _, s := range shards {
		present[s.Index] = s.Bytes
	}
	// Only 3 of 4+2 remain: below the D=4 threshold.
	present[0] = nil
	present[1] = nil
	present[2] = nil

	_, err = DecodeShards(present, 4, 2, len(original))
	if err == nil {
		t.Fatalf("expected InsufficientShards error")
	}
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrInsufficientShards {
		t.Fatalf("expected InsufficientShards kind, got %v", err)
	}
}

func TestTamperedShardRejectedAtHashCheck(t *testing.T) {
	original := bytes.Repeat([]byte{0x42}, 4096)
	shards, err := EncodeShards(original, 4, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tampered := append([]byte{}, shards[0].Bytes...)
	tampered[0] ^= 0xff

	if ContentHash(tampered) == shards[0].ContentHash {
		t.Fatalf("tamper did not change content hash")
	}
}
