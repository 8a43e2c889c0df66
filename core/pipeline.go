package core

// Pipeline composes encryption, erasure coding, shard I/O, and the catalog
// into the two operations a caller actually wants: store a file under a
// name, and recover a file by that name. Every step between those two
// calls is an implementation detail the caller never sees.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quorumfs/pkg/utils"
)

// Pipeline ties together the components a put/get needs. It is built once
// per node and handed to whatever surface (CLI, RPC) drives it.
type Pipeline struct {
	catalog *Catalog
	chunks  *ChunkIO
	cache   *SmartCache

	dataShards   int
	parityShards int
}

// NewPipeline wires catalog, chunks, and cache together with the erasure
// coding shape this node uses for new files.
func NewPipeline(catalog *Catalog, chunks *ChunkIO, cache *SmartCache, dataShards, parityShards int) *Pipeline {
	return &Pipeline{catalog: catalog, chunks: chunks, cache: cache, dataShards: dataShards, parityShards: parityShards}
}

// Put encrypts plaintext for ownerPub, erasure-codes it, writes every shard
// out to the swarm, and records the resulting manifest in the catalog
// under name. It returns NameExists if name is already taken.
func (p *Pipeline) Put(ctx context.Context, name string, plaintext []byte, ownerPub *[32]byte, tags []string) (*Manifest, error) {
	plaintextHash := ContentHash(plaintext)

	ciphertext, cryptoParams, err := Seal(plaintext, ownerPub)
	if err != nil {
		return nil, err
	}

	shards, err := EncodeShards(ciphertext, p.dataShards, p.parityShards)
	if err != nil {
		return nil, err
	}

	refs := make([]ManifestShardRef, len(shards))
	errs := make([]error, len(shards))
	var wg sync.WaitGroup
	for i, shard := range shards {
		wg.Add(1)
		go func(i int, s Shard) {
			defer wg.Done()
			ref, err := p.chunks.PutShard(ctx, s)
			refs[i] = ref
			errs[i] = err
			if err == nil && p.cache != nil {
				_ = p.cache.Put(shardKey(s.ContentHash), s.Bytes)
			}
		}(i, shard)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	// A put that lands fewer than DataShards shards cannot be reconstructed
	// under any circumstance, so it aborts outright. Anything at or above
	// DataShards is committed best-effort as degraded, with the missing
	// indices left for the repair scan to fill in once more peers are
	// reachable, rather than discarding work a caller could already recover
	// from.
	if succeeded < p.dataShards {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return nil, InsufficientShardsError(succeeded, p.dataShards)
	}
	for i, shard := range shards {
		if errs[i] != nil {
			refs[i] = ManifestShardRef{
				Index:       shard.Index,
				Role:        shard.Role,
				ContentHash: shard.ContentHash,
				Size:        shard.Size,
			}
		}
	}

	manifest := &Manifest{
		OwnerPubKey:    *ownerPub,
		CreatedAt:      time.Now().UTC(),
		OriginalSize:   int64(len(plaintext)),
		CiphertextSize: int64(len(ciphertext)),
		PlaintextHash:  plaintextHash,
		Crypto:         cryptoParams,
		Shards:         refs,
		DataShards:     p.dataShards,
		ParityShards:   p.parityShards,
	}
	fileID, err := ComputeFileID(manifest)
	if err != nil {
		return nil, err
	}
	manifest.FileID = fileID

	canonical, err := CanonicalManifestBytes(manifest)
	if err != nil {
		return nil, err
	}
	if err := p.chunks.PutManifest(ctx, manifest.FileID, canonical); err != nil {
		return nil, err
	}

	if err := p.catalog.Insert(name, manifest, tags); err != nil {
		return nil, err
	}
	state := FileStateAvailable
	if succeeded < len(shards) {
		state = FileStateDegraded
	}
	if err := p.catalog.UpdateChunksHealthy(name, state, succeeded); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Get recovers a file's plaintext given selector, either a catalog
// local_name or a hex-encoded file_id. A local_name is resolved through the
// catalog; a file_id is resolved straight from the DHT, so a lost or
// corrupt catalog never strands data the owner's private key can still
// reach. It fetches at least DataShards of the manifest's shards (cache
// first, network second), reconstructs the ciphertext, decrypts it with
// ownerPriv, and verifies the result against the manifest's recorded
// plaintext hash.
func (p *Pipeline) Get(ctx context.Context, selector string, ownerPriv *[32]byte) ([]byte, error) {
	manifest, err := p.resolveManifest(ctx, selector)
	if err != nil {
		return nil, err
	}

	total := manifest.DataShards + manifest.ParityShards
	present := make([][]byte, total)

	// Outstanding fetches are cancelled once DataShards distinct shards are back.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	got := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ref := range manifest.Shards {
		wg.Add(1)
		go func(ref ManifestShardRef) {
			defer wg.Done()
			data := p.fetchShard(fetchCtx, ref)
			if data == nil {
				return
			}
			mu.Lock()
			if present[ref.Index] == nil {
				present[ref.Index] = data
				got++
			}
			if got >= manifest.DataShards {
				cancelFetch()
			}
			mu.Unlock()
		}(ref)
	}
	wg.Wait()

	ciphertext, err := DecodeShards(present, manifest.DataShards, manifest.ParityShards, int(manifest.CiphertextSize))
	if err != nil {
		return nil, err
	}

	plaintext, err := Open(ciphertext, manifest.Crypto, ownerPriv)
	if err != nil {
		return nil, err
	}

	if got := ContentHash(plaintext); got != manifest.PlaintextHash {
		return nil, &StorageError{Kind: ErrIntegrityViolation, Err: fmt.Errorf("plaintext hash mismatch for %q", selector)}
	}
	return plaintext, nil
}

// resolveManifest resolves selector to a manifest: first as a catalog
// local_name, then, if that fails and selector parses as a 64-character hex
// file_id, by fetching the manifest directly from the DHT.
func (p *Pipeline) resolveManifest(ctx context.Context, selector string) (*Manifest, error) {
	_, manifest, err := p.catalog.Lookup(selector)
	if err == nil {
		_ = p.catalog.Touch(selector)
		return manifest, nil
	}
	fileID, hexErr := parseFileID(selector)
	if hexErr != nil {
		return nil, err
	}
	data, netErr := p.chunks.GetManifest(ctx, fileID)
	if netErr != nil {
		return nil, netErr
	}
	return DecodeManifest(data)
}

func parseFileID(s string) ([32]byte, error) {
	var id [32]byte
	if len(s) != len(id)*2 {
		return id, fmt.Errorf("not a file_id: wrong length")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return id, fmt.Errorf("not a file_id: non-hex character")
		}
	}
	copyHexInto(id[:], s)
	return id, nil
}

func (p *Pipeline) fetchShard(ctx context.Context, ref ManifestShardRef) []byte {
	key := shardKey(ref.ContentHash)
	if p.cache != nil {
		if data, ok := p.cache.Get(key); ok {
			return data
		}
	}
	data, err := p.chunks.GetShard(ctx, ref.ContentHash, ref.Holders)
	if err != nil {
		return nil
	}
	if p.cache != nil {
		_ = p.cache.Put(key, data)
	}
	return data
}

// Delete removes name's catalog entry. The manifest and shard records
// already published to the DHT are left in place; nothing in the engine
// removes them.
func (p *Pipeline) Delete(ctx context.Context, name string) error {
	return utils.Wrap(p.catalog.Delete(name), "delete catalog entry")
}

// Rename relabels oldName to newName in the catalog without touching the
// underlying manifest or file_id.
func (p *Pipeline) Rename(ctx context.Context, oldName, newName string) error {
	return p.catalog.Rename(oldName, newName)
}

// Info returns the catalog entry for name, recording the lookup as an
// access.
func (p *Pipeline) Info(ctx context.Context, name string) (*CatalogEntry, error) {
	entry, _, err := p.catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	_ = p.catalog.Touch(name)
	return entry, nil
}

// List returns every catalog entry, optionally filtered by tag.
func (p *Pipeline) List(ctx context.Context, tag string) ([]CatalogEntry, error) {
	return p.catalog.List(tag)
}

// Health reports name's current replication state as last recorded by the
// repair scan; it does not itself probe the network.
func (p *Pipeline) Health(ctx context.Context, name string) (*HealthReport, error) {
	entry, _, err := p.catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &HealthReport{
		Name:          entry.Name,
		FileID:        entry.FileID,
		State:         entry.State,
		ChunksTotal:   entry.ChunksTotal,
		ChunksHealthy: entry.ChunksHealthy,
	}, nil
}
