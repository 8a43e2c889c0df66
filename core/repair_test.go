package core

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRepairScannerReuploadsMissingShards(t *testing.T) {
	cat := openTestCatalog(t)
	store := newMemRecordStore()
	peers := newFakePeerManager(6)
	cfg := testChunkIOConfig()
	cfg.WriteQuorum = 2
	chunks := NewChunkIO(store, peers, logrus.New(), cfg)
	cache, err := NewSmartCache(t.TempDir(), CacheConfig{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	p := NewPipeline(cat, chunks, cache, 4, 2)

	pub, _, _ := GenerateOwnerKeypair()
	plaintext := []byte("data that must survive a shard loss")
	manifest, err := p.Put(context.Background(), "resilient.bin", plaintext, pub, nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	// Knock out every record belonging to the first data shard's holders,
	// simulating those peers going offline.
	lostRef := manifest.Shards[0]
	key := shardKey(lostRef.ContentHash)
	store.mu.Lock()
	for _, holder := range lostRef.Holders {
		delete(store.data, peerShardKey(holder, key))
	}
	store.mu.Unlock()

	scanner := NewRepairScanner(cat, chunks, logrus.New(), RepairConfig{BatchSize: 10})
	scanner.checkOne(context.Background(), "resilient.bin")

	entry, _, err := cat.Lookup("resilient.bin")
	if err != nil {
		t.Fatalf("lookup after repair: %v", err)
	}
	if entry.State != FileStateAvailable {
		t.Fatalf("expected file state Available after a single repair pass, got %v", entry.State)
	}
	if entry.ChunksHealthy != entry.ChunksTotal {
		t.Fatalf("expected all chunks healthy after repair, got %d/%d", entry.ChunksHealthy, entry.ChunksTotal)
	}
}

func TestRepairScannerMarksUnrecoverableBroken(t *testing.T) {
	cat := openTestCatalog(t)
	store := newMemRecordStore()
	peers := newFakePeerManager(6)
	cfg := testChunkIOConfig()
	cfg.WriteQuorum = 2
	chunks := NewChunkIO(store, peers, logrus.New(), cfg)
	cache, err := NewSmartCache(t.TempDir(), CacheConfig{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	p := NewPipeline(cat, chunks, cache, 4, 2)

	pub, _, _ := GenerateOwnerKeypair()
	manifest, err := p.Put(context.Background(), "doomed.bin", []byte("too many shards lost"), pub, nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	// Wipe every holder of three of the four data shards: below the
	// reconstruction threshold.
	store.mu.Lock()
	for _, ref := range manifest.Shards[:3] {
		key := shardKey(ref.ContentHash)
		for _, holder := range ref.Holders {
			delete(store.data, peerShardKey(holder, key))
		}
	}
	store.mu.Unlock()

	scanner := NewRepairScanner(cat, chunks, logrus.New(), RepairConfig{BatchSize: 10})
	scanner.checkOne(context.Background(), "doomed.bin")

	entry, _, err := cat.Lookup("doomed.bin")
	if err != nil {
		t.Fatalf("lookup after repair: %v", err)
	}
	if entry.State != FileStateBroken {
		t.Fatalf("expected file state Broken, got %v", entry.State)
	}
}
