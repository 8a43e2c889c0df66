package core

import (
	"context"
	crand "crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// memRecordStore is an in-memory RecordStore standing in for the network
// actor so ChunkIO can be exercised without a live libp2p swarm.
type memRecordStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail map[string]bool
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{data: make(map[string][]byte), fail: make(map[string]bool)}
}

func (m *memRecordStore) PutRecord(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[key] {
		return &StorageError{Kind: ErrTimeout}
	}
	cp := append([]byte{}, value...)
	m.data[key] = cp
	return nil
}

func (m *memRecordStore) GetRecord(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, &StorageError{Kind: ErrNotFound}
	}
	return append([]byte{}, v...), nil
}

// fakePeerManager hands out a fixed peer roster and records scoring
// feedback, the same shape as mockPM in the network layer's own tests.
type fakePeerManager struct {
	mu       sync.Mutex
	peers    []PeerInfo
	success  map[peer.ID]int
	failures map[peer.ID]int
}

func newFakePeerManager(n int) *fakePeerManager {
	fpm := &fakePeerManager{success: make(map[peer.ID]int), failures: make(map[peer.ID]int)}
	for i := 0; i < n; i++ {
		_, pub, err := crypto.GenerateEd25519Key(crand.Reader)
		if err != nil {
			panic(err)
		}
		id, err := peer.IDFromPublicKey(pub)
		if err != nil {
			panic(err)
		}
		fpm.peers = append(fpm.peers, PeerInfo{PeerID: id})
	}
	return fpm
}

func (f *fakePeerManager) Peers() []PeerInfo { return f.peers }

func (f *fakePeerManager) Sample(n int) []PeerInfo {
	if n > len(f.peers) {
		n = len(f.peers)
	}
	return append([]PeerInfo{}, f.peers[:n]...)
}

func (f *fakePeerManager) ReportSuccess(id peer.ID, rtt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success[id]++
}

func (f *fakePeerManager) ReportFailure(id peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
}

func testChunkIOConfig() ChunkIOConfig {
	return ChunkIOConfig{
		MaxConcurrentUploads:   4,
		MaxConcurrentDownloads: 4,
		Retries:                1,
		RetryBase:              time.Millisecond,
		MaxPeerShare:           1,
		WriteQuorum:            3,
		WriteFraction:          0.5,
		ReadQuorum:             1,
		OpTimeout:              time.Second,
	}
}

func TestPutShardReachesQuorum(t *testing.T) {
	store := newMemRecordStore()
	peers := newFakePeerManager(6)
	chunks := NewChunkIO(store, peers, logrus.New(), testChunkIOConfig())

	shard := Shard{Index: 0, Role: ShardRoleData, Bytes: []byte("shard payload")}
	shard.ContentHash = ContentHash(shard.Bytes)
	shard.Size = int64(len(shard.Bytes))

	ref, err := chunks.PutShard(context.Background(), shard)
	if err != nil {
		t.Fatalf("put shard: %v", err)
	}
	// quorum = clamp(ceil(min(3, max(1, 6*0.5))), 1, 6) = 3
	if len(ref.Holders) < 3 {
		t.Fatalf("expected at least 3 holders, got %d", len(ref.Holders))
	}
}

func TestPutShardNoPeersFails(t *testing.T) {
	store := newMemRecordStore()
	peers := newFakePeerManager(0)
	chunks := NewChunkIO(store, peers, logrus.New(), testChunkIOConfig())

	shard := Shard{Index: 0, Bytes: []byte("x")}
	shard.ContentHash = ContentHash(shard.Bytes)

	_, err := chunks.PutShard(context.Background(), shard)
	if err == nil {
		t.Fatalf("expected failure with no peers available")
	}
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrNotConnected {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestGetShardFirstValidWins(t *testing.T) {
	store := newMemRecordStore()
	peers := newFakePeerManager(4)
	chunks := NewChunkIO(store, peers, logrus.New(), testChunkIOConfig())

	shard := Shard{Index: 0, Bytes: []byte("round trip me")}
	shard.ContentHash = ContentHash(shard.Bytes)
	shard.Size = int64(len(shard.Bytes))

	ref, err := chunks.PutShard(context.Background(), shard)
	if err != nil {
		t.Fatalf("put shard: %v", err)
	}

	got, err := chunks.GetShard(context.Background(), shard.ContentHash, ref.Holders)
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	if string(got) != string(shard.Bytes) {
		t.Fatalf("got %q want %q", got, shard.Bytes)
	}
}

func TestGetShardRejectsTamperedPayload(t *testing.T) {
	store := newMemRecordStore()
	peers := newFakePeerManager(2)
	chunks := NewChunkIO(store, peers, logrus.New(), testChunkIOConfig())

	shard := Shard{Index: 0, Bytes: []byte("trust but verify")}
	shard.ContentHash = ContentHash(shard.Bytes)
	shard.Size = int64(len(shard.Bytes))

	ref, err := chunks.PutShard(context.Background(), shard)
	if err != nil {
		t.Fatalf("put shard: %v", err)
	}

	// Corrupt the stored bytes directly in the backing store so the
	// content hash no longer matches what GetShard expects.
	store.mu.Lock()
	for key, v := range store.data {
		tampered := append([]byte{}, v...)
		if len(tampered) > 0 {
			tampered[0] ^= 0xff
		}
		store.data[key] = tampered
	}
	store.mu.Unlock()

	_, err = chunks.GetShard(context.Background(), shard.ContentHash, ref.Holders)
	if err == nil {
		t.Fatalf("expected tampered payload to be rejected")
	}
}

func TestPutGetManifestRoundTrip(t *testing.T) {
	store := newMemRecordStore()
	peers := newFakePeerManager(2)
	chunks := NewChunkIO(store, peers, logrus.New(), testChunkIOConfig())

	body := []byte(`{"file_id":"deadbeef"}`)
	fileID := ContentHash(body)

	if err := chunks.PutManifest(context.Background(), fileID, body); err != nil {
		t.Fatalf("put manifest: %v", err)
	}
	got, err := chunks.GetManifest(context.Background(), fileID)
	if err != nil {
		t.Fatalf("get manifest: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("manifest round trip mismatch")
	}
}

func TestGetManifestRejectsHashMismatch(t *testing.T) {
	store := newMemRecordStore()
	peers := newFakePeerManager(1)
	chunks := NewChunkIO(store, peers, logrus.New(), testChunkIOConfig())

	body := []byte("not what you think")
	var wrongID [32]byte
	wrongID[0] = 0x01

	if err := store.PutRecord(context.Background(), manifestKey(wrongID), body); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	cfg := testChunkIOConfig()
	cfg.Retries = 0
	chunks = NewChunkIO(store, peers, logrus.New(), cfg)

	_, err := chunks.GetManifest(context.Background(), wrongID)
	if err == nil {
		t.Fatalf("expected hash mismatch to be rejected")
	}
}

func TestComputeWriteQuorumClampsToSwarmSize(t *testing.T) {
	cases := []struct {
		n, configured int
		fraction      float64
		want          int
	}{
		{n: 10, configured: 3, fraction: 0.5, want: 3},
		{n: 2, configured: 5, fraction: 0.5, want: 1},
		{n: 0, configured: 3, fraction: 0.5, want: 1},
		{n: 6, configured: 10, fraction: 0.5, want: 3},
	}
	for _, c := range cases {
		got := computeWriteQuorum(c.n, c.configured, c.fraction)
		if got != c.want {
			t.Errorf("computeWriteQuorum(%d,%d,%v) = %d, want %d", c.n, c.configured, c.fraction, got, c.want)
		}
	}
}
