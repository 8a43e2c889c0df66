package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestManifest(t *testing.T, seed byte) *Manifest {
	t.Helper()
	m := &Manifest{
		OwnerPubKey:    [32]byte{seed, 1, 2, 3},
		CreatedAt:      time.Now(),
		OriginalSize:   4096,
		CiphertextSize: 4096,
		PlaintextHash:  [32]byte{seed, 9, 9},
		Crypto:         CryptoParams{Scheme: "x25519-xsalsa20poly1305"},
		DataShards:     4,
		ParityShards:   2,
		Shards: []ManifestShardRef{
			{Index: 0, Role: ShardRoleData, ContentHash: [32]byte{seed, 0}, Size: 1024},
			{Index: 1, Role: ShardRoleData, ContentHash: [32]byte{seed, 1}, Size: 1024},
		},
	}
	id, err := ComputeFileID(m)
	if err != nil {
		t.Fatalf("compute file id: %v", err)
	}
	m.FileID = id
	return m
}

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	cat, err := OpenCatalog(path)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestCatalogInsertLookupRoundTrip(t *testing.T) {
	cat := openTestCatalog(t)
	manifest := newTestManifest(t, 1)

	if err := cat.Insert("report.pdf", manifest, []string{"work", "2026"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	entry, got, err := cat.Lookup("report.pdf")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Name != "report.pdf" || entry.FileID != manifest.FileID {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.State != FileStateUploading {
		t.Fatalf("expected initial state Uploading, got %v", entry.State)
	}
	if entry.ChunksTotal != 6 || entry.ChunksHealthy != 2 {
		t.Fatalf("unexpected chunk counters: total=%d healthy=%d", entry.ChunksTotal, entry.ChunksHealthy)
	}
	if got.OriginalSize != manifest.OriginalSize {
		t.Fatalf("manifest mismatch after round trip")
	}
	if len(entry.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", entry.Tags)
	}
}

func TestCatalogInsertDuplicateNameFails(t *testing.T) {
	cat := openTestCatalog(t)
	m1 := newTestManifest(t, 1)
	m2 := newTestManifest(t, 2)

	if err := cat.Insert("dup.bin", m1, nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := cat.Insert("dup.bin", m2, nil)
	if err == nil {
		t.Fatalf("expected NameExists error")
	}
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrNameExists {
		t.Fatalf("expected NameExists, got %v", err)
	}
}

func TestCatalogLookupMissingIsNotFound(t *testing.T) {
	cat := openTestCatalog(t)
	_, _, err := cat.Lookup("nonexistent")
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCatalogLookupByID(t *testing.T) {
	cat := openTestCatalog(t)
	manifest := newTestManifest(t, 3)
	if err := cat.Insert("photo.jpg", manifest, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	entry, got, err := cat.LookupByID(manifest.FileID)
	if err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	if entry.Name != "photo.jpg" || got.FileID != manifest.FileID {
		t.Fatalf("unexpected lookup-by-id result: %+v", entry)
	}
}

func TestCatalogRename(t *testing.T) {
	cat := openTestCatalog(t)
	manifest := newTestManifest(t, 4)
	if err := cat.Insert("old.txt", manifest, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cat.Rename("old.txt", "new.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, _, err := cat.Lookup("old.txt"); err == nil {
		t.Fatalf("expected old name to be gone")
	}
	entry, _, err := cat.Lookup("new.txt")
	if err != nil {
		t.Fatalf("lookup new name: %v", err)
	}
	if entry.FileID != manifest.FileID {
		t.Fatalf("renamed entry lost its file id")
	}
}

func TestCatalogRenameMissingIsNotFound(t *testing.T) {
	cat := openTestCatalog(t)
	err := cat.Rename("ghost.txt", "whatever.txt")
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCatalogTouchUpdatesAccessStats(t *testing.T) {
	cat := openTestCatalog(t)
	manifest := newTestManifest(t, 5)
	if err := cat.Insert("touched.bin", manifest, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cat.Touch("touched.bin"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := cat.Touch("touched.bin"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	entry, _, err := cat.Lookup("touched.bin")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.AccessCount != 2 {
		t.Fatalf("expected access count 2, got %d", entry.AccessCount)
	}
}

func TestCatalogUpdateChunksHealthy(t *testing.T) {
	cat := openTestCatalog(t)
	manifest := newTestManifest(t, 6)
	if err := cat.Insert("repairme.bin", manifest, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cat.UpdateChunksHealthy("repairme.bin", FileStateAvailable, 6); err != nil {
		t.Fatalf("update chunks healthy: %v", err)
	}
	entry, _, err := cat.Lookup("repairme.bin")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.State != FileStateAvailable || entry.ChunksHealthy != 6 {
		t.Fatalf("unexpected post-repair entry: %+v", entry)
	}
}

func TestCatalogListFiltersByTag(t *testing.T) {
	cat := openTestCatalog(t)
	m1 := newTestManifest(t, 7)
	m2 := newTestManifest(t, 8)
	if err := cat.Insert("a.bin", m1, []string{"photos"}); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := cat.Insert("b.bin", m2, []string{"docs"}); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	all, err := cat.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	photos, err := cat.List("photos")
	if err != nil {
		t.Fatalf("list tagged: %v", err)
	}
	if len(photos) != 1 || photos[0].Name != "a.bin" {
		t.Fatalf("unexpected tag-filtered result: %+v", photos)
	}
}

func TestCatalogSaveLoadPeersRoundTrip(t *testing.T) {
	cat := openTestCatalog(t)

	id1, err := peer.Decode("QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN")
	if err != nil {
		t.Fatalf("decode test peer id 1: %v", err)
	}
	id2, err := peer.Decode("QmbLHAnMoJPWSCR5Zhtx6BHJX9KiKNN6tpvbUcqanj75Nb")
	if err != nil {
		t.Fatalf("decode test peer id 2: %v", err)
	}

	p1 := PeerInfo{
		PeerID:          id1,
		Addresses:       []string{"/ip4/127.0.0.1/tcp/4001/p2p/" + id1.String()},
		Priority:        3,
		Role:            PeerRoleSeed,
		State:           HealthConnected,
		RTTMillis:       42.5,
		SuccessRatio:    0.9,
		ConsecutiveFail: 0,
		LastSuccessAt:   time.Now().Truncate(time.Millisecond),
	}
	p2 := PeerInfo{
		PeerID:          id2,
		Role:            PeerRoleDiscovered,
		State:           HealthQuarantined,
		ConsecutiveFail: 7,
		LastFailureAt:   time.Now().Truncate(time.Millisecond),
	}

	if err := cat.SavePeer(p1); err != nil {
		t.Fatalf("save peer 1: %v", err)
	}
	if err := cat.SavePeer(p2); err != nil {
		t.Fatalf("save peer 2: %v", err)
	}

	loaded, err := cat.LoadPeers()
	if err != nil {
		t.Fatalf("load peers: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 persisted peers, got %d", len(loaded))
	}

	byID := make(map[peer.ID]PeerInfo, len(loaded))
	for _, info := range loaded {
		byID[info.PeerID] = info
	}
	got1, ok := byID[p1.PeerID]
	if !ok {
		t.Fatalf("peer 1 not found after load")
	}
	if got1.Priority != p1.Priority || got1.State != p1.State || got1.SuccessRatio != p1.SuccessRatio || len(got1.Addresses) != 1 {
		t.Fatalf("peer 1 round trip mismatch: %+v", got1)
	}

	// Re-saving an existing peer_id updates in place rather than inserting
	// a second row.
	p1.State = HealthFailed
	p1.ConsecutiveFail = 2
	if err := cat.SavePeer(p1); err != nil {
		t.Fatalf("re-save peer 1: %v", err)
	}
	loaded, err = cat.LoadPeers()
	if err != nil {
		t.Fatalf("load peers after update: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected upsert to keep peer count at 2, got %d", len(loaded))
	}
	for _, info := range loaded {
		if info.PeerID == p1.PeerID && info.State != HealthFailed {
			t.Fatalf("expected updated state to persist, got %v", info.State)
		}
	}
}

func TestComputeFileIDDeterministicOverCanonicalBytes(t *testing.T) {
	m := newTestManifest(t, 9)
	again, err := ComputeFileID(m)
	if err != nil {
		t.Fatalf("compute file id: %v", err)
	}
	if again != m.FileID {
		t.Fatalf("file id not stable across repeated derivation")
	}

	other := *m
	other.OriginalSize++
	otherID, err := ComputeFileID(&other)
	if err != nil {
		t.Fatalf("compute file id: %v", err)
	}
	if otherID == m.FileID {
		t.Fatalf("differing manifests produced the same file id")
	}
}
