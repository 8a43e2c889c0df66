package core

// Catalog is the embedded metadata store mapping human-facing file names to
// manifests, tags, shard locations, and known peers. It is the only
// component that talks to SQLite; every other package reaches it through
// this narrow interface.

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3"

	"quorumfs/pkg/utils"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS files (
	name             TEXT PRIMARY KEY,
	file_id          BLOB NOT NULL UNIQUE,
	owner_pubkey     BLOB NOT NULL,
	size             INTEGER NOT NULL,
	state            INTEGER NOT NULL,
	manifest_json    BLOB NOT NULL,
	created_at       INTEGER NOT NULL,
	modified_at      INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL DEFAULT 0,
	access_count     INTEGER NOT NULL DEFAULT 0,
	chunks_total     INTEGER NOT NULL DEFAULT 0,
	chunks_healthy   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS file_tags (
	file_id TEXT NOT NULL,
	tag     TEXT NOT NULL,
	PRIMARY KEY (file_id, tag)
);

CREATE TABLE IF NOT EXISTS shards (
	file_id      TEXT NOT NULL,
	shard_index  INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	peer_id      TEXT NOT NULL,
	PRIMARY KEY (file_id, shard_index, peer_id)
);

CREATE TABLE IF NOT EXISTS peers (
	peer_id          TEXT PRIMARY KEY,
	addresses        TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	role             INTEGER NOT NULL DEFAULT 0,
	state            INTEGER NOT NULL DEFAULT 0,
	rtt_millis       REAL NOT NULL DEFAULT 0,
	success_ratio    REAL NOT NULL DEFAULT 0,
	consecutive_fail INTEGER NOT NULL DEFAULT 0,
	last_success_at  INTEGER NOT NULL DEFAULT 0,
	last_failure_at  INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL
);
`

// Catalog wraps a SQLite database handle with the storage engine's own
// operations, so callers never write SQL themselves.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (creating if necessary) the catalog database at path and
// applies the schema.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, utils.Wrap(err, "open catalog database")
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, &StorageError{Kind: ErrCatalogCorrupt, Err: utils.Wrap(err, "apply catalog schema")}
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Insert records a new catalog entry for manifest under name, failing with
// NameExists if the name is already taken.
func (c *Catalog) Insert(name string, manifest *Manifest, tags []string) error {
	manifestJSON, err := encodeManifest(manifest)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	tx, err := c.db.Begin()
	if err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	defer tx.Rollback()

	chunksTotal := manifest.DataShards + manifest.ParityShards
	_, err = tx.Exec(
		`INSERT INTO files (name, file_id, owner_pubkey, size, state, manifest_json, created_at, modified_at, last_accessed_at, access_count, chunks_total, chunks_healthy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name, manifest.FileID[:], manifest.OwnerPubKey[:], manifest.OriginalSize, int(FileStateUploading), manifestJSON, now, now, now, 0, chunksTotal, len(manifest.Shards),
	)
	if err != nil {
		if isSQLiteUniqueConstraint(err) {
			return &StorageError{Kind: ErrNameExists, Err: err, Fields: map[string]any{"name": name}}
		}
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}

	for _, tag := range tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO file_tags (file_id, tag) VALUES (?, ?)`, string(manifest.FileID[:]), tag); err != nil {
			return &StorageError{Kind: ErrCatalogBusy, Err: err}
		}
	}
	for _, ref := range manifest.Shards {
		for _, holder := range ref.Holders {
			_, err := tx.Exec(
				`INSERT OR REPLACE INTO shards (file_id, shard_index, content_hash, peer_id) VALUES (?, ?, ?, ?)`,
				string(manifest.FileID[:]), ref.Index, hashHex(ref.ContentHash), holder.String(),
			)
			if err != nil {
				return &StorageError{Kind: ErrCatalogBusy, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	return nil
}

// Lookup returns the catalog entry and manifest stored under name.
func (c *Catalog) Lookup(name string) (*CatalogEntry, *Manifest, error) {
	row := c.db.QueryRow(
		`SELECT file_id, size, state, manifest_json, created_at, modified_at, last_accessed_at, access_count, chunks_total, chunks_healthy
		 FROM files WHERE name = ?`, name)

	var fileID []byte
	var size int64
	var state int
	var manifestJSON []byte
	var createdAt, modifiedAt, lastAccessedAt, accessCount int64
	var chunksTotal, chunksHealthy int
	if err := row.Scan(&fileID, &size, &state, &manifestJSON, &createdAt, &modifiedAt, &lastAccessedAt, &accessCount, &chunksTotal, &chunksHealthy); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, &StorageError{Kind: ErrNotFound, Err: err, Fields: map[string]any{"name": name}}
		}
		return nil, nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
	}

	manifest, err := decodeManifest(manifestJSON)
	if err != nil {
		return nil, nil, err
	}

	tags, err := c.tagsFor(string(fileID))
	if err != nil {
		return nil, nil, err
	}

	entry := &CatalogEntry{
		Name:           name,
		FileID:         manifest.FileID,
		OwnerPubKey:    manifest.OwnerPubKey,
		Size:           size,
		State:          FileState(state),
		Tags:           tags,
		CreatedAt:      time.UnixMilli(createdAt),
		ModifiedAt:     time.UnixMilli(modifiedAt),
		LastAccessedAt: time.UnixMilli(lastAccessedAt),
		AccessCount:    accessCount,
		ChunksTotal:    chunksTotal,
		ChunksHealthy:  chunksHealthy,
	}
	return entry, manifest, nil
}

// LookupByID returns the catalog entry and manifest for fileID, scanning
// for the local_name bound to it. Used when a caller resolves a file by raw
// file_id rather than by name; returns NotFound if no local catalog entry
// references fileID (the manifest may still be fetchable directly from the
// DHT even then).
func (c *Catalog) LookupByID(fileID [32]byte) (*CatalogEntry, *Manifest, error) {
	row := c.db.QueryRow(`SELECT name FROM files WHERE file_id = ?`, fileID[:])
	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, &StorageError{Kind: ErrNotFound, Fields: map[string]any{"file_id": hashHex(fileID)}}
		}
		return nil, nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	return c.Lookup(name)
}

// DecodeManifest parses a manifest's canonical DHT/catalog bytes, exported
// for callers (the pipeline) that fetch a manifest directly from the
// network rather than through the catalog.
func DecodeManifest(data []byte) (*Manifest, error) {
	return decodeManifest(data)
}

// UpdateState transitions name's catalog entry to state, as determined by
// the health/repair scan.
func (c *Catalog) UpdateState(name string, state FileState) error {
	res, err := c.db.Exec(`UPDATE files SET state = ?, modified_at = ? WHERE name = ?`, int(state), time.Now().UnixMilli(), name)
	if err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StorageError{Kind: ErrNotFound, Fields: map[string]any{"name": name}}
	}
	return nil
}

// UpdateChunksHealthy records how many of name's shards the repair scan
// last found reachable, alongside its health state.
func (c *Catalog) UpdateChunksHealthy(name string, state FileState, chunksHealthy int) error {
	res, err := c.db.Exec(
		`UPDATE files SET state = ?, chunks_healthy = ?, modified_at = ? WHERE name = ?`,
		int(state), chunksHealthy, time.Now().UnixMilli(), name,
	)
	if err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StorageError{Kind: ErrNotFound, Fields: map[string]any{"name": name}}
	}
	return nil
}

// UpdateShardHolders rewrites both the manifest JSON and the shards table
// for name so shardIndex records holders as its current set of peers,
// called by the repair scan after it re-uploads a reconstructed shard.
func (c *Catalog) UpdateShardHolders(name string, shardIndex int, holders []peer.ID) error {
	entry, manifest, err := c.Lookup(name)
	if err != nil {
		return err
	}
	for i := range manifest.Shards {
		if manifest.Shards[i].Index == shardIndex {
			manifest.Shards[i].Holders = holders
		}
	}
	manifestJSON, err := encodeManifest(manifest)
	if err != nil {
		return err
	}

	tx, err := c.db.Begin()
	if err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE files SET manifest_json = ?, modified_at = ? WHERE name = ?`, manifestJSON, time.Now().UnixMilli(), name); err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM shards WHERE file_id = ? AND shard_index = ?`, string(entry.FileID[:]), shardIndex); err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	for _, ref := range manifest.Shards {
		if ref.Index != shardIndex {
			continue
		}
		for _, holder := range ref.Holders {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO shards (file_id, shard_index, content_hash, peer_id) VALUES (?, ?, ?, ?)`,
				string(entry.FileID[:]), ref.Index, hashHex(ref.ContentHash), holder.String(),
			); err != nil {
				return &StorageError{Kind: ErrCatalogBusy, Err: err}
			}
		}
	}
	return tx.Commit()
}

// Rename changes the local_name bound to an existing catalog entry, failing
// with NameExists if newName is already taken by a different file and
// NotFound if oldName has no entry. The manifest and file_id are untouched:
// renaming is purely a local relabeling operation.
func (c *Catalog) Rename(oldName, newName string) error {
	res, err := c.db.Exec(`UPDATE files SET name = ?, modified_at = ? WHERE name = ?`, newName, time.Now().UnixMilli(), oldName)
	if err != nil {
		if isSQLiteUniqueConstraint(err) {
			return &StorageError{Kind: ErrNameExists, Err: err, Fields: map[string]any{"name": newName}}
		}
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StorageError{Kind: ErrNotFound, Fields: map[string]any{"name": oldName}}
	}
	return nil
}

// Touch records a read access against name: bumps access_count and sets
// last_accessed_at, used by info/get to keep catalog usage stats current.
func (c *Catalog) Touch(name string) error {
	res, err := c.db.Exec(
		`UPDATE files SET access_count = access_count + 1, last_accessed_at = ? WHERE name = ?`,
		time.Now().UnixMilli(), name,
	)
	if err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StorageError{Kind: ErrNotFound, Fields: map[string]any{"name": name}}
	}
	return nil
}

// Delete removes name and its associated tags/shard records from the
// catalog. It does not touch the shards themselves on the network.
func (c *Catalog) Delete(name string) error {
	row := c.db.QueryRow(`SELECT file_id FROM files WHERE name = ?`, name)
	var fileID []byte
	if err := row.Scan(&fileID); err != nil {
		if err == sql.ErrNoRows {
			return &StorageError{Kind: ErrNotFound, Fields: map[string]any{"name": name}}
		}
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}

	tx, err := c.db.Begin()
	if err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files WHERE name = ?`, name); err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM file_tags WHERE file_id = ?`, string(fileID)); err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM shards WHERE file_id = ?`, string(fileID)); err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	return tx.Commit()
}

// List returns every catalog entry, optionally filtered to those carrying
// tag (an empty tag disables the filter).
func (c *Catalog) List(tag string) ([]CatalogEntry, error) {
	var rows *sql.Rows
	var err error
	if tag == "" {
		rows, err = c.db.Query(`SELECT name, file_id, owner_pubkey, size, state, created_at, modified_at, last_accessed_at, access_count, chunks_total, chunks_healthy FROM files ORDER BY name`)
	} else {
		rows, err = c.db.Query(
			`SELECT f.name, f.file_id, f.owner_pubkey, f.size, f.state, f.created_at, f.modified_at, f.last_accessed_at, f.access_count, f.chunks_total, f.chunks_healthy
			 FROM files f JOIN file_tags t ON CAST(t.file_id AS BLOB) = f.file_id
			 WHERE t.tag = ? ORDER BY f.name`, tag)
	}
	if err != nil {
		return nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var name string
		var fileID, ownerPubKey []byte
		var size int64
		var state int
		var createdAt, modifiedAt, lastAccessedAt, accessCount int64
		var chunksTotal, chunksHealthy int
		if err := rows.Scan(&name, &fileID, &ownerPubKey, &size, &state, &createdAt, &modifiedAt, &lastAccessedAt, &accessCount, &chunksTotal, &chunksHealthy); err != nil {
			return nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
		}
		tags, err := c.tagsFor(string(fileID))
		if err != nil {
			return nil, err
		}
		var fid, opk [32]byte
		copy(fid[:], fileID)
		copy(opk[:], ownerPubKey)
		entries = append(entries, CatalogEntry{
			Name:           name,
			FileID:         fid,
			OwnerPubKey:    opk,
			Size:           size,
			State:          FileState(state),
			Tags:           tags,
			CreatedAt:      time.UnixMilli(createdAt),
			ModifiedAt:     time.UnixMilli(modifiedAt),
			LastAccessedAt: time.UnixMilli(lastAccessedAt),
			AccessCount:    accessCount,
			ChunksTotal:    chunksTotal,
			ChunksHealthy:  chunksHealthy,
		})
	}
	return entries, rows.Err()
}

func (c *Catalog) tagsFor(fileID string) ([]string, error) {
	rows, err := c.db.Query(`SELECT tag FROM file_tags WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// SavePeer upserts info into the peers table, used by the bootstrap manager
// to persist its roster across restarts so a node does not have to
// rediscover every peer it ever connected to from scratch.
func (c *Catalog) SavePeer(info PeerInfo) error {
	_, err := c.db.Exec(
		`INSERT INTO peers (peer_id, addresses, priority, role, state, rtt_millis, success_ratio, consecutive_fail, last_success_at, last_failure_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			priority = excluded.priority,
			role = excluded.role,
			state = excluded.state,
			rtt_millis = excluded.rtt_millis,
			success_ratio = excluded.success_ratio,
			consecutive_fail = excluded.consecutive_fail,
			last_success_at = excluded.last_success_at,
			last_failure_at = excluded.last_failure_at,
			updated_at = excluded.updated_at`,
		info.PeerID.String(), strings.Join(info.Addresses, ","), info.Priority, int(info.Role), int(info.State),
		info.RTTMillis, info.SuccessRatio, info.ConsecutiveFail,
		unixMillisOrZero(info.LastSuccessAt), unixMillisOrZero(info.LastFailureAt), time.Now().UnixMilli(),
	)
	if err != nil {
		return &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	return nil
}

// LoadPeers returns every persisted peer roster entry, used to seed the
// bootstrap manager's roster at startup.
func (c *Catalog) LoadPeers() ([]PeerInfo, error) {
	rows, err := c.db.Query(
		`SELECT peer_id, addresses, priority, role, state, rtt_millis, success_ratio, consecutive_fail, last_success_at, last_failure_at FROM peers`)
	if err != nil {
		return nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
	}
	defer rows.Close()

	var out []PeerInfo
	for rows.Next() {
		var peerID, addresses string
		var priority, role, state, consecutiveFail int
		var rtt, successRatio float64
		var lastSuccessAt, lastFailureAt int64
		if err := rows.Scan(&peerID, &addresses, &priority, &role, &state, &rtt, &successRatio, &consecutiveFail, &lastSuccessAt, &lastFailureAt); err != nil {
			return nil, &StorageError{Kind: ErrCatalogBusy, Err: err}
		}
		id, err := peer.Decode(peerID)
		if err != nil {
			continue
		}
		var addrs []string
		if addresses != "" {
			addrs = strings.Split(addresses, ",")
		}
		out = append(out, PeerInfo{
			PeerID:          id,
			Addresses:       addrs,
			Priority:        priority,
			Role:            PeerRole(role),
			State:           HealthState(state),
			RTTMillis:       rtt,
			SuccessRatio:    successRatio,
			ConsecutiveFail: consecutiveFail,
			LastSuccessAt:   millisOrZeroTime(lastSuccessAt),
			LastFailureAt:   millisOrZeroTime(lastFailureAt),
		})
	}
	return out, rows.Err()
}

func unixMillisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisOrZeroTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func isSQLiteUniqueConstraint(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("UNIQUE constraint"))
}

func hashHex(h [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range h {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

// manifestWire is the canonical, deterministically-ordered JSON form of a
// Manifest used both for catalog storage and for wire transfer.
type manifestWire struct {
	FileID         string             `json:"file_id"`
	OwnerPubKey    string             `json:"owner_pub_key"`
	CreatedAt      time.Time          `json:"created_at"`
	OriginalSize   int64              `json:"original_size"`
	CiphertextSize int64              `json:"ciphertext_size"`
	PlaintextHash  string             `json:"plaintext_hash"`
	CryptoScheme   string             `json:"crypto_scheme"`
	EphemeralPub   string             `json:"ephemeral_pub"`
	Nonce          string             `json:"nonce"`
	Shards         []manifestShardRef `json:"shards"`
	DataShards     int                `json:"data_shards"`
	ParityShards   int                `json:"parity_shards"`
}

type manifestShardRef struct {
	Index       int      `json:"index"`
	Role        int      `json:"role"`
	ContentHash string   `json:"content_hash"`
	Size        int64    `json:"size"`
	Holders     []string `json:"holders"`
}

// CanonicalManifestBytes returns the deterministic serialization of m used
// both as the DHT record body and as the input to file_id hashing; the
// file_id field itself is zeroed first since it is derived from this byte
// string, not part of it.
func CanonicalManifestBytes(m *Manifest) ([]byte, error) {
	withoutID := *m
	withoutID.FileID = [32]byte{}
	return encodeManifest(&withoutID)
}

// ComputeFileID derives m's file_id as the content hash of its canonical
// serialization, so two nodes holding the same manifest always agree on its
// identity without exchanging anything beyond the manifest itself.
func ComputeFileID(m *Manifest) ([32]byte, error) {
	b, err := CanonicalManifestBytes(m)
	if err != nil {
		return [32]byte{}, err
	}
	return ContentHash(b), nil
}

func encodeManifest(m *Manifest) ([]byte, error) {
	w := manifestWire{
		FileID:         hashHex(m.FileID),
		OwnerPubKey:    hashHex(m.OwnerPubKey),
		CreatedAt:      m.CreatedAt,
		OriginalSize:   m.OriginalSize,
		CiphertextSize: m.CiphertextSize,
		PlaintextHash:  hashHex(m.PlaintextHash),
		CryptoScheme:   m.Crypto.Scheme,
		EphemeralPub:   hashHex(m.Crypto.EphemeralPub),
		Nonce:          hashHexN(m.Crypto.Nonce[:]),
		DataShards:     m.DataShards,
		ParityShards:   m.ParityShards,
	}
	for _, ref := range m.Shards {
		holders := make([]string, len(ref.Holders))
		for i, h := range ref.Holders {
			holders[i] = h.String()
		}
		w.Shards = append(w.Shards, manifestShardRef{
			Index:       ref.Index,
			Role:        int(ref.Role),
			ContentHash: hashHex(ref.ContentHash),
			Size:        ref.Size,
			Holders:     holders,
		})
	}
	return json.Marshal(w)
}

func decodeManifest(data []byte) (*Manifest, error) {
	var w manifestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &StorageError{Kind: ErrCatalogCorrupt, Err: err}
	}
	m := &Manifest{
		CreatedAt:      w.CreatedAt,
		OriginalSize:   w.OriginalSize,
		CiphertextSize: w.CiphertextSize,
		Crypto:         CryptoParams{Scheme: w.CryptoScheme},
		DataShards:     w.DataShards,
		ParityShards:   w.ParityShards,
	}
	copyHexInto(m.FileID[:], w.FileID)
	copyHexInto(m.OwnerPubKey[:], w.OwnerPubKey)
	copyHexInto(m.PlaintextHash[:], w.PlaintextHash)
	copyHexInto(m.Crypto.EphemeralPub[:], w.EphemeralPub)
	copyHexInto(m.Crypto.Nonce[:], w.Nonce)
	for _, ref := range w.Shards {
		var ch [32]byte
		copyHexInto(ch[:], ref.ContentHash)
		holders := make([]peer.ID, 0, len(ref.Holders))
		for _, h := range ref.Holders {
			id, err := peer.Decode(h)
			if err != nil {
				return nil, &StorageError{Kind: ErrCatalogCorrupt, Err: err}
			}
			holders = append(holders, id)
		}
		m.Shards = append(m.Shards, ManifestShardRef{
			Index:       ref.Index,
			Role:        ShardRole(ref.Role),
			ContentHash: ch,
			Size:        ref.Size,
			Holders:     holders,
		})
	}
	return m, nil
}

func hashHexN(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexDigits[x>>4], hexDigits[x&0x0f])
	}
	return string(out)
}

func copyHexInto(dst []byte, s string) {
	n := len(s) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = hexNibble(s[i*2])<<4 | hexNibble(s[i*2+1])
	}
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}
