package core

// ChunkIO drives the concurrent, quorum-aware shard puts and gets that sit
// between the file pipeline and the network actor. A put pushes each shard
// to a diversified set of candidate peers and waits for enough distinct
// acks to call the shard durably stored; a get races every known holder of
// a shard and takes the first one that returns a hash-verified payload,
// stopping once enough shards are back to reconstruct the file.

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"quorumfs/pkg/utils"
)

// ChunkIOConfig controls concurrency, retry, and quorum behaviour.
type ChunkIOConfig struct {
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	Retries                int
	RetryBase              time.Duration
	MaxPeerShare           float64
	WriteQuorum            int
	WriteFraction          float64
	ReadQuorum             int
	OpTimeout              time.Duration
}

// RecordStore is the subset of the network actor's surface the chunk I/O
// coordinator needs: put/get a single value by key. Satisfied by
// *NetworkActor in production and by an in-memory fake in tests, the same
// way PeerManager is satisfied by *BootstrapManager or a test double.
type RecordStore interface {
	PutRecord(ctx context.Context, key string, value []byte) error
	GetRecord(ctx context.Context, key string) ([]byte, error)
}

// ChunkIO is constructed once per node and injected wherever shard I/O is
// needed; it holds no package-level state.
type ChunkIO struct {
	actor RecordStore
	peers PeerManager
	log   *logrus.Logger
	cfg   ChunkIOConfig
}

// NewChunkIO builds a coordinator over actor (for the actual put/get RPCs)
// and peers (for candidate selection and scoring feedback).
func NewChunkIO(actor RecordStore, peers PeerManager, log *logrus.Logger, cfg ChunkIOConfig) *ChunkIO {
	return &ChunkIO{actor: actor, peers: peers, log: log, cfg: cfg}
}

// quorumTracker counts distinct-peer acks for a single shard against a
// fixed threshold, the same pattern a global vote tracker would use,
// scoped here to one shard's put instead of shared process-wide state.
type quorumTracker struct {
	threshold int
	votes     map[peer.ID]struct{}
}

func newQuorumTracker(threshold int) *quorumTracker {
	return &quorumTracker{threshold: threshold, votes: make(map[peer.ID]struct{})}
}

func (q *quorumTracker) addVote(id peer.ID) {
	q.votes[id] = struct{}{}
}

func (q *quorumTracker) hasQuorum() bool {
	return len(q.votes) >= q.threshold
}

func (q *quorumTracker) count() int {
	return len(q.votes)
}

// computeWriteQuorum derives Q_w = clamp(ceil(min(configured, max(1, N *
// writeFraction))), 1, N) so a small swarm never requires more acks than it
// has peers.
func computeWriteQuorum(n int, configured int, writeFraction float64) int {
	if n <= 0 {
		return 1
	}
	fractional := writeFraction * float64(n)
	if fractional < 1 {
		fractional = 1
	}
	want := float64(configured)
	if fractional < want {
		want = fractional
	}
	q := int(want)
	if float64(q) < want {
		q++
	}
	if q < 1 {
		q = 1
	}
	if q > n {
		q = n
	}
	return q
}

// PutShard stores one shard on a diversified set of peers and blocks until
// the write quorum for this swarm size is reached or ctx expires.
func (c *ChunkIO) PutShard(ctx context.Context, shard Shard) (ManifestShardRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	candidates := c.selectCandidates(shard.ContentHash)
	if len(candidates) == 0 {
		return ManifestShardRef{}, &StorageError{Kind: ErrNotConnected, Err: fmt.Errorf("no peers available")}
	}

	quorum := computeWriteQuorum(len(candidates), c.cfg.WriteQuorum, c.cfg.WriteFraction)
	tracker := newQuorumTracker(quorum)

	key := shardKey(shard.ContentHash)
	type result struct {
		id  peer.ID
		err error
	}
	resultsCh := make(chan result, len(candidates))
	sem := make(chan struct{}, c.cfg.MaxConcurrentUploads)

	for _, cand := range candidates {
		sem <- struct{}{}
		go func(p PeerInfo) {
			defer func() { <-sem }()
			err := c.putWithRetry(ctx, p.PeerID, key, shard.Bytes)
			resultsCh <- result{id: p.PeerID, err: err}
		}(cand)
	}

	holders := make([]peer.ID, 0, quorum)
	received := 0
	for received < len(candidates) && !tracker.hasQuorum() {
		select {
		case r := <-resultsCh:
			received++
			if r.err == nil {
				tracker.addVote(r.id)
				holders = append(holders, r.id)
				c.peers.ReportSuccess(r.id, 0)
			} else {
				c.peers.ReportFailure(r.id)
			}
		case <-ctx.Done():
			return ManifestShardRef{}, QuorumFailedError(tracker.count(), quorum)
		}
	}

	if !tracker.hasQuorum() {
		return ManifestShardRef{}, QuorumFailedError(tracker.count(), quorum)
	}

	return ManifestShardRef{
		Index:       shard.Index,
		Role:        shard.Role,
		ContentHash: shard.ContentHash,
		Size:        shard.Size,
		Holders:     holders,
	}, nil
}

func (c *ChunkIO) putWithRetry(ctx context.Context, id peer.ID, key string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.cfg.RetryBase, attempt); err != nil {
				return err
			}
		}
		if err := c.actor.PutRecord(ctx, peerShardKey(id, key), data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return utils.Wrap(lastErr, "put shard after retries")
}

// selectCandidates ranks connected peers by closeness to the shard's
// content hash and keeps the closest MaxPeerShare fraction of them (at least
// one). It does not count the shards a peer already holds, so no cap applies
// to how many shards of one file land on a single peer.
func (c *ChunkIO) selectCandidates(contentHash [32]byte) []PeerInfo {
	pool := c.peers.Sample(64)
	if len(pool) == 0 {
		return nil
	}
	ids := make([]peer.ID, len(pool))
	byID := make(map[peer.ID]PeerInfo, len(pool))
	for i, p := range pool {
		ids[i] = p.PeerID
		byID[p.PeerID] = p
	}
	ranked := RankByDistance(contentHash, ids)

	maxShare := c.cfg.MaxPeerShare
	if maxShare <= 0 || maxShare > 1 {
		maxShare = 1
	}
	limit := int(float64(len(ranked)) * maxShare)
	if limit < 1 {
		limit = 1
	}
	if limit > len(ranked) {
		limit = len(ranked)
	}

	out := make([]PeerInfo, 0, limit)
	for _, id := range ranked[:limit] {
		out = append(out, byID[id])
	}
	return out
}

// GetShard races every known holder of a shard and returns the first
// payload whose BLAKE3 hash matches contentHash, treating a mismatch the
// same as a failed fetch rather than trusting a lying or corrupted peer.
func (c *ChunkIO) GetShard(ctx context.Context, contentHash [32]byte, holders []peer.ID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if len(holders) == 0 {
		return nil, InsufficientShardsError(0, 1)
	}

	type result struct {
		id   peer.ID
		data []byte
		err  error
	}
	resultsCh := make(chan result, len(holders))
	key := shardKey(contentHash)

	for _, id := range holders {
		go func(p peer.ID) {
			data, err := c.getWithRetry(ctx, p, key)
			if err == nil {
				if got := ContentHash(data); got != contentHash {
					err = &StorageError{Kind: ErrShardMismatch, Err: fmt.Errorf("content hash mismatch from %s", p)}
				}
			}
			resultsCh <- result{id: p, data: data, err: err}
		}(id)
	}

	received := 0
	for received < len(holders) {
		select {
		case r := <-resultsCh:
			received++
			if r.err == nil {
				c.peers.ReportSuccess(r.id, 0)
				return r.data, nil
			}
			c.peers.ReportFailure(r.id)
		case <-ctx.Done():
			return nil, &StorageError{Kind: ErrTimeout, Err: ctx.Err()}
		}
	}
	return nil, InsufficientShardsError(0, 1)
}

func (c *ChunkIO) getWithRetry(ctx context.Context, id peer.ID, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.cfg.RetryBase, attempt); err != nil {
				return nil, err
			}
		}
		data, err := c.actor.GetRecord(ctx, peerShardKey(id, key))
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, utils.Wrap(lastErr, "get shard after retries")
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	timer := time.NewTimer(delay + jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardKey(contentHash [32]byte) string {
	return "shard:" + hashHex(contentHash)
}

func peerShardKey(id peer.ID, key string) string {
	return id.String() + "/" + key
}

// manifestKey is the DHT key a manifest is addressed by: unlike shards,
// manifests are put once under their own content hash and rely on the DHT's
// own replication rather than the per-peer quorum tracking PutShard does,
// since a manifest get must succeed from file_id alone with no prior
// knowledge of which peers hold it.
func manifestKey(fileID [32]byte) string {
	return "manifest:" + hashHex(fileID)
}

// PutManifest publishes a manifest's canonical bytes to the DHT under
// fileID, retrying transient failures the same as a shard put.
func (c *ChunkIO) PutManifest(ctx context.Context, fileID [32]byte, canonical []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.cfg.RetryBase, attempt); err != nil {
				return err
			}
		}
		if err := c.actor.PutRecord(ctx, manifestKey(fileID), canonical); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return utils.Wrap(lastErr, "put manifest after retries")
}

// GetManifest fetches the manifest bytes published under fileID and
// verifies they hash back to it, so a caller holding only a file_id (no
// catalog entry) can still resolve the manifest.
func (c *ChunkIO) GetManifest(ctx context.Context, fileID [32]byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.cfg.RetryBase, attempt); err != nil {
				return nil, err
			}
		}
		data, err := c.actor.GetRecord(ctx, manifestKey(fileID))
		if err != nil {
			lastErr = err
			continue
		}
		if got := ContentHash(data); got != fileID {
			lastErr = &StorageError{Kind: ErrIntegrityViolation, Err: fmt.Errorf("manifest hash mismatch for %x", fileID)}
			continue
		}
		return data, nil
	}
	return nil, utils.Wrap(lastErr, "get manifest after retries")
}
