package core

// The repair scanner periodically probes every catalog entry's shards for
// reachability by fetching each one from its recorded holders, reconstructs
// whatever is missing from the subset that is still available, and
// re-uploads it to a fresh set of holders. It exchanges no inventory with
// other peers; each node scans only the entries of its own catalog.

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RepairConfig controls how often the scan runs and how many files it
// inspects per round.
type RepairConfig struct {
	ScanInterval time.Duration
	BatchSize    int
}

// RepairScanner walks the catalog looking for files whose shards are no
// longer fully reachable and re-uploads whatever can be reconstructed from
// the shards that remain.
type RepairScanner struct {
	catalog *Catalog
	chunks  *ChunkIO
	log     *logrus.Logger
	cfg     RepairConfig
}

// NewRepairScanner builds a scanner over catalog and chunks.
func NewRepairScanner(catalog *Catalog, chunks *ChunkIO, log *logrus.Logger, cfg RepairConfig) *RepairScanner {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &RepairScanner{catalog: catalog, chunks: chunks, log: log, cfg: cfg}
}

// Run scans on cfg.ScanInterval until ctx is cancelled.
func (r *RepairScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *RepairScanner) scanOnce(ctx context.Context) {
	entries, err := r.catalog.List("")
	if err != nil {
		r.log.Warnf("repair: list catalog failed: %v", err)
		return
	}

	scanned := 0
	for _, entry := range entries {
		if entry.State == FileStateUploading {
			continue
		}
		if scanned >= r.cfg.BatchSize {
			break
		}
		scanned++
		r.checkOne(ctx, entry.Name)
	}
}

func (r *RepairScanner) checkOne(ctx context.Context, name string) {
	_, manifest, err := r.catalog.Lookup(name)
	if err != nil {
		return
	}

	total := manifest.DataShards + manifest.ParityShards
	present := make([][]byte, total)
	missing := make([]int, 0)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ref := range manifest.Shards {
		wg.Add(1)
		go func(ref ManifestShardRef) {
			defer wg.Done()
			data, err := r.chunks.GetShard(ctx, ref.ContentHash, ref.Holders)
			mu.Lock()
			if err == nil {
				present[ref.Index] = data
			}
			mu.Unlock()
			_ = err
		}(ref)
	}
	wg.Wait()

	reachable := 0
	for i, s := range present {
		if s != nil {
			reachable++
		} else {
			missing = append(missing, i)
		}
	}

	switch {
	case reachable == total:
		_ = r.catalog.UpdateChunksHealthy(name, FileStateAvailable, reachable)
		return
	case reachable < manifest.DataShards:
		r.log.Warnf("repair: %q unrecoverable, %d/%d shards reachable", name, reachable, manifest.DataShards)
		_ = r.catalog.UpdateChunksHealthy(name, FileStateBroken, reachable)
		return
	}

	_ = r.catalog.UpdateChunksHealthy(name, FileStateDegraded, reachable)

	reconstructed, err := ReconstructShards(present, manifest.DataShards, manifest.ParityShards)
	if err != nil {
		r.log.Warnf("repair: reconstruct %q failed: %v", name, err)
		return
	}

	repaired := reachable
	for _, idx := range missing {
		role := ShardRoleData
		if idx >= manifest.DataShards {
			role = ShardRoleParity
		}
		shard := Shard{
			Index:       idx,
			Role:        role,
			ContentHash: ContentHash(reconstructed[idx]),
			Size:        int64(len(reconstructed[idx])),
			Bytes:       reconstructed[idx],
		}
		ref, err := r.chunks.PutShard(ctx, shard)
		if err != nil {
			r.log.Warnf("repair: re-upload shard %d of %q failed: %v", idx, name, err)
			continue
		}
		if err := r.catalog.UpdateShardHolders(name, idx, ref.Holders); err != nil {
			r.log.Warnf("repair: record new holders for shard %d of %q failed: %v", idx, name, err)
			continue
		}
		repaired++
		r.log.Infof("repair: re-uploaded shard %d of %q to %d holders", idx, name, len(ref.Holders))
	}

	state := FileStateDegraded
	if repaired == total {
		state = FileStateAvailable
	}
	_ = r.catalog.UpdateChunksHealthy(name, state, repaired)
}
