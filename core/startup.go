package core

// Engine ties every component together into the single object a CLI or RPC
// surface drives: bring the network actor up, connect to the bootstrap
// roster, open the catalog and cache, and start the background repair scan
// and metrics collector. Shutdown order mirrors startup order in reverse.

import (
	"context"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"quorumfs/pkg/config"
)

// Engine is the fully wired storage engine for one node.
type Engine struct {
	cfg *config.Config
	log *logrus.Logger

	Network   *NetworkActor
	Bootstrap *BootstrapManager
	Catalog   *Catalog
	Cache     *SmartCache
	Chunks    *ChunkIO
	Pipeline  *Pipeline
	Repair    *RepairScanner
	Health    *HealthLogger
	Keystore  *Keystore

	cancel context.CancelFunc
}

// NewEngine constructs every component from cfg. The network actor is
// already running when it returns (its host is up and has dialed the
// configured bootstrap peers); call Start to launch the background loops.
func NewEngine(cfg *config.Config, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	actor, err := StartNetworkActor(NetworkConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, log)
	if err != nil {
		return nil, err
	}

	catalog, err := OpenCatalog(filepath.Join(cfg.Storage.DataDir, "catalog.db"))
	if err != nil {
		actor.Close()
		return nil, err
	}

	bootstrap := NewBootstrapManager(
		actor, log, catalog, cfg.Network.BootstrapPeers,
		cfg.Bootstrap.MinConnected,
		time.Duration(cfg.Bootstrap.DialTimeoutMS)*time.Millisecond,
		cfg.Bootstrap.QuarantineAfter,
		time.Duration(cfg.Bootstrap.QuarantineForS)*time.Second,
	)

	cache, err := NewSmartCache(filepath.Join(cfg.Storage.DataDir, "cache"), CacheConfig{
		Enabled:    cfg.Cache.Enabled,
		MaxBytes:   cfg.Cache.MaxBytes,
		WeightLRU:  cfg.Cache.WeightLRU,
		WeightFreq: cfg.Cache.WeightFreq,
		WeightSize: cfg.Cache.WeightSize,
		MaxEntries: cfg.Cache.MaxEntries,
	})
	if err != nil {
		catalog.Close()
		actor.Close()
		return nil, err
	}

	chunks := NewChunkIO(actor, bootstrap, log, ChunkIOConfig{
		MaxConcurrentUploads:   cfg.Chunks.MaxConcurrentUploads,
		MaxConcurrentDownloads: cfg.Chunks.MaxConcurrentDownloads,
		Retries:                cfg.Chunks.Retries,
		RetryBase:              time.Duration(cfg.Chunks.RetryBaseMS) * time.Millisecond,
		MaxPeerShare:           cfg.PeerSelection.MaxPeerShare,
		WriteQuorum:            cfg.Network.WriteQuorum,
		WriteFraction:          cfg.Network.WriteFraction,
		ReadQuorum:             cfg.Network.ReadQuorum,
		OpTimeout:              cfg.OpTimeout(),
	})

	pipeline := NewPipeline(catalog, chunks, cache, cfg.Erasure.DataShards, cfg.Erasure.ParityShards)

	repair := NewRepairScanner(catalog, chunks, log, RepairConfig{
		ScanInterval: 10 * time.Minute,
		BatchSize:    50,
	})

	keystore := NewKeystore(KDFParams{
		MemoryCost:  cfg.Keystore.KDF.MemoryCost,
		TimeCost:    cfg.Keystore.KDF.TimeCost,
		Parallelism: cfg.Keystore.KDF.Parallelism,
	}, cfg.Keystore.DeletePasses)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		Network:   actor,
		Bootstrap: bootstrap,
		Catalog:   catalog,
		Cache:     cache,
		Chunks:    chunks,
		Pipeline:  pipeline,
		Repair:    repair,
		Keystore:  keystore,
	}

	health, err := NewHealthLogger(e, cfg.Logging.File)
	if err != nil {
		catalog.Close()
		actor.Close()
		return nil, err
	}
	e.Health = health

	return e, nil
}

// Start launches the background bootstrap, repair, and metrics loops. It
// returns immediately; the loops run until ctx is cancelled or Shutdown is
// called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go e.Bootstrap.Run(ctx)
	go e.Repair.Run(ctx)
	go e.Health.RunMetricsCollector(ctx, time.Minute)

	e.log.Info("storage engine started")
}

// Shutdown stops background loops and releases every held resource.
func (e *Engine) Shutdown() error {
	if e.cancel != nil {
		e.cancel()
	}
	_ = e.Health.Close()
	_ = e.Catalog.Close()
	return e.Network.Close()
}

// ConnectedPeerCount implements HealthSource.
func (e *Engine) ConnectedPeerCount() int {
	n := 0
	for _, p := range e.Bootstrap.Peers() {
		if p.State == HealthConnected {
			n++
		}
	}
	return n
}

// QuarantinedPeerCount implements HealthSource.
func (e *Engine) QuarantinedPeerCount() int {
	n := 0
	for _, p := range e.Bootstrap.Peers() {
		if p.State == HealthQuarantined {
			n++
		}
	}
	return n
}

// CatalogStateCounts implements HealthSource.
func (e *Engine) CatalogStateCounts() (degraded, broken int) {
	entries, err := e.Catalog.List("")
	if err != nil {
		return 0, 0
	}
	for _, entry := range entries {
		switch entry.State {
		case FileStateDegraded:
			degraded++
		case FileStateBroken:
			broken++
		}
	}
	return degraded, broken
}

var _ HealthSource = (*Engine)(nil)
