package core

// HealthLogger records structured JSON log lines describing node activity
// and periodic metrics snapshots. Metrics are never served over HTTP; they
// exist purely as fields on a log line, read the same way every other event
// in the log is read.

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"quorumfs/pkg/utils"
)

// Metrics is a point-in-time snapshot of node activity, logged as
// structured fields rather than exposed on a metrics endpoint.
type Metrics struct {
	ActiveUploads    int     `json:"active_uploads"`
	ActiveDownloads  int     `json:"active_downloads"`
	ConnectedPeers   int     `json:"connected_peers"`
	QuarantinedPeers int     `json:"quarantined_peers"`
	CacheHitRatio    float64 `json:"cache_hit_ratio"`
	DegradedFiles    int     `json:"degraded_files"`
	BrokenFiles      int     `json:"broken_files"`
	MemAllocBytes    uint64  `json:"mem_alloc_bytes"`
	NumGoroutines    int     `json:"goroutines"`
	Timestamp        int64   `json:"timestamp"`
}

// HealthSource supplies the live counters a metrics snapshot reports.
// Engine implements it from the bootstrap roster and the catalog.
type HealthSource interface {
	ConnectedPeerCount() int
	QuarantinedPeerCount() int
	CatalogStateCounts() (degraded, broken int)
}

// HealthLogger writes structured JSON log lines to a file and maintains a
// small set of in-process gauges mirroring the last metrics snapshot, for
// callers that want the current numbers without re-parsing the log.
type HealthLogger struct {
	source HealthSource

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	uploadsGauge   prometheus.Gauge
	downloadsGauge prometheus.Gauge
	peersGauge     prometheus.Gauge
	memGauge       prometheus.Gauge

	activeUploads   int
	activeDownloads int
	cacheHits       int64
	cacheMisses     int64
}

// NewHealthLogger configures a HealthLogger writing JSON lines to path. An
// empty path logs to stderr instead of a file.
func NewHealthLogger(source HealthSource, path string) (*HealthLogger, error) {
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})

	h := &HealthLogger{source: source, log: lg}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, utils.Wrap(err, "open log file")
		}
		lg.SetOutput(f)
		h.file = f
	}

	h.uploadsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quorumfs_active_uploads", Help: "In-flight shard uploads"})
	h.downloadsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quorumfs_active_downloads", Help: "In-flight shard downloads"})
	h.peersGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quorumfs_connected_peers", Help: "Currently connected peers"})
	h.memGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quorumfs_mem_alloc_bytes", Help: "Current memory allocation in bytes"})

	return h, nil
}

// Close releases the underlying log file, if one is open.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}

// Rotate switches logging to a new file path.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			return utils.Wrap(err, "close current log file")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return utils.Wrap(err, "open rotated log file")
	}
	h.log.SetOutput(f)
	h.file = f
	return nil
}

// LogEvent records an arbitrary structured message at level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string, fields logrus.Fields) {
	h.log.WithFields(fields).Log(level, msg)
}

// TrackUpload increments the active-upload gauge and returns a function
// that decrements it again; callers defer the returned function.
func (h *HealthLogger) TrackUpload() func() {
	h.mu.Lock()
	h.activeUploads++
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		h.activeUploads--
		h.mu.Unlock()
	}
}

// TrackDownload mirrors TrackUpload for downloads.
func (h *HealthLogger) TrackDownload() func() {
	h.mu.Lock()
	h.activeDownloads++
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		h.activeDownloads--
		h.mu.Unlock()
	}
}

// RecordCacheResult feeds the cache-hit-ratio metric.
func (h *HealthLogger) RecordCacheResult(hit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hit {
		h.cacheHits++
	} else {
		h.cacheMisses++
	}
}

// MetricsSnapshot gathers current counters from the runtime and the
// injected HealthSource.
func (h *HealthLogger) MetricsSnapshot() Metrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h.mu.Lock()
	uploads, downloads := h.activeUploads, h.activeDownloads
	hits, misses := h.cacheHits, h.cacheMisses
	h.mu.Unlock()

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}

	degraded, broken := 0, 0
	connected, quarantined := 0, 0
	if h.source != nil {
		degraded, broken = h.source.CatalogStateCounts()
		connected = h.source.ConnectedPeerCount()
		quarantined = h.source.QuarantinedPeerCount()
	}

	return Metrics{
		ActiveUploads:    uploads,
		ActiveDownloads:  downloads,
		ConnectedPeers:   connected,
		QuarantinedPeers: quarantined,
		CacheHitRatio:    ratio,
		DegradedFiles:    degraded,
		BrokenFiles:      broken,
		MemAllocBytes:    mem.Alloc,
		NumGoroutines:    runtime.NumGoroutine(),
		Timestamp:        time.Now().Unix(),
	}
}

// RecordMetrics snapshots current state, updates the in-process gauges, and
// writes the snapshot as a structured log line.
func (h *HealthLogger) RecordMetrics() {
	m := h.MetricsSnapshot()
	h.uploadsGauge.Set(float64(m.ActiveUploads))
	h.downloadsGauge.Set(float64(m.ActiveDownloads))
	h.peersGauge.Set(float64(m.ConnectedPeers))
	h.memGauge.Set(float64(m.MemAllocBytes))

	h.LogEvent(logrus.InfoLevel, "metrics snapshot", logrus.Fields{
		"active_uploads":    m.ActiveUploads,
		"active_downloads":  m.ActiveDownloads,
		"connected_peers":   m.ConnectedPeers,
		"quarantined_peers": m.QuarantinedPeers,
		"cache_hit_ratio":   m.CacheHitRatio,
		"degraded_files":    m.DegradedFiles,
		"broken_files":      m.BrokenFiles,
		"mem_alloc_bytes":   m.MemAllocBytes,
		"goroutines":        m.NumGoroutines,
	})
}

// RunMetricsCollector records a metrics snapshot every interval until ctx is
// cancelled.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return
		}
	}
}
