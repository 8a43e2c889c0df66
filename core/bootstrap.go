package core

// BootstrapManager maintains the priority-ordered roster of peers a node
// dials at startup and reconnects to over time: seed peers from
// configuration plus anything discovered afterward through the DHT. Each
// peer carries a health state and an EWMA round-trip time. Reconnection
// order follows priority alone; the RTT and success ratio order the
// connected peers that Sample returns.

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	rttEWMAAlpha        = 0.2
	backoffBase         = 2 * time.Second
	backoffMax          = 5 * time.Minute
)

type bootstrapPeer struct {
	info          PeerInfo
	consecutiveOK int
	nextAttempt   time.Time
}

// BootstrapManager is the PeerManager implementation used in production. It
// owns no network connections itself; it drives a NetworkActor's
// ConnectPeer/ConnectedPeers calls and records the results.
type BootstrapManager struct {
	actor   *NetworkActor
	log     *logrus.Logger
	catalog *Catalog

	minConnected    int
	dialTimeout     time.Duration
	quarantineAfter int
	quarantineFor   time.Duration

	mu     sync.RWMutex
	roster map[peer.ID]*bootstrapPeer
}

// NewBootstrapManager builds a manager over seeds (multiaddr strings
// including /p2p/<id>), using actor to perform all dialing. If catalog is
// non-nil, the roster is seeded from its persisted peers table on startup
// and kept up to date there as connections succeed or fail, so a restart
// does not forget every peer discovered since the last seed list.
func NewBootstrapManager(actor *NetworkActor, log *logrus.Logger, catalog *Catalog, seeds []string, minConnected int, dialTimeout time.Duration, quarantineAfter int, quarantineFor time.Duration) *BootstrapManager {
	bm := &BootstrapManager{
		actor:           actor,
		log:             log,
		catalog:         catalog,
		minConnected:    minConnected,
		dialTimeout:     dialTimeout,
		quarantineAfter: quarantineAfter,
		quarantineFor:   quarantineFor,
		roster:          make(map[peer.ID]*bootstrapPeer),
	}
	if catalog != nil {
		persisted, err := catalog.LoadPeers()
		if err != nil {
			log.Warnf("bootstrap: load persisted peer roster failed: %v", err)
		}
		for _, info := range persisted {
			info.State = HealthUnknown
			bm.roster[info.PeerID] = &bootstrapPeer{info: info}
		}
	}
	for i, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			continue
		}
		bp, ok := bm.roster[pi.ID]
		if !ok {
			bp = &bootstrapPeer{}
			bm.roster[pi.ID] = bp
		}
		bp.info.PeerID = pi.ID
		bp.info.Addresses = []string{addr}
		bp.info.Priority = len(seeds) - i
		bp.info.Role = PeerRoleSeed
		bp.info.State = HealthUnknown
	}
	return bm
}

// persist writes info to the catalog's peers table, if this manager was
// built with one. Best-effort: a persistence failure is logged, not
// propagated, since the in-memory roster remains authoritative for the
// life of the process either way.
func (bm *BootstrapManager) persist(info PeerInfo) {
	if bm.catalog == nil {
		return
	}
	if err := bm.catalog.SavePeer(info); err != nil {
		bm.log.Warnf("bootstrap: persist peer %s failed: %v", info.PeerID, err)
	}
}

// Run drives connection attempts and periodic health maintenance until ctx
// is cancelled. It should run in its own goroutine for the lifetime of the
// node.
func (bm *BootstrapManager) Run(ctx context.Context) {
	bm.connectRound(ctx)
	ticker := time.NewTicker(bm.dialTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bm.connectRound(ctx)
			bm.syncConnected(ctx)
		}
	}
}

func (bm *BootstrapManager) connectRound(ctx context.Context) {
	now := time.Now()
	bm.mu.Lock()
	candidates := make([]*bootstrapPeer, 0, len(bm.roster))
	for _, bp := range bm.roster {
		if bp.info.State == HealthConnected {
			continue
		}
		if bp.info.State == HealthQuarantined && now.Before(bp.nextAttempt) {
			continue
		}
		candidates = append(candidates, bp)
	}
	bm.mu.Unlock()

	sortByPriority(candidates)

	for _, bp := range candidates {
		dialCtx, cancel := context.WithTimeout(ctx, bm.dialTimeout)
		bm.setState(bp.info.PeerID, HealthConnecting)
		var err error
		for _, addr := range bp.info.Addresses {
			if err = bm.actor.ConnectPeer(dialCtx, addr); err == nil {
				break
			}
		}
		cancel()
		if err != nil {
			bm.recordFailure(bp.info.PeerID)
			continue
		}
		bm.recordSuccess(bp.info.PeerID, 0)
	}
}

func sortByPriority(peers []*bootstrapPeer) {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && peers[j].info.Priority > peers[j-1].info.Priority; j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
}

// syncConnected reconciles the roster against the network actor's live
// connection list, recording discovered peers that were not seeds.
func (bm *BootstrapManager) syncConnected(ctx context.Context) {
	connected, err := bm.actor.ConnectedPeers(ctx)
	if err != nil {
		return
	}
	live := make(map[peer.ID]time.Duration, len(connected))
	for _, p := range connected {
		live[p.ID] = p.Latency
	}

	bm.mu.Lock()
	var changed []PeerInfo
	for id, rtt := range live {
		bp, ok := bm.roster[id]
		if !ok {
			bp = &bootstrapPeer{info: PeerInfo{PeerID: id, Role: PeerRoleDiscovered, State: HealthConnected}}
			bm.roster[id] = bp
		}
		bp.info.State = HealthConnected
		bp.info.RTTMillis = ewma(bp.info.RTTMillis, float64(rtt.Milliseconds()))
		changed = append(changed, bp.info)
	}
	for id, bp := range bm.roster {
		if _, ok := live[id]; !ok && bp.info.State == HealthConnected {
			bp.info.State = HealthFailed
			changed = append(changed, bp.info)
		}
	}
	bm.mu.Unlock()

	for _, info := range changed {
		bm.persist(info)
	}
}

func ewma(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return rttEWMAAlpha*sample + (1-rttEWMAAlpha)*prev
}

func (bm *BootstrapManager) setState(id peer.ID, state HealthState) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bp, ok := bm.roster[id]; ok {
		bp.info.State = state
	}
}

// ReportSuccess records a successful operation against peer id, satisfying
// PeerManager for chunk I/O scoring.
func (bm *BootstrapManager) ReportSuccess(id peer.ID, rtt time.Duration) {
	bm.recordSuccess(id, rtt)
}

func (bm *BootstrapManager) recordSuccess(id peer.ID, rtt time.Duration) {
	bm.mu.Lock()
	bp, ok := bm.roster[id]
	if !ok {
		bm.mu.Unlock()
		return
	}
	bp.info.State = HealthConnected
	bp.info.ConsecutiveFail = 0
	bp.consecutiveOK++
	bp.info.LastSuccessAt = time.Now()
	if rtt > 0 {
		bp.info.RTTMillis = ewma(bp.info.RTTMillis, float64(rtt.Milliseconds()))
	}
	total := float64(bp.consecutiveOK + bp.info.ConsecutiveFail)
	if total > 0 {
		bp.info.SuccessRatio = float64(bp.consecutiveOK) / total
	}
	info := bp.info
	bm.mu.Unlock()
	bm.persist(info)
}

// ReportFailure records a failed operation against peer id.
func (bm *BootstrapManager) ReportFailure(id peer.ID) {
	bm.recordFailure(id)
}

func (bm *BootstrapManager) recordFailure(id peer.ID) {
	bm.mu.Lock()
	bp, ok := bm.roster[id]
	if !ok {
		bm.mu.Unlock()
		return
	}
	bp.info.ConsecutiveFail++
	bp.info.LastFailureAt = time.Now()
	if bp.info.ConsecutiveFail >= bm.quarantineAfter {
		bp.info.State = HealthQuarantined
		backoff := time.Duration(math.Min(
			float64(backoffBase)*math.Pow(2, float64(bp.info.ConsecutiveFail-bm.quarantineAfter)),
			float64(backoffMax),
		))
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
		bp.nextAttempt = time.Now().Add(bm.quarantineFor + backoff + jitter)
	} else {
		bp.info.State = HealthFailed
	}
	info := bp.info
	bm.mu.Unlock()
	bm.persist(info)
}

// Peers returns a snapshot of the full roster.
func (bm *BootstrapManager) Peers() []PeerInfo {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	out := make([]PeerInfo, 0, len(bm.roster))
	for _, bp := range bm.roster {
		out = append(out, bp.info)
	}
	return out
}

// Sample returns up to n connected peers, ordered by higher success ratio
// and lower RTT. The candidates are shuffled before sorting, so only peers
// with equal scores come back in random order.
func (bm *BootstrapManager) Sample(n int) []PeerInfo {
	bm.mu.RLock()
	candidates := make([]PeerInfo, 0, len(bm.roster))
	for _, bp := range bm.roster {
		if bp.info.State == HealthConnected {
			candidates = append(candidates, bp.info)
		}
	}
	bm.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && score(candidates[j]) > score(candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

func score(p PeerInfo) float64 {
	rttPenalty := p.RTTMillis / 1000
	return p.SuccessRatio*2 - rttPenalty
}

var _ PeerManager = (*BootstrapManager)(nil)
