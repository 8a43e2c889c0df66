package core

import (
	"context"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// NodeID identifies a peer by its libp2p peer identity.
type NodeID = peer.ID

// ShardRole distinguishes data shards from the parity shards Reed-Solomon
// adds alongside them.
type ShardRole int

const (
	ShardRoleData ShardRole = iota
	ShardRoleParity
)

func (r ShardRole) String() string {
	if r == ShardRoleParity {
		return "parity"
	}
	return "data"
}

// Shard is one erasure-coded fragment of an encrypted file.
type Shard struct {
	Index       int
	Role        ShardRole
	ContentHash [32]byte
	Size        int64
	Bytes       []byte
}

// CryptoParams carries everything a holder of the owner's private key needs
// to recover the symmetric stream that sealed a file, without which the
// ciphertext shards are useless.
type CryptoParams struct {
	Scheme       string
	EphemeralPub [32]byte
	Nonce        [24]byte
}

// ManifestShardRef is the manifest's record of where one shard lives: its
// content address plus the most recent peers known to hold it.
type ManifestShardRef struct {
	Index       int
	Role        ShardRole
	ContentHash [32]byte
	Size        int64
	Holders     []peer.ID
}

// Manifest is the durable, content-addressed description of a stored file:
// everything needed to locate, reconstruct, and decrypt it.
type Manifest struct {
	FileID         [32]byte
	OwnerPubKey    [32]byte
	CreatedAt      time.Time
	OriginalSize   int64
	CiphertextSize int64
	PlaintextHash  [32]byte
	Crypto         CryptoParams
	Shards         []ManifestShardRef
	DataShards     int
	ParityShards   int
}

// FileState tracks a catalog entry's health as reported by the repair scan.
type FileState int

const (
	FileStateUploading FileState = iota
	FileStateAvailable
	FileStateDegraded
	FileStateBroken
)

func (s FileState) String() string {
	switch s {
	case FileStateUploading:
		return "uploading"
	case FileStateAvailable:
		return "available"
	case FileStateDegraded:
		return "degraded"
	case FileStateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// CatalogEntry is a row of the metadata catalog: a human-facing name bound
// to a manifest, plus the bookkeeping the catalog itself needs.
type CatalogEntry struct {
	Name           string
	FileID         [32]byte
	OwnerPubKey    [32]byte
	Size           int64
	State          FileState
	Tags           []string
	CreatedAt      time.Time
	ModifiedAt     time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	ChunksTotal    int
	ChunksHealthy  int
}

// HealthReport summarizes a single file's replication health, returned by
// the pipeline's Health operation.
type HealthReport struct {
	Name          string
	FileID        [32]byte
	State         FileState
	ChunksTotal   int
	ChunksHealthy int
}

// PeerRole distinguishes the bootstrap roster's seed peers from peers
// discovered organically through the DHT.
type PeerRole int

const (
	PeerRoleSeed PeerRole = iota
	PeerRoleDiscovered
)

// HealthState is the bootstrap manager's view of one peer's reachability.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthConnecting
	HealthConnected
	HealthFailed
	HealthQuarantined
)

func (s HealthState) String() string {
	switch s {
	case HealthUnknown:
		return "unknown"
	case HealthConnecting:
		return "connecting"
	case HealthConnected:
		return "connected"
	case HealthFailed:
		return "failed"
	case HealthQuarantined:
		return "quarantined"
	default:
		return "invalid"
	}
}

// PeerInfo is the bootstrap manager's and chunk I/O coordinator's shared view
// of one peer: its priority in the roster and its recent performance.
type PeerInfo struct {
	PeerID          peer.ID
	Addresses       []string
	Priority        int
	Role            PeerRole
	State           HealthState
	RTTMillis       float64
	SuccessRatio    float64
	ConsecutiveFail int
	LastSuccessAt   time.Time
	LastFailureAt   time.Time
}

// Peer is a lightweight snapshot of a connected remote, handed out by the
// network actor to callers that only need addressing information.
type Peer struct {
	ID      peer.ID
	Addr    string
	Latency time.Duration
}

// Message is an inbound pubsub message delivered to a subscriber.
type Message struct {
	From  peer.ID
	Topic string
	Data  []byte
}

// InboundMsg is handed to subscribers of a topic via their delivery channel.
type InboundMsg struct {
	Topic string
	From  peer.ID
	Data  []byte
}

// NetworkConfig configures the libp2p host the network actor owns.
type NetworkConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Node wraps the libp2p host, pubsub router, and DHT that back the network
// actor. Every field is owned by the actor goroutine; nothing outside
// network.go should touch them directly.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	nat    *NATManager

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	cfg    NetworkConfig
}

// PeerManager is the subset of peer-roster behaviour the chunk I/O
// coordinator depends on. It is satisfied by *BootstrapManager in
// production and by a fake in tests.
type PeerManager interface {
	Peers() []PeerInfo
	Sample(n int) []PeerInfo
	ReportSuccess(id peer.ID, rtt time.Duration)
	ReportFailure(id peer.ID)
}
