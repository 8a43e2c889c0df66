package core

// peerrank ranks candidate peers by XOR distance from a target content
// hash, the same notion of "closeness" Kademlia routing uses internally.
// The DHT itself (go-libp2p-kad-dht) owns actual routing; this is a small
// utility the chunk I/O coordinator uses on top of whatever candidate list
// it already has, to prefer peers whose ID is numerically close to a
// shard's address when diversifying placement.

import (
	"math/big"

	"github.com/libp2p/go-libp2p/core/peer"
)

// peerIDDigest reduces a peer.ID to the 32-byte space content hashes live
// in, so the two can be compared with XOR distance.
func peerIDDigest(id peer.ID) [32]byte {
	return ContentHash([]byte(id))
}

// xorDistance returns a XOR b as a big.Int, smaller meaning closer.
func xorDistance(a, b [32]byte) *big.Int {
	var x [32]byte
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(x[:])
}

// RankByDistance sorts peers in place by ascending XOR distance from
// target and returns it.
func RankByDistance(target [32]byte, peers []peer.ID) []peer.ID {
	distances := make(map[peer.ID]*big.Int, len(peers))
	for _, p := range peers {
		distances[p] = xorDistance(target, peerIDDigest(p))
	}
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && distances[peers[j]].Cmp(distances[peers[j-1]]) < 0; j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
	return peers
}

// NearestN returns the n peers closest to target by XOR distance.
func NearestN(target [32]byte, peers []peer.ID, n int) []peer.ID {
	ranked := RankByDistance(target, append([]peer.ID(nil), peers...))
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}
