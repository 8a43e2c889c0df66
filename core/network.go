package core

// The network actor owns the libp2p host, DHT, and pubsub router behind a
// single goroutine. Every other component reaches the network only by
// sending a request on reqCh and waiting on its reply channel; nothing
// outside this file touches Node's fields directly. That keeps the libp2p
// objects, which are themselves not meant for unsynchronized concurrent use
// in every code path, safely serialized behind one owner.

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"quorumfs/pkg/utils"
)

// actorRequest is the envelope every call into the network actor takes.
// Only the fields its op uses are populated; reply always receives exactly
// one value before the actor moves on to the next request.
type actorRequest struct {
	op    actorOp
	topic string
	data  []byte
	addr  string
	key   string
	value []byte
	reply chan actorReply
}

type actorOp int

const (
	opPutRecord actorOp = iota
	opGetRecord
	opConnectPeer
	opBootstrap
	opConnectedPeers
	opSubscribe
	opPublish
	opClosestPeers
)

type actorReply struct {
	err     error
	value   []byte
	peers   []Peer
	sub     <-chan InboundMsg
	closest []peer.ID
}

// NetworkActor serializes all access to a Node behind a single goroutine and
// a bounded request channel, restarting the goroutine on panic rather than
// letting one bad request take the whole node down.
type NetworkActor struct {
	node   *Node
	log    *logrus.Logger
	reqCh  chan actorRequest
	closed chan struct{}
}

// StartNetworkActor builds the libp2p host described by cfg and launches the
// actor goroutine that owns it.
func StartNetworkActor(cfg NetworkConfig, log *logrus.Logger) (*NetworkActor, error) {
	node, err := newNode(cfg, log)
	if err != nil {
		return nil, err
	}
	a := &NetworkActor{
		node:   node,
		log:    log,
		reqCh:  make(chan actorRequest, 256),
		closed: make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func (a *NetworkActor) run() {
	defer close(a.closed)
	for {
		if a.serveUntilPanic() {
			return
		}
		a.log.Warn("network actor restarting after panic")
	}
}

// serveUntilPanic drains reqCh until the node's context is cancelled
// (returns true, a clean stop) or a handler panics (returns false, so run
// restarts the loop on a fresh goroutine stack). The request being handled
// when a panic hits is answered with an ActorRestarted error.
func (a *NetworkActor) serveUntilPanic() (stopped bool) {
	var inFlight chan actorReply
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorf("network actor panic: %v", r)
			if inFlight != nil {
				select {
				case inFlight <- actorReply{err: &StorageError{Kind: ErrActorRestarted, Err: fmt.Errorf("network actor panic: %v", r)}}:
				default:
				}
			}
			stopped = false
		}
	}()
	for {
		select {
		case <-a.node.ctx.Done():
			return true
		case req := <-a.reqCh:
			inFlight = req.reply
			a.handle(req)
			inFlight = nil
		}
	}
}

func (a *NetworkActor) handle(req actorRequest) {
	switch req.op {
	case opPutRecord:
		err := a.node.dht.PutValue(a.node.ctx, req.key, req.value)
		req.reply <- actorReply{err: err}
	case opGetRecord:
		val, err := a.node.dht.GetValue(a.node.ctx, req.key)
		req.reply <- actorReply{err: err, value: val}
	case opConnectPeer:
		err := a.node.connectAddr(req.addr)
		req.reply <- actorReply{err: err}
	case opBootstrap:
		err := a.node.dht.Bootstrap(a.node.ctx)
		req.reply <- actorReply{err: err}
	case opConnectedPeers:
		req.reply <- actorReply{peers: a.node.connectedPeers()}
	case opSubscribe:
		ch, err := a.node.subscribe(req.topic)
		req.reply <- actorReply{err: err, sub: ch}
	case opPublish:
		err := a.node.publish(req.topic, req.data)
		req.reply <- actorReply{err: err}
	case opClosestPeers:
		ids, err := a.node.dht.GetClosestPeers(a.node.ctx, req.key)
		req.reply <- actorReply{err: err, closest: ids}
	}
}

// call sends req on the actor's request channel and blocks for its reply,
// respecting ctx's deadline on both the send and the wait.
func (a *NetworkActor) call(ctx context.Context, req actorRequest) (actorReply, error) {
	req.reply = make(chan actorReply, 1)
	select {
	case a.reqCh <- req:
	case <-ctx.Done():
		return actorReply{}, &StorageError{Kind: ErrTimeout, Err: ctx.Err()}
	case <-a.closed:
		return actorReply{}, &StorageError{Kind: ErrActorRestarted, Err: fmt.Errorf("network actor stopped")}
	default:
		select {
		case a.reqCh <- req:
		case <-ctx.Done():
			return actorReply{}, &StorageError{Kind: ErrTimeout, Err: ctx.Err()}
		case <-a.closed:
			return actorReply{}, &StorageError{Kind: ErrActorRestarted, Err: fmt.Errorf("network actor stopped")}
		}
	}
	select {
	case rep := <-req.reply:
		return rep, rep.err
	case <-ctx.Done():
		return actorReply{}, &StorageError{Kind: ErrTimeout, Err: ctx.Err()}
	}
}

// PutRecord stores value in the DHT under key.
func (a *NetworkActor) PutRecord(ctx context.Context, key string, value []byte) error {
	_, err := a.call(ctx, actorRequest{op: opPutRecord, key: key, value: value})
	return err
}

// GetRecord fetches the value stored under key, returning NotFound if no
// record is reachable within ctx's deadline. Timeout and ActorRestarted
// propagate unchanged, since those describe the call itself rather than the
// key's presence in the DHT.
func (a *NetworkActor) GetRecord(ctx context.Context, key string) ([]byte, error) {
	rep, err := a.call(ctx, actorRequest{op: opGetRecord, key: key})
	if err != nil {
		var se *StorageError
		if errors.As(err, &se) && (se.Kind == ErrTimeout || se.Kind == ErrActorRestarted) {
			return nil, err
		}
		return nil, &StorageError{Kind: ErrNotFound, Err: err, Fields: map[string]any{"key": key}}
	}
	return rep.value, nil
}

// ConnectPeer dials addr, a multiaddr string including a /p2p/<peerid>
// suffix.
func (a *NetworkActor) ConnectPeer(ctx context.Context, addr string) error {
	_, err := a.call(ctx, actorRequest{op: opConnectPeer, addr: addr})
	if err != nil {
		return &StorageError{Kind: ErrDialFailure, Err: err, Fields: map[string]any{"addr": addr}}
	}
	return nil
}

// Bootstrap runs one DHT bootstrap round against the connected seeds.
func (a *NetworkActor) Bootstrap(ctx context.Context) error {
	_, err := a.call(ctx, actorRequest{op: opBootstrap})
	return err
}

// ConnectedPeers returns a snapshot of currently connected peers.
func (a *NetworkActor) ConnectedPeers(ctx context.Context) ([]Peer, error) {
	rep, err := a.call(ctx, actorRequest{op: opConnectedPeers})
	return rep.peers, err
}

// Subscribe joins topic and returns a channel of inbound messages for it.
func (a *NetworkActor) Subscribe(ctx context.Context, topic string) (<-chan InboundMsg, error) {
	rep, err := a.call(ctx, actorRequest{op: opSubscribe, topic: topic})
	return rep.sub, err
}

// Publish sends data on topic to every current subscriber.
func (a *NetworkActor) Publish(ctx context.Context, topic string, data []byte) error {
	_, err := a.call(ctx, actorRequest{op: opPublish, topic: topic, data: data})
	return err
}

// ClosestPeers returns the DHT's current view of the peers nearest key.
func (a *NetworkActor) ClosestPeers(ctx context.Context, key string) ([]peer.ID, error) {
	rep, err := a.call(ctx, actorRequest{op: opClosestPeers, key: key})
	return rep.closest, err
}

// LocalID returns this node's own peer identity.
func (a *NetworkActor) LocalID() peer.ID { return a.node.host.ID() }

// Close tears down the host and stops the actor goroutine.
func (a *NetworkActor) Close() error {
	a.node.cancel()
	<-a.closed
	if a.node.nat != nil {
		_ = a.node.nat.Unmap()
	}
	return a.node.host.Close()
}

func newNode(cfg NetworkConfig, log *logrus.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, utils.Wrap(err, "create libp2p host")
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		h.Close()
		cancel()
		return nil, utils.Wrap(err, "create kademlia dht")
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, utils.Wrap(err, "create pubsub router")
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		dht:    kad,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}

	if natMgr, err := NewNATManager(); err == nil {
		if port, err := parsePort(cfg.ListenAddr); err == nil {
			if err := natMgr.Map(port); err != nil {
				log.Warnf("nat map failed: %v", err)
			}
		}
		n.nat = natMgr
	} else {
		log.Debugf("nat discovery unavailable: %v", err)
	}

	for _, addr := range cfg.BootstrapPeers {
		if err := n.connectAddr(addr); err != nil {
			log.Warnf("bootstrap dial %s failed: %v", addr, err)
		}
	}

	if err := kad.Bootstrap(ctx); err != nil {
		log.Warnf("dht bootstrap failed: %v", err)
	}

	if _, err := mdns.NewMdnsService(h, cfg.DiscoveryTag, &mdnsNotifee{n: n, log: log}).Start(); err != nil {
		log.Debugf("mdns discovery unavailable: %v", err)
	}

	return n, nil
}

// mdnsNotifee bridges mDNS discovery callbacks into a best-effort connect.
// It holds no state of its own beyond the node it serves, since connection
// bookkeeping lives entirely in the libp2p host's own peerstore.
type mdnsNotifee struct {
	n   *Node
	log *logrus.Logger
}

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.n.host.ID() {
		return
	}
	if err := m.n.host.Connect(m.n.ctx, info); err != nil {
		m.log.Debugf("mdns connect to %s failed: %v", info.ID, err)
	}
}

func (n *Node) connectAddr(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return utils.Wrap(err, "parse peer address")
	}
	return n.host.Connect(n.ctx, *pi)
}

func (n *Node) connectedPeers() []Peer {
	ids := n.host.Network().Peers()
	out := make([]Peer, 0, len(ids))
	for _, id := range ids {
		latency := n.host.Peerstore().LatencyEWMA(id)
		conns := n.host.Network().ConnsToPeer(id)
		addr := ""
		if len(conns) > 0 {
			addr = conns[0].RemoteMultiaddr().String()
		}
		out = append(out, Peer{ID: id, Addr: addr, Latency: latency})
	}
	return out
}

func (n *Node) subscribe(topic string) (<-chan InboundMsg, error) {
	n.mu.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.mu.Unlock()
			return nil, utils.Wrap(err, "join topic")
		}
		n.topics[topic] = t
	}
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = t.Subscribe()
		if err != nil {
			n.mu.Unlock()
			return nil, utils.Wrap(err, "subscribe topic")
		}
		n.subs[topic] = sub
	}
	n.mu.Unlock()

	out := make(chan InboundMsg, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			select {
			case out <- InboundMsg{Topic: topic, From: msg.GetFrom(), Data: msg.Data}:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *Node) publish(topic string, data []byte) error {
	n.mu.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.mu.Unlock()
			return utils.Wrap(err, "join topic")
		}
		n.topics[topic] = t
	}
	n.mu.Unlock()
	return t.Publish(n.ctx, data)
}

var _ RecordStore = (*NetworkActor)(nil)
