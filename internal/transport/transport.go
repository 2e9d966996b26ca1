// Package transport implements C6, the Topic Transport: a libp2p host
// providing gossip topics plus direct per-peer streams (for Log Set
// replication and for the Writer Exchange Channel, each under its own
// protocol), with LAN discovery via mDNS and bootstrap-peer dialing
// standing in for full DHT rendezvous (raw DHT/NAT transport is treated
// as external, supplied by the libp2p host itself).
//
// Grounded directly on core/network.go: NewNode's
// host/pubsub/mDNS wiring, HandlePeerFound's notifee, DialSeed's bootstrap
// loop, and Broadcast/Subscribe's join-on-demand topic maps.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// logStreamProtocol is the libp2p protocol used for direct, per-writer-log
// replication streams (as opposed to gossip topics and to the
// exchangeProtocol streams of the writer exchange channel).
const logStreamProtocol protocol.ID = "/pearsync/logstream/1.0.0"

// exchangeProtocol is the dedicated sub-channel label for the Writer
// Exchange Channel (C7), kept distinct from logStreamProtocol so writer-key
// announcement never contends with log replication traffic on the same
// stream: a tiny side-protocol multiplexed onto each peer channel.
const exchangeProtocol protocol.ID = "/pearsync/writer-exchange/1.0.0"

// Config configures a Transport.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Peer is a known remote, grounded on core/network.go's Peer{ID, Addr} shape.
type Peer struct {
	ID   peer.ID
	Addr string
}

// Transport owns one libp2p host for a workspace's gossip mesh and direct
// replication streams.
type Transport struct {
	host   host.Host
	ps     *pubsub.PubSub
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[peer.ID]*Peer

	incoming  chan network.Stream
	incomingX chan network.Stream
}

// New creates and bootstraps a Transport: a libp2p host, a gossipsub
// router, mDNS LAN discovery, and bootstrap-peer dialing.
func New(cfg Config, logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("transport: create pubsub: %w", err)
	}

	t := &Transport{
		host:      h,
		ps:        ps,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		topics:    make(map[string]*pubsub.Topic),
		subs:      make(map[string]*pubsub.Subscription),
		peers:     make(map[peer.ID]*Peer),
		incoming:  make(chan network.Stream, 16),
		incomingX: make(chan network.Stream, 16),
	}

	h.SetStreamHandler(logStreamProtocol, func(s network.Stream) {
		select {
		case t.incoming <- s:
		default:
			logger.Warn("transport: incoming stream backlog full, dropping connection")
			s.Reset()
		}
	})
	h.SetStreamHandler(exchangeProtocol, func(s network.Stream) {
		select {
		case t.incomingX <- s:
		default:
			logger.Warn("transport: incoming exchange backlog full, dropping connection")
			s.Reset()
		}
	})

	if err := t.DialSeed(cfg.BootstrapPeers); err != nil {
		logger.WithError(err).Warn("transport: bootstrap dial warning")
	}

	tag := cfg.DiscoveryTag
	if tag == "" {
		tag = "pearsync"
	}
	mdns.NewMdnsService(h, tag, t)

	return t, nil
}

var _ mdns.Notifee = (*Transport)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a newly discovered
// LAN peer, ignoring ourselves and peers we already know.
func (t *Transport) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}
	t.peerLock.RLock()
	_, known := t.peers[info.ID]
	t.peerLock.RUnlock()
	if known {
		return
	}
	if err := t.host.Connect(t.ctx, info); err != nil {
		t.logger.WithError(err).WithField("peer", info.ID.String()).Warn("mDNS connect failed")
		return
	}
	t.peerLock.Lock()
	t.peers[info.ID] = &Peer{ID: info.ID, Addr: info.String()}
	t.peerLock.Unlock()
	t.logger.WithField("peer", info.ID.String()).Info("connected via mDNS")
}

// DialSeed connects to every bootstrap peer address, tolerating individual
// failures (a down seed must not prevent startup).
func (t *Transport) DialSeed(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("transport: invalid bootstrap addr %s: %w", addr, err)
			}
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("transport: invalid bootstrap addr %s: %w", addr, err)
			}
			continue
		}
		if err := t.host.Connect(t.ctx, *pi); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("transport: connect %s: %w", addr, err)
			}
			continue
		}
		t.peerLock.Lock()
		t.peers[pi.ID] = &Peer{ID: pi.ID, Addr: addr}
		t.peerLock.Unlock()
		t.logger.WithField("addr", addr).Info("bootstrapped")
	}
	return firstErr
}

// Topic is a joined gossip topic: a publish side and a message stream.
type Topic struct {
	name string
	t    *pubsub.Topic
	sub  *pubsub.Subscription
	ctx  context.Context
}

// Message is one gossip message received on a joined Topic.
type Message struct {
	From  peer.ID
	Topic string
	Data  []byte
}

// Join subscribes to (creating if necessary) a gossip topic, matching the
// teacher's join-on-demand Broadcast/Subscribe pattern but returning a
// single handle for both directions instead of splitting them.
func (t *Transport) Join(name string) (*Topic, error) {
	t.topicLock.Lock()
	defer t.topicLock.Unlock()

	top, ok := t.topics[name]
	if !ok {
		var err error
		top, err = t.ps.Join(name)
		if err != nil {
			return nil, fmt.Errorf("transport: join topic %s: %w", name, err)
		}
		t.topics[name] = top
	}
	sub, ok := t.subs[name]
	if !ok {
		var err error
		sub, err = top.Subscribe()
		if err != nil {
			return nil, fmt.Errorf("transport: subscribe topic %s: %w", name, err)
		}
		t.subs[name] = sub
	}
	return &Topic{name: name, t: top, sub: sub, ctx: t.ctx}, nil
}

// Publish sends data on the topic.
func (top *Topic) Publish(ctx context.Context, data []byte) error {
	if err := top.t.Publish(ctx, data); err != nil {
		return fmt.Errorf("transport: publish %s: %w", top.name, err)
	}
	return nil
}

// Messages returns a channel of incoming gossip messages, closed when the
// subscription ends (Leave is called or the transport shuts down).
func (top *Topic) Messages() <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			msg, err := top.sub.Next(top.ctx)
			if err != nil {
				return
			}
			out <- Message{From: msg.GetFrom(), Topic: top.name, Data: msg.Data}
		}
	}()
	return out
}

// Leave cancels the subscription to name and releases the topic handle.
// Other peers already holding the topic reference are unaffected.
func (t *Transport) Leave(name string) error {
	t.topicLock.Lock()
	defer t.topicLock.Unlock()

	if sub, ok := t.subs[name]; ok {
		sub.Cancel()
		delete(t.subs, name)
	}
	if top, ok := t.topics[name]; ok {
		if err := top.Close(); err != nil {
			return fmt.Errorf("transport: close topic %s: %w", name, err)
		}
		delete(t.topics, name)
	}
	return nil
}

// Connection describes one established peer stream: a framed byte
// channel, the remote's libp2p peer id, and whether this side initiated
// the stream. It carries no writer key.
type Connection struct {
	Channel    *StreamChannel
	RemotePeer peer.ID
	Initiator  bool
}

// Peers returns the peer IDs currently connected to this host.
func (t *Transport) Peers() []peer.ID {
	conns := t.host.Network().Conns()
	out := make([]peer.ID, 0, len(conns))
	seen := make(map[peer.ID]bool, len(conns))
	for _, c := range conns {
		remote := c.RemotePeer()
		if seen[remote] {
			continue
		}
		seen[remote] = true
		out = append(out, remote)
	}
	return out
}

// OpenLogStream opens a fresh logStreamProtocol stream to remote. Each
// call dials a new stream; callers that need one stream per writer log
// call this once per writer.
func (t *Transport) OpenLogStream(ctx context.Context, remote peer.ID) (*StreamChannel, error) {
	s, err := t.host.NewStream(ctx, remote, logStreamProtocol)
	if err != nil {
		return nil, fmt.Errorf("transport: open log stream to %s: %w", remote.String(), err)
	}
	return newStreamChannel(s), nil
}

// Connections returns a framed stream to every currently connected peer,
// opening a new logStreamProtocol stream to each of them on every call.
// Peers unreachable at the moment are skipped rather than
// failing the whole call.
func (t *Transport) Connections(ctx context.Context) []Connection {
	out := make([]Connection, 0)
	for _, remote := range t.Peers() {
		ch, err := t.OpenLogStream(ctx, remote)
		if err != nil {
			t.logger.WithError(err).WithField("peer", remote.String()).Debug("open log stream failed")
			continue
		}
		out = append(out, Connection{Channel: ch, RemotePeer: remote, Initiator: true})
	}
	return out
}

// AcceptedStreams returns a channel of peer-initiated log streams (the
// other side of Connections' NewStream calls), wrapped the same way.
func (t *Transport) AcceptedStreams() <-chan Connection {
	out := make(chan Connection)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-t.incoming:
				if !ok {
					return
				}
				out <- Connection{Channel: newStreamChannel(s), RemotePeer: s.Conn().RemotePeer(), Initiator: false}
			case <-t.ctx.Done():
				return
			}
		}
	}()
	return out
}

// OpenExchange opens the Writer Exchange Channel sub-stream to remote,
// distinct from the log replication stream opened by Connections.
func (t *Transport) OpenExchange(ctx context.Context, remote peer.ID) (*StreamChannel, error) {
	s, err := t.host.NewStream(ctx, remote, exchangeProtocol)
	if err != nil {
		return nil, fmt.Errorf("transport: open exchange stream to %s: %w", remote.String(), err)
	}
	return newStreamChannel(s), nil
}

// AcceptedExchanges returns a channel of peer-initiated Writer Exchange
// Channel sub-streams.
func (t *Transport) AcceptedExchanges() <-chan Connection {
	out := make(chan Connection)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-t.incomingX:
				if !ok {
					return
				}
				out <- Connection{Channel: newStreamChannel(s), RemotePeer: s.Conn().RemotePeer(), Initiator: false}
			case <-t.ctx.Done():
				return
			}
		}
	}()
	return out
}

// HostID returns this process's libp2p peer id.
func (t *Transport) HostID() peer.ID { return t.host.ID() }

// Close tears down every topic, the stream handler, and the host.
func (t *Transport) Close() error {
	t.topicLock.Lock()
	for name, sub := range t.subs {
		sub.Cancel()
		delete(t.subs, name)
	}
	for name, top := range t.topics {
		top.Close()
		delete(t.topics, name)
	}
	t.topicLock.Unlock()

	t.cancel()
	return t.host.Close()
}

// StreamChannel adapts a libp2p network.Stream to the length-prefixed
// framed Send/Recv shape that block.Channel and logset.PeerChannel
// require, mirroring internal/block/persist.go's on-disk framing so the
// same message boundaries survive both storage and the wire.
type StreamChannel struct {
	mu sync.Mutex
	s  network.Stream
}

func newStreamChannel(s network.Stream) *StreamChannel {
	return &StreamChannel{s: s}
}

// Send writes one length-prefixed frame.
func (c *StreamChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.s.SetWriteDeadline(dl)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.s.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := c.s.Write(data); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed frame.
func (c *StreamChannel) Recv(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.s.SetReadDeadline(dl)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.s, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("transport: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(c.s, data); err != nil {
		return nil, fmt.Errorf("transport: read frame body: %w", err)
	}
	return data, nil
}

// Close closes the underlying stream.
func (c *StreamChannel) Close() error {
	return c.s.Close()
}

// Backoff computes jittered exponential reconnect delays, grounded on
// core/nat_traversal.go and core/peer_management.go's retry idiom
// (randomized backoff using crypto/rand for fairness across peers).
type Backoff struct {
	Base, Max time.Duration
	attempt   uint
}

// Next returns the delay before the next reconnection attempt and
// advances the internal attempt counter.
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > 16 {
		shift = 16
	}
	b.attempt++
	d := b.Base * time.Duration(1<<shift)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	jitter := mrand.New(mrand.NewSource(cryptoSeed())).Int63n(int64(d) / 2)
	return d/2 + time.Duration(jitter)
}

// Reset zeroes the attempt counter after a successful reconnection.
func (b *Backoff) Reset() { b.attempt = 0 }

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.BigEndian.Uint64(buf[:]))
}
