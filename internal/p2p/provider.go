package p2p

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// GossipsubTopic is the single, process-global gossip topic every node
// subscribes to.
const GossipsubTopic = "test-net"

// RelayHopProtocolID is the identify protocol string a relay server
// advertises. Peers that list it among their protocols are relay-capable.
const RelayHopProtocolID = "/libp2p/circuit/relay/0.2.0/hop"

// identifyAgentVersion is the identify protocol version this node
// advertises; also used to scope the mDNS service name so incompatible node
// families never discover one another.
const identifyAgentVersion = "sigil/0.1.0"

// mdnsExpireAfter is how long a discovered mDNS peer is remembered before
// MdnsExpired is synthesized for it. go-libp2p's mDNS notifee has no native
// expiry notion (unlike rust-libp2p's mdns behaviour), so the provider
// tracks last-seen time itself and sweeps periodically.
const mdnsExpireAfter = 2 * time.Minute

// kademliaProbeTimeout bounds how long the provider waits for a
// newly-added routing-table peer to answer a DHT lookup before treating it
// as a firewalled, hole-punch candidate (KademliaBootstrapTimeout).
const kademliaProbeTimeout = 10 * time.Second

// connManagerIdleTimeout is the grace period a connection is protected from
// pruning before the connection manager's background GC becomes eligible to
// trim it for being idle, mirroring the original's 60-second idle timeout.
const connManagerIdleTimeout = 60 * time.Second

// Connection watermarks for the connection manager's background trimming:
// below connManagerLowWater nothing is ever trimmed; above
// connManagerHighWater trimming runs eagerly rather than waiting for the
// next GC tick.
const (
	connManagerLowWater  = 100
	connManagerHighWater = 400
)

// Options configures the construction of a Provider.
type Options struct {
	SecretKeySeed uint8
	IsRelay       bool
	Port          uint16
	MeshN         int
	MeshNLow      int
	MeshNHigh     int
	Logger        *zap.Logger
}

// Provider is the swarm provider: the boundary around go-libp2p that owns
// the host, gossipsub, mDNS, the Kademlia DHT, and hole punching, and
// exposes them as a single ProviderEvent stream plus an imperative command
// surface. It is owned exclusively by the node runtime (internal/node).
type Provider struct {
	host            host.Host
	ps              *pubsub.PubSub
	topic           *pubsub.Topic
	sub             *pubsub.Subscription
	topicEvtHandler *pubsub.TopicEventHandler
	kadDHT          *dht.IpfsDHT

	mdnsService mdns.Service

	logger *zap.Logger
	events chan ProviderEvent

	mdnsMu   sync.Mutex
	mdnsSeen map[peer.ID]time.Time

	extMu         sync.Mutex
	externalAddrs []Multiaddr

	cancel context.CancelFunc
}

// NewProvider builds the libp2p host and its behaviours but does not yet
// listen; call ListenAndWait to bring up the network.
func NewProvider(ctx context.Context, opts Options) (*Provider, error) {
	priv, err := generateEd25519(opts.SecretKeySeed)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	cm, err := connmgr.NewConnManager(connManagerLowWater, connManagerHighWater, connmgr.WithGracePeriod(connManagerIdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("construct connection manager: %w", err)
	}

	events := make(chan ProviderEvent, 64)
	tracer := &dcutrTracer{events: events}
	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ProtocolVersion(identifyAgentVersion),
		libp2p.ConnectionManager(cm),
		libp2p.EnableHolePunching(holepunch.WithTracer(tracer)),
	}
	if opts.IsRelay {
		hostOpts = append(hostOpts, libp2p.EnableRelayService())
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("construct libp2p host: %w", err)
	}

	return newProviderFromHost(ctx, h, opts, events)
}

// NewProviderFromHost builds a Provider around an already-constructed
// libp2p host, for production use with a pre-built host. Integration
// tests generally prefer this over NewProvider so they can supply a
// mocknet host.
func NewProviderFromHost(ctx context.Context, h host.Host, opts Options) (*Provider, error) {
	return newProviderFromHost(ctx, h, opts, make(chan ProviderEvent, 64))
}

func newProviderFromHost(ctx context.Context, h host.Host, opts Options, events chan ProviderEvent) (*Provider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pctx, cancel := context.WithCancel(ctx)

	p := &Provider{
		host:     h,
		logger:   logger,
		events:   events,
		mdnsSeen: make(map[peer.ID]time.Time),
		cancel:   cancel,
	}

	p.subscribeHostEvents(pctx)
	p.registerNetworkNotifiee()

	gossipParams := pubsub.DefaultGossipSubParams()
	gossipParams.D = opts.MeshN
	gossipParams.Dlo = opts.MeshNLow
	gossipParams.Dhi = opts.MeshNHigh
	gossipParams.HeartbeatInterval = 15 * time.Second

	ps, err := pubsub.NewGossipSub(pctx, h,
		pubsub.WithGossipSubParams(gossipParams),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(hashMessageID),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("construct gossipsub: %w", err)
	}
	p.ps = ps

	topic, err := ps.Join(GossipsubTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("join topic %q: %w", GossipsubTopic, err)
	}
	p.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe topic %q: %w", GossipsubTopic, err)
	}
	p.sub = sub
	go p.gossipReadLoop(pctx)

	evtHandler, err := topic.EventHandler()
	if err == nil {
		p.topicEvtHandler = evtHandler
		go p.gossipPeerEventLoop(pctx)
	}

	kadDHT, err := dht.New(pctx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("construct kademlia dht: %w", err)
	}
	p.kadDHT = kadDHT

	mdnsServiceName := mdnsServiceNameFromAgent(identifyAgentVersion)
	p.mdnsService = mdns.NewMdnsService(h, mdnsServiceName, &mdnsNotifee{provider: p})
	if err := p.mdnsService.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start mdns: %w", err)
	}
	go p.mdnsExpiryLoop(pctx)

	return p, nil
}

// Close tears down every subsystem the provider owns.
func (p *Provider) Close() error {
	p.cancel()
	if p.mdnsService != nil {
		_ = p.mdnsService.Close()
	}
	if p.kadDHT != nil {
		_ = p.kadDHT.Close()
	}
	if p.sub != nil {
		p.sub.Cancel()
	}
	if p.topic != nil {
		_ = p.topic.Close()
	}
	return p.host.Close()
}

// Events returns the single, ordered provider event stream.
func (p *Provider) Events() <-chan ProviderEvent {
	return p.events
}

func (p *Provider) emit(evt ProviderEvent) {
	select {
	case p.events <- evt:
	default:
		p.logger.Warn("provider event channel full, dropping event", zap.String("type", fmt.Sprintf("%T", evt)))
	}
}

// LocalPeerID returns this node's own peer identity.
func (p *Provider) LocalPeerID() PeerIdentity {
	return p.host.ID()
}

// ListenAddrTCP and ListenAddrQUIC build the two standard listen addresses.
func ListenAddrTCP(port uint16) Multiaddr {
	addr, _ := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port))
	return addr
}

func ListenAddrQUIC(port uint16) Multiaddr {
	addr, _ := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port))
	return addr
}

// ListenAndWait registers the TCP and QUIC listen addresses and blocks
// until both are confirmed active or a one-second grace period elapses,
// matching the constructor contract in spec §4.1.
func (p *Provider) ListenAndWait(ctx context.Context, port uint16) error {
	tcpAddr := ListenAddrTCP(port)
	quicAddr := ListenAddrQUIC(port)

	if err := p.host.Network().Listen(tcpAddr); err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	if err := p.host.Network().Listen(quicAddr); err != nil {
		return fmt.Errorf("listen quic: %w", err)
	}

	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()

	seenTCP, seenQUIC := false, false
	for _, addr := range p.host.Addrs() {
		if addr.Equal(tcpAddr) {
			seenTCP = true
		}
		if addr.Equal(quicAddr) {
			seenQUIC = true
		}
	}

	sub, err := p.host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		return fmt.Errorf("subscribe local address updates: %w", err)
	}
	defer sub.Close()

	for !(seenTCP && seenQUIC) {
		select {
		case raw := <-sub.Out():
			upd, ok := raw.(event.EvtLocalAddressesUpdated)
			if !ok {
				continue
			}
			for _, c := range upd.Current {
				if c.Address.Equal(tcpAddr) {
					seenTCP = true
				}
				if c.Address.Equal(quicAddr) {
					seenQUIC = true
				}
			}
		case <-deadline.C:
			seenTCP, seenQUIC = true, true
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.emit(NewListenAddress{Address: tcpAddr})
	p.emit(NewListenAddress{Address: quicAddr})
	return nil
}

// Dial hands an address to the host for an outbound dial attempt. Success
// and failure are reported asynchronously via ConnectionEstablished /
// OutgoingConnectionError provider events, not via this call's return.
func (p *Provider) Dial(ctx context.Context, addr Multiaddr) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		p.emit(OutgoingConnectionError{Err: fmt.Errorf("parse dial addr %s: %w", addr, err)})
		return
	}
	go func() {
		if err := p.host.Connect(ctx, *info); err != nil {
			p.emit(OutgoingConnectionError{PeerID: info.ID, Err: err})
		}
	}()
}

// Publish publishes data on the node's topic.
func (p *Provider) Publish(ctx context.Context, data []byte) error {
	return p.topic.Publish(ctx, data)
}

// ConnectedPeers returns the identities of all currently connected peers.
func (p *Provider) ConnectedPeers() []PeerIdentity {
	return p.host.Network().Peers()
}

// MeshPeers returns the peers subscribed to the node's topic.
func (p *Provider) MeshPeers() []PeerIdentity {
	return p.ps.ListPeers(GossipsubTopic)
}

// RoutingTable returns a snapshot of the Kademlia routing table as
// peer -> known addresses.
func (p *Provider) RoutingTable() map[PeerIdentity][]Multiaddr {
	out := make(map[PeerIdentity][]Multiaddr)
	for _, id := range p.kadDHT.RoutingTable().ListPeers() {
		out[id] = p.host.Peerstore().Addrs(id)
	}
	return out
}

// AddKademliaAddress records addrs for peer id in the peerstore (which the
// DHT consults for routing) and probes whether the peer is reachable
// through the DHT, synthesizing a KademliaBootstrapTimeout event if not.
func (p *Provider) AddKademliaAddress(ctx context.Context, id PeerIdentity, addrs []Multiaddr) {
	p.host.Peerstore().AddAddrs(id, addrs, peerstore.ConnectedAddrTTL)
	p.emit(KademliaRoutingUpdated{PeerID: id, Addrs: addrs})

	go p.probeKademliaReachability(ctx, id)
}

func (p *Provider) probeKademliaReachability(ctx context.Context, id PeerIdentity) {
	pctx, cancel := context.WithTimeout(ctx, kademliaProbeTimeout)
	defer cancel()

	_, err := p.kadDHT.FindPeer(pctx, id)
	if err != nil && pctx.Err() != nil {
		p.emit(KademliaQueryResult{Kind: KademliaBootstrapTimeout, PeerID: id})
		return
	}
	p.emit(KademliaQueryResult{Kind: KademliaBootstrapOK})
}

// ListenOnCircuit begins listening through a relay's circuit address.
func (p *Provider) ListenOnCircuit(circuitAddr Multiaddr) error {
	return p.host.Network().Listen(circuitAddr)
}

// AddExternalAddress registers addr as an externally-reachable address of
// this node, as reported to us via identify's observed_addr.
func (p *Provider) AddExternalAddress(addr Multiaddr) {
	p.extMu.Lock()
	defer p.extMu.Unlock()
	p.externalAddrs = append(p.externalAddrs, addr)
}

// explicitPeerTag is the connection-manager protection tag used for peers
// discovered via mDNS, matching the original's "add_explicit_peer": once
// explicit, a peer is kept connected rather than pruned under load.
const explicitPeerTag = "explicit-peer"

// AddExplicitGossipPeer protects a peer's connection from being pruned,
// the Go analogue of gossipsub's explicit-peer set.
func (p *Provider) AddExplicitGossipPeer(id PeerIdentity) {
	p.host.ConnManager().Protect(id, explicitPeerTag)
}

// RemoveExplicitGossipPeer releases a previously-protected peer.
func (p *Provider) RemoveExplicitGossipPeer(id PeerIdentity) {
	p.host.ConnManager().Unprotect(id, explicitPeerTag)
}

func generateEd25519(seed uint8) (crypto.PrivKey, error) {
	src := rand.New(rand.NewSource(int64(seed)))
	priv, _, err := crypto.GenerateEd25519Key(src)
	return priv, err
}

func mdnsServiceNameFromAgent(agent string) string {
	out := make([]byte, 0, len(agent))
	for _, r := range agent {
		if r == '/' || r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func (p *Provider) subscribeHostEvents(ctx context.Context) {
	sub, err := p.host.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
	})
	if err != nil {
		p.logger.Warn("subscribe identify events failed", zap.Error(err))
		return
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub.Out():
				if !ok {
					return
				}
				p.handleIdentifyCompleted(raw)
			}
		}
	}()
}

func (p *Provider) handleIdentifyCompleted(raw interface{}) {
	evt, ok := raw.(event.EvtPeerIdentificationCompleted)
	if !ok {
		return
	}
	protocols := make([]string, 0, len(evt.Protocols))
	for _, proto := range evt.Protocols {
		protocols = append(protocols, string(proto))
	}
	p.emit(IdentifyReceived{
		PeerID:       evt.Peer,
		ObservedAddr: evt.ObservedAddr,
		ListenAddrs:  evt.ListenAddrs,
		Protocols:    protocols,
	})
}

func (p *Provider) registerNetworkNotifiee() {
	p.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, c network.Conn) {
			ep := Endpoint{}
			if c.Stat().Direction == network.DirOutbound {
				ep.Dialer = true
				ep.Address = c.RemoteMultiaddr()
			} else {
				ep.SendBackAddr = c.RemoteMultiaddr()
			}
			p.emit(ConnectionEstablished{
				PeerID:         c.RemotePeer(),
				Endpoint:       ep,
				NumEstablished: len(n.ConnsToPeer(c.RemotePeer())),
			})
			// identify always runs right after connect; the original
			// observes this as a distinct "sent" notification.
			p.emit(IdentifySent{PeerID: c.RemotePeer()})
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			p.emit(ConnectionClosed{
				PeerID:         c.RemotePeer(),
				NumEstablished: len(n.ConnsToPeer(c.RemotePeer())),
			})
		},
	})
}

func (p *Provider) gossipReadLoop(ctx context.Context) {
	for {
		msg, err := p.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("gossipsub read error", zap.Error(err))
			continue
		}
		p.emit(GossipMessage{Source: msg.ReceivedFrom, Data: msg.Data})
	}
}

func (p *Provider) gossipPeerEventLoop(ctx context.Context) {
	for {
		pe, err := p.topicEvtHandler.NextPeerEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if pe.Type == pubsub.PeerJoin {
			p.emit(GossipSubscribed{PeerID: pe.Peer})
		}
	}
}

func (p *Provider) mdnsExpiryLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepExpiredMdns()
		}
	}
}

func (p *Provider) sweepExpiredMdns() {
	p.mdnsMu.Lock()
	defer p.mdnsMu.Unlock()

	var expired []Peer
	now := time.Now()
	for id, lastSeen := range p.mdnsSeen {
		if now.Sub(lastSeen) > mdnsExpireAfter {
			expired = append(expired, Peer{PeerID: id})
			delete(p.mdnsSeen, id)
		}
	}
	if len(expired) > 0 {
		p.emit(MdnsExpired{Peers: expired})
	}
}

type mdnsNotifee struct {
	provider *Provider
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.provider.mdnsMu.Lock()
	n.provider.mdnsSeen[pi.ID] = time.Now()
	n.provider.mdnsMu.Unlock()

	peers := make([]Peer, 0, len(pi.Addrs))
	for _, addr := range pi.Addrs {
		peers = append(peers, Peer{Multiaddr: addr, PeerID: pi.ID})
	}
	if len(peers) == 0 {
		peers = append(peers, Peer{PeerID: pi.ID})
	}
	n.provider.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
	n.provider.emit(MdnsDiscovered{Peers: peers})
}

type dcutrTracer struct {
	events chan ProviderEvent
}

func (t *dcutrTracer) Trace(evt *holepunch.Event) {
	switch evt.Evt.(type) {
	case *holepunch.DirectDialSuccessful:
		t.send(DcutrResult{PeerID: evt.Remote, OK: true})
	case *holepunch.DirectDialFailed, *holepunch.ProtocolError:
		t.send(DcutrResult{PeerID: evt.Remote, OK: false})
	}
}

func (t *dcutrTracer) send(evt ProviderEvent) {
	select {
	case t.events <- evt:
	default:
	}
}

// hashMessageID content-addresses a gossip message for deduplication,
// mirroring the original's use of Rust's DefaultHasher over the message
// bytes.
func hashMessageID(m *pubsub.Message) string {
	h := fnv.New64a()
	h.Write(m.Data)
	return fmt.Sprintf("%x", h.Sum64())
}
