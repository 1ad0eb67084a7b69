package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sigilnet/sigil/internal/p2p"
)

type fakeSwarmController struct {
	localPeerID     p2p.PeerIdentity
	published       [][]byte
	dialed          []p2p.Multiaddr
	kademliaAdded   map[p2p.PeerIdentity][]p2p.Multiaddr
	externalAdded   []p2p.Multiaddr
	explicitAdded   []p2p.PeerIdentity
	explicitRemoved []p2p.PeerIdentity
	circuitListened []p2p.Multiaddr
}

func newFakeSwarmController(t *testing.T, localSeed int64) *fakeSwarmController {
	t.Helper()
	return &fakeSwarmController{
		localPeerID:   testPeerID(t, localSeed),
		kademliaAdded: make(map[p2p.PeerIdentity][]p2p.Multiaddr),
	}
}

func (f *fakeSwarmController) Publish(ctx context.Context, data []byte) error {
	f.published = append(f.published, data)
	return nil
}

func (f *fakeSwarmController) Dial(ctx context.Context, addr p2p.Multiaddr) {
	f.dialed = append(f.dialed, addr)
}

func (f *fakeSwarmController) AddKademliaAddress(ctx context.Context, id p2p.PeerIdentity, addrs []p2p.Multiaddr) {
	f.kademliaAdded[id] = append(f.kademliaAdded[id], addrs...)
}

func (f *fakeSwarmController) AddExternalAddress(addr p2p.Multiaddr) {
	f.externalAdded = append(f.externalAdded, addr)
}

func (f *fakeSwarmController) AddExplicitGossipPeer(id p2p.PeerIdentity) {
	f.explicitAdded = append(f.explicitAdded, id)
}

func (f *fakeSwarmController) RemoveExplicitGossipPeer(id p2p.PeerIdentity) {
	f.explicitRemoved = append(f.explicitRemoved, id)
}

func (f *fakeSwarmController) ListenOnCircuit(addr p2p.Multiaddr) error {
	f.circuitListened = append(f.circuitListened, addr)
	return nil
}

func (f *fakeSwarmController) ConnectedPeers() []p2p.PeerIdentity { return nil }

func (f *fakeSwarmController) MeshPeers() []p2p.PeerIdentity { return nil }

func (f *fakeSwarmController) RoutingTable() map[p2p.PeerIdentity][]p2p.Multiaddr { return nil }

func (f *fakeSwarmController) LocalPeerID() p2p.PeerIdentity { return f.localPeerID }

func newTestRouter(provider swarmController) (*router, *RelaySet) {
	relays := NewRelaySet()
	r := newRouter(provider, relays, zap.NewNop(), nil, make(chan p2p.ProviderEvent, 8), make(chan p2p.PeerIdentity, 8))
	return r, relays
}

func TestRouterConnectionEstablishedAddsKademliaAddress(t *testing.T) {
	fc := newFakeSwarmController(t, 499)
	r, _ := newTestRouter(fc)

	addr := testPeer(t, 500, "/ip4/203.0.113.70/tcp/4001").Multiaddr
	id := testPeerID(t, 501)

	r.handleCommon(context.Background(), p2p.ConnectionEstablished{
		PeerID:   id,
		Endpoint: p2p.Endpoint{Dialer: true, Address: addr},
	})

	assert.Equal(t, []p2p.Multiaddr{addr}, fc.kademliaAdded[id])
}

func TestRouterIdentifyReceivedInsertsRelayAndListensOnCircuit(t *testing.T) {
	fc := newFakeSwarmController(t, 499)
	r, relays := newTestRouter(fc)

	relayPeer := testPeer(t, 502, "/ip4/203.0.113.71/tcp/4001")

	r.handleCommon(context.Background(), p2p.IdentifyReceived{
		PeerID:      relayPeer.PeerID,
		ListenAddrs: []p2p.Multiaddr{relayPeer.Multiaddr},
		Protocols:   []string{p2p.RelayHopProtocolID},
	})

	assert.True(t, relays.Contains(relayPeer.PeerID))
	require.Len(t, fc.circuitListened, 1)
	assert.Contains(t, fc.circuitListened[0].String(), relayPeer.PeerID.String())
}

func TestRouterIdentifyReceivedIgnoresLoopbackRelayAddress(t *testing.T) {
	fc := newFakeSwarmController(t, 499)
	r, relays := newTestRouter(fc)

	relayPeer := testPeer(t, 503, "/ip4/127.0.0.1/tcp/4001")

	r.handleCommon(context.Background(), p2p.IdentifyReceived{
		PeerID:      relayPeer.PeerID,
		ListenAddrs: []p2p.Multiaddr{relayPeer.Multiaddr},
		Protocols:   []string{p2p.RelayHopProtocolID},
	})

	assert.False(t, relays.Contains(relayPeer.PeerID))
	assert.Empty(t, fc.circuitListened)
}

func TestRouterIdentifyReceivedIgnoresNonRelayPeers(t *testing.T) {
	fc := newFakeSwarmController(t, 499)
	r, relays := newTestRouter(fc)

	peer := testPeer(t, 504, "/ip4/203.0.113.72/tcp/4001")

	r.handleCommon(context.Background(), p2p.IdentifyReceived{
		PeerID:      peer.PeerID,
		ListenAddrs: []p2p.Multiaddr{peer.Multiaddr},
		Protocols:   []string{"/some/other/protocol/1.0.0"},
	})

	assert.False(t, relays.Contains(peer.PeerID))
	assert.Empty(t, fc.circuitListened)
}

func TestRouterMdnsDiscoveredDialsAndProtects(t *testing.T) {
	fc := newFakeSwarmController(t, 499)
	r, _ := newTestRouter(fc)

	peer := testPeer(t, 505, "/ip4/203.0.113.73/tcp/4001")
	r.handleCommon(context.Background(), p2p.MdnsDiscovered{Peers: []p2p.Peer{peer}})

	assert.Equal(t, []p2p.PeerIdentity{peer.PeerID}, fc.explicitAdded)
	assert.Equal(t, []p2p.Multiaddr{peer.Multiaddr}, fc.dialed)
}

func TestRouterMdnsExpiredUnprotects(t *testing.T) {
	fc := newFakeSwarmController(t, 499)
	r, _ := newTestRouter(fc)

	id := testPeerID(t, 506)
	r.handleCommon(context.Background(), p2p.MdnsExpired{Peers: []p2p.Peer{{PeerID: id}}})

	assert.Equal(t, []p2p.PeerIdentity{id}, fc.explicitRemoved)
}

func TestRouterGossipMessageAnswersWantRelayForSelf(t *testing.T) {
	fc := newFakeSwarmController(t, 508)
	r, relays := newTestRouter(fc)

	relay := testPeer(t, 507, "/ip4/203.0.113.74/tcp/4001")
	relays.Insert(relay)

	r.handleCommon(context.Background(), p2p.GossipMessage{Data: formatWantRelayFor(fc.LocalPeerID())})

	require.Len(t, fc.published, 1)
	gotTarget, relayList, ok := parseIHaveRelays(fc.published[0])
	require.True(t, ok)
	assert.Equal(t, fc.LocalPeerID(), gotTarget)
	require.Len(t, relayList, 1)
	assert.Equal(t, relay.PeerID, relayList[0].PeerID)
}

func TestRouterGossipMessageAnswersWithEmptyListWhenNoKnownRelays(t *testing.T) {
	fc := newFakeSwarmController(t, 509)
	r, _ := newTestRouter(fc)

	r.handleCommon(context.Background(), p2p.GossipMessage{Data: formatWantRelayFor(fc.LocalPeerID())})

	require.Len(t, fc.published, 1)
	gotTarget, relayList, ok := parseIHaveRelays(fc.published[0])
	require.True(t, ok)
	assert.Equal(t, fc.LocalPeerID(), gotTarget)
	assert.Empty(t, relayList)
}

func TestRouterGossipMessageIgnoresWantForOtherPeer(t *testing.T) {
	fc := newFakeSwarmController(t, 510)
	r, relays := newTestRouter(fc)

	relay := testPeer(t, 511, "/ip4/203.0.113.75/tcp/4001")
	relays.Insert(relay)

	other := testPeerID(t, 512)
	r.handleCommon(context.Background(), p2p.GossipMessage{Data: formatWantRelayFor(other)})

	assert.Empty(t, fc.published)
}

func TestRouterKademliaBootstrapTimeoutEnqueuesHolepunchRequest(t *testing.T) {
	fc := newFakeSwarmController(t, 499)
	relays := NewRelaySet()
	holepunchReq := make(chan p2p.PeerIdentity, 4)
	r := newRouter(fc, relays, zap.NewNop(), nil, make(chan p2p.ProviderEvent, 8), holepunchReq)

	id := testPeerID(t, 513)
	r.handleCommon(context.Background(), p2p.KademliaQueryResult{Kind: p2p.KademliaBootstrapTimeout, PeerID: id})

	select {
	case got := <-holepunchReq:
		assert.Equal(t, id, got)
	default:
		t.Fatal("expected a hole punch request to be enqueued")
	}
}
