package node

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sigilnet/sigil/internal/p2p"
)

type fakeDialer struct {
	dialed []p2p.Multiaddr
}

func (f *fakeDialer) Dial(ctx context.Context, addr p2p.Multiaddr) {
	f.dialed = append(f.dialed, addr)
}

func TestRunBootstrapAllPeersConnect(t *testing.T) {
	peerA := testPeer(t, 200, "/ip4/203.0.113.100/tcp/4001")
	peerB := testPeer(t, 201, "/ip4/203.0.113.101/tcp/4001")

	events := make(chan p2p.ProviderEvent)
	holepunchReq := make(chan p2p.PeerIdentity, 4)
	dialer := &fakeDialer{}

	go func() {
		events <- p2p.ConnectionEstablished{PeerID: peerA.PeerID}
		events <- p2p.ConnectionEstablished{PeerID: peerB.PeerID}
	}()

	err := runBootstrap(context.Background(), dialer, []p2p.Peer{peerA, peerB}, events, holepunchReq, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, dialer.dialed, 2)
	assert.Empty(t, holepunchReq)
}

func TestRunBootstrapPartialFailureEnqueuesHolepunch(t *testing.T) {
	peerA := testPeer(t, 202, "/ip4/203.0.113.102/tcp/4001")
	peerB := testPeer(t, 203, "/ip4/203.0.113.103/tcp/4001")

	events := make(chan p2p.ProviderEvent)
	holepunchReq := make(chan p2p.PeerIdentity, 4)
	dialer := &fakeDialer{}

	go func() {
		events <- p2p.OutgoingConnectionError{PeerID: peerA.PeerID, Err: errors.New("unreachable")}
		events <- p2p.ConnectionEstablished{PeerID: peerB.PeerID}
	}()

	err := runBootstrap(context.Background(), dialer, []p2p.Peer{peerA, peerB}, events, holepunchReq, zap.NewNop())
	require.NoError(t, err)

	select {
	case id := <-holepunchReq:
		assert.Equal(t, peerA.PeerID, id)
	default:
		t.Fatal("expected a hole punch request for the unreachable peer")
	}
}

func TestRunBootstrapIgnoresConnectionToUnrelatedPeer(t *testing.T) {
	peerA := testPeer(t, 206, "/ip4/203.0.113.106/tcp/4001")
	unrelated := testPeerID(t, 207)

	events := make(chan p2p.ProviderEvent)
	holepunchReq := make(chan p2p.PeerIdentity, 4)
	dialer := &fakeDialer{}

	go func() {
		events <- p2p.ConnectionEstablished{PeerID: unrelated}
		events <- p2p.ConnectionEstablished{PeerID: peerA.PeerID}
	}()

	err := runBootstrap(context.Background(), dialer, []p2p.Peer{peerA}, events, holepunchReq, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, holepunchReq)
}

func TestRunBootstrapAllPeersUnreachableIsFatal(t *testing.T) {
	peerA := testPeer(t, 204, "/ip4/203.0.113.104/tcp/4001")
	peerB := testPeer(t, 205, "/ip4/203.0.113.105/tcp/4001")

	events := make(chan p2p.ProviderEvent)
	holepunchReq := make(chan p2p.PeerIdentity, 4)
	dialer := &fakeDialer{}

	go func() {
		events <- p2p.OutgoingConnectionError{PeerID: peerA.PeerID, Err: errors.New("unreachable")}
		events <- p2p.OutgoingConnectionError{PeerID: peerB.PeerID, Err: errors.New("unreachable")}
	}()

	err := runBootstrap(context.Background(), dialer, []p2p.Peer{peerA, peerB}, events, holepunchReq, zap.NewNop())
	assert.Error(t, err)
}

func TestRunBootstrapNoConfiguredPeersIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	err := runBootstrap(context.Background(), dialer, nil, nil, nil, zap.NewNop())
	assert.NoError(t, err)
	assert.Empty(t, dialer.dialed)
}
