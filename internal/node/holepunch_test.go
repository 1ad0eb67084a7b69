package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigilnet/sigil/internal/p2p"
)

type fakePublisherDialer struct {
	published [][]byte
	dialed    []p2p.Multiaddr
}

func (f *fakePublisherDialer) Publish(ctx context.Context, data []byte) error {
	f.published = append(f.published, data)
	return nil
}

func (f *fakePublisherDialer) Dial(ctx context.Context, addr p2p.Multiaddr) {
	f.dialed = append(f.dialed, addr)
}

func newFakeClient(t *testing.T, relays map[string]p2p.Peer) *SwarmClient {
	t.Helper()
	commands := make(chan p2p.SwarmCommand, 4)
	go func() {
		for cmd := range commands {
			if mr, ok := cmd.(p2p.MyRelays); ok {
				mr.Reply <- relays
				close(mr.Reply)
			}
		}
	}()
	t.Cleanup(func() { close(commands) })
	return newSwarmClient(commands)
}

func TestAttemptHolepunchSucceedsOnCommonRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	target := testPeerID(t, 300)
	relay := testPeer(t, 301, "/ip4/203.0.113.200/tcp/4001")

	client := newFakeClient(t, map[string]p2p.Peer{relay.Key(): relay})
	pd := &fakePublisherDialer{}
	events := make(chan p2p.ProviderEvent, 4)

	go func() {
		events <- p2p.GossipMessage{Data: formatIHaveRelays(target, map[string]p2p.Peer{relay.Key(): relay})}
		events <- p2p.DcutrResult{PeerID: target, OK: true}
	}()

	err := attemptHolepunch(ctx, pd, client, events, target)
	require.NoError(t, err)
	assert.Len(t, pd.dialed, 1)
	assert.Len(t, pd.published, 1)
}

func TestAttemptHolepunchFailsWhenNoCandidatesOffered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	target := testPeerID(t, 302)
	client := newFakeClient(t, map[string]p2p.Peer{})
	pd := &fakePublisherDialer{}
	events := make(chan p2p.ProviderEvent, 4)

	go func() {
		events <- p2p.GossipMessage{Data: formatIHaveRelays(target, map[string]p2p.Peer{})}
	}()

	err := attemptHolepunch(ctx, pd, client, events, target)
	assert.Error(t, err)
}

func TestAttemptHolepunchSkipsCandidateItCannotConnectTo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	target := testPeerID(t, 320)
	unreachable := testPeer(t, 321, "/ip4/203.0.113.210/tcp/4001")

	// Not in our own relay set, so it's a "remaining" candidate requiring a
	// plain connect before any circuit hole punch is even attempted.
	client := newFakeClient(t, map[string]p2p.Peer{})
	pd := &fakePublisherDialer{}
	events := make(chan p2p.ProviderEvent, 8)

	offered := map[string]p2p.Peer{unreachable.Key(): unreachable}

	go func() {
		events <- p2p.GossipMessage{Data: formatIHaveRelays(target, offered)}
		events <- p2p.OutgoingConnectionError{PeerID: unreachable.PeerID}
	}()

	err := attemptHolepunch(ctx, pd, client, events, target)
	assert.Error(t, err)
	// Only the plain connect attempt; the circuit hole punch is never
	// attempted since the plain connection never succeeded.
	assert.Len(t, pd.dialed, 1)
}

func TestAttemptHolepunchFallsBackToCandidateAfterDcutrFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	target := testPeerID(t, 303)
	common := testPeer(t, 304, "/ip4/203.0.113.201/tcp/4001")
	candidate := testPeer(t, 305, "/ip4/203.0.113.202/tcp/4001")

	client := newFakeClient(t, map[string]p2p.Peer{common.Key(): common})
	pd := &fakePublisherDialer{}
	events := make(chan p2p.ProviderEvent, 8)

	offered := map[string]p2p.Peer{common.Key(): common, candidate.Key(): candidate}

	go func() {
		events <- p2p.GossipMessage{Data: formatIHaveRelays(target, offered)}
		events <- p2p.DcutrResult{PeerID: target, OK: false}
		events <- p2p.ConnectionEstablished{PeerID: candidate.PeerID}
		events <- p2p.DcutrResult{PeerID: target, OK: true}
	}()

	err := attemptHolepunch(ctx, pd, client, events, target)
	require.NoError(t, err)
	// common's circuit dial, the candidate's plain connect dial, then the
	// candidate's circuit dial.
	assert.Len(t, pd.dialed, 3)
}
