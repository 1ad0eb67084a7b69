package node

import (
	"context"
	"fmt"
	"time"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/sigilnet/sigil/internal/p2p"
)

// relayResponseTimeout bounds how long the coordinator waits for a peer to
// answer "WANT RELAY FOR" with "I HAVE RELAYS" before giving up on a
// hole-punch attempt entirely.
const relayResponseTimeout = 5 * time.Second

// dcutrTimeout bounds how long the coordinator waits, per relay candidate,
// for a direct-connection-upgrade result after dialing its circuit address.
const dcutrTimeout = 10 * time.Second

// relayDialTimeout bounds how long the coordinator waits for a plain
// connection to a candidate relay (one we aren't already connected to)
// before giving up on it and moving to the next candidate.
const relayDialTimeout = 5 * time.Second

// publisherDialer is the subset of Provider the hole-punch coordinator
// drives directly (thread-safe, unlike RelaySet which it queries instead
// through SwarmClient).
type publisherDialer interface {
	Publish(ctx context.Context, data []byte) error
	Dial(ctx context.Context, addr p2p.Multiaddr)
}

// runHolepunchCoordinator drains requests strictly sequentially: one
// hole-punch attempt runs to completion (success, exhaustion, or timeout)
// before the next request is even looked at. This bounds concurrent
// circuit dials to one, matching the original's single-worker drain loop.
func runHolepunchCoordinator(
	ctx context.Context,
	pd publisherDialer,
	client *SwarmClient,
	events <-chan p2p.ProviderEvent,
	requests <-chan p2p.PeerIdentity,
	logger *zap.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case target, ok := <-requests:
			if !ok {
				return
			}
			if err := attemptHolepunch(ctx, pd, client, events, target); err != nil {
				logger.Warn("hole punch failed", zap.Stringer("target", target), zap.Error(err))
			} else {
				logger.Info("hole punch succeeded", zap.Stringer("target", target))
			}
		}
	}
}

func attemptHolepunch(
	ctx context.Context,
	pd publisherDialer,
	client *SwarmClient,
	events <-chan p2p.ProviderEvent,
	target p2p.PeerIdentity,
) error {
	if err := pd.Publish(ctx, formatWantRelayFor(target)); err != nil {
		return fmt.Errorf("publish want-relay-for: %w", err)
	}

	candidates, err := awaitRelayResponse(ctx, events, target)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no relay candidates offered for %s", target)
	}

	mine, err := client.MyRelays()
	if err != nil {
		return fmt.Errorf("read local relay set: %w", err)
	}
	common, remaining := compareRelayLists(mine, candidates)

	// Common relays are already in our own relay set, which only ever
	// gains entries for peers we're connected to (§4.3's identify
	// handling) — safe to hole-punch through directly. Relays offered only
	// as candidates are unknown to us, so we first need a plain connection
	// to them before attempting the circuit hole punch (spec §4.6 step 6).
	for _, relay := range common {
		if execHolepunch(ctx, pd, events, target, relay) {
			return nil
		}
	}
	for _, relay := range remaining {
		if !connectToRelay(ctx, pd, events, relay) {
			continue
		}
		if execHolepunch(ctx, pd, events, target, relay) {
			return nil
		}
	}
	return fmt.Errorf("exhausted %d relay candidates for %s", len(common)+len(remaining), target)
}

// connectToRelay dials relay directly (not through a circuit) and waits for
// the connection to resolve, reporting whether it succeeded.
func connectToRelay(ctx context.Context, pd publisherDialer, events <-chan p2p.ProviderEvent, relay p2p.Peer) bool {
	if relay.Multiaddr == nil {
		return false
	}
	pd.Dial(ctx, relay.Multiaddr)

	deadline := time.NewTimer(relayDialTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case evt, ok := <-events:
			if !ok {
				return false
			}
			switch e := evt.(type) {
			case p2p.ConnectionEstablished:
				if e.PeerID == relay.PeerID {
					return true
				}
			case p2p.OutgoingConnectionError:
				if e.PeerID == relay.PeerID {
					return false
				}
			}
		}
	}
}

// awaitRelayResponse waits for an "I HAVE RELAYS" gossip message answering
// target's want, ignoring unrelated provider events in the meantime.
func awaitRelayResponse(ctx context.Context, events <-chan p2p.ProviderEvent, target p2p.PeerIdentity) ([]p2p.Peer, error) {
	deadline := time.NewTimer(relayResponseTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("timed out waiting for relay list for %s", target)
		case evt, ok := <-events:
			if !ok {
				return nil, ErrClosed
			}
			msg, isGossip := evt.(p2p.GossipMessage)
			if !isGossip {
				continue
			}
			responder, relays, isResponse := parseIHaveRelays(msg.Data)
			if isResponse && responder == target {
				return relays, nil
			}
		}
	}
}

// execHolepunch dials target's circuit address through relay and waits for
// a matching DcutrResult, reporting success.
func execHolepunch(ctx context.Context, pd publisherDialer, events <-chan p2p.ProviderEvent, target p2p.PeerIdentity, relay p2p.Peer) bool {
	circuitAddr, err := buildCircuitAddr(relay, target)
	if err != nil {
		return false
	}
	pd.Dial(ctx, circuitAddr)

	deadline := time.NewTimer(dcutrTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case evt, ok := <-events:
			if !ok {
				return false
			}
			res, isDcutr := evt.(p2p.DcutrResult)
			if isDcutr && res.PeerID == target {
				return res.OK
			}
		}
	}
}

func buildCircuitAddr(relay p2p.Peer, target p2p.PeerIdentity) (p2p.Multiaddr, error) {
	return multiaddr.NewMultiaddr(fmt.Sprintf("%s/p2p-circuit/p2p/%s", relay.String(), target))
}
