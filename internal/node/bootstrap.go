package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sigilnet/sigil/internal/p2p"
)

// dialer is the subset of Provider the bootstrap task needs.
type dialer interface {
	Dial(ctx context.Context, addr p2p.Multiaddr)
}

// runBootstrap dials each configured peer in turn, waiting for that dial
// to resolve before moving to the next. Success is correlated to the dial
// by PEER ID: awaitBootstrapOutcome keeps looping past any
// ConnectionEstablished for some other peer (e.g. a concurrent mDNS or
// inbound connection) until the configured peer itself connects. Failure
// cannot be correlated this precisely — libp2p doesn't reliably attribute a
// dial error back to a peer id before identify completes — so any
// OutgoingConnectionError is treated as this dial's failure, matching the
// original's position-based error handling.
//
// Peers that fail to connect are handed to the hole-punch coordinator. If
// every configured peer fails, bootstrap is fatal: a node configured with
// bootstrap peers that cannot reach any of them has no path onto the
// overlay and cannot make progress.
func runBootstrap(
	ctx context.Context,
	d dialer,
	peers []p2p.Peer,
	events <-chan p2p.ProviderEvent,
	holepunchReq chan<- p2p.PeerIdentity,
	logger *zap.Logger,
) error {
	if len(peers) == 0 {
		return nil
	}

	failures := 0
	for _, peer := range peers {
		logger.Info("dialing bootstrap peer", zap.Stringer("peer", peer.PeerID), zap.Stringer("addr", peer.Multiaddr))
		d.Dial(ctx, peer.Multiaddr)

		connected, err := awaitBootstrapOutcome(ctx, events, peer.PeerID)
		if connected {
			logger.Info("bootstrap peer connected", zap.Stringer("peer", peer.PeerID))
			continue
		}

		failures++
		logger.Warn("bootstrap peer unreachable", zap.Stringer("peer", peer.PeerID), zap.Error(err))
		select {
		case holepunchReq <- peer.PeerID:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// request channel full: the hole-punch coordinator is already
			// behind, drop the request rather than block bootstrap.
		}
	}

	if failures == len(peers) {
		return fmt.Errorf("bootstrap: all %d configured peers are unreachable", len(peers))
	}
	return nil
}

// awaitBootstrapOutcome blocks until the dial to expected either succeeds
// (a ConnectionEstablished naming that exact peer id) or any dial failure
// is reported; everything else, including a connection to some other peer,
// is transparent background noise that doesn't resolve this dial.
func awaitBootstrapOutcome(ctx context.Context, events <-chan p2p.ProviderEvent, expected p2p.PeerIdentity) (connected bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return false, ErrClosed
			}
			switch e := evt.(type) {
			case p2p.ConnectionEstablished:
				if e.PeerID == expected {
					return true, nil
				}
			case p2p.OutgoingConnectionError:
				return false, e.Err
			}
		}
	}
}
