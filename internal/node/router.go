package node

import (
	"context"
	"fmt"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/sigilnet/sigil/internal/p2p"
)

// swarmController is the subset of Provider the router drives, both as a
// side effect of common event handling and to answer SwarmCommands. It
// exists so router behaviour can be unit tested without a live libp2p host.
type swarmController interface {
	Publish(ctx context.Context, data []byte) error
	Dial(ctx context.Context, addr p2p.Multiaddr)
	AddKademliaAddress(ctx context.Context, id p2p.PeerIdentity, addrs []p2p.Multiaddr)
	AddExternalAddress(addr p2p.Multiaddr)
	AddExplicitGossipPeer(id p2p.PeerIdentity)
	RemoveExplicitGossipPeer(id p2p.PeerIdentity)
	ListenOnCircuit(addr p2p.Multiaddr) error
	ConnectedPeers() []p2p.PeerIdentity
	MeshPeers() []p2p.PeerIdentity
	RoutingTable() map[p2p.PeerIdentity][]p2p.Multiaddr
	LocalPeerID() p2p.PeerIdentity
}

// router is the single runtime task spec §4.1/§5 describes: it owns the
// RelaySet and is the only thing that ever mutates it, selecting in one
// loop over inbound SwarmCommands, ProviderEvents, and (for development) raw
// published lines, and fanning events out to whichever background tasks care
// (bootstrap, the hole-punch coordinator). Because every access to RelaySet
// happens on this one goroutine, it needs no locking of its own.
type router struct {
	provider swarmController
	relays   *RelaySet
	logger   *zap.Logger

	bootstrapOut chan<- p2p.ProviderEvent // nil once bootstrap has finished
	holepunchOut chan<- p2p.ProviderEvent
	holepunchReq chan<- p2p.PeerIdentity
}

func newRouter(provider swarmController, relays *RelaySet, logger *zap.Logger, bootstrapOut, holepunchOut chan<- p2p.ProviderEvent, holepunchReq chan<- p2p.PeerIdentity) *router {
	return &router{
		provider:     provider,
		relays:       relays,
		logger:       logger,
		bootstrapOut: bootstrapOut,
		holepunchOut: holepunchOut,
		holepunchReq: holepunchReq,
	}
}

// run is the node's single selection loop (spec §4.1): on each iteration it
// waits on whichever of the inbound event stream, the command channel, or a
// development publish line is ready first, alongside bootstrap-completion
// and shutdown signals. bootstrapDone, once closed, stops further
// forwarding to the bootstrap task's event copy (its job is finished and
// nothing reads that channel anymore).
func (r *router) run(ctx context.Context, in <-chan p2p.ProviderEvent, commands <-chan p2p.SwarmCommand, devLines <-chan []byte, bootstrapDone <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-bootstrapDone:
			r.bootstrapOut = nil
			bootstrapDone = nil
		case evt, ok := <-in:
			if !ok {
				return
			}
			r.route(ctx, evt)
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			r.execCommand(ctx, cmd)
		case line, ok := <-devLines:
			if !ok {
				devLines = nil
				continue
			}
			if err := r.provider.Publish(ctx, line); err != nil {
				r.logger.Warn("development publish failed", zap.Error(err))
			}
		}
	}
}

func (r *router) execCommand(ctx context.Context, cmd p2p.SwarmCommand) {
	switch c := cmd.(type) {
	case p2p.GossipsubPublish:
		if err := r.provider.Publish(ctx, c.Data); err != nil {
			r.logger.Warn("gossipsub publish failed", zap.Error(err))
		}

	case p2p.Dial:
		r.provider.Dial(ctx, c.Multiaddr)

	case p2p.MyRelays:
		c.Reply <- r.relays.Snapshot()
		close(c.Reply)

	case p2p.ConnectedPeers:
		c.Reply <- r.provider.ConnectedPeers()
		close(c.Reply)

	case p2p.GossipsubMeshPeers:
		c.Reply <- r.provider.MeshPeers()
		close(c.Reply)

	case p2p.KademliaRoutingTable:
		c.Reply <- r.provider.RoutingTable()
		close(c.Reply)

	case p2p.MyPeerID:
		c.Reply <- r.provider.LocalPeerID()
		close(c.Reply)
	}
}

func (r *router) route(ctx context.Context, evt p2p.ProviderEvent) {
	if r.bootstrapOut != nil {
		select {
		case r.bootstrapOut <- evt:
		default:
		}
	}
	select {
	case r.holepunchOut <- evt:
	default:
	}
	r.handleCommon(ctx, evt)
}

func (r *router) handleCommon(ctx context.Context, evt p2p.ProviderEvent) {
	switch e := evt.(type) {
	case p2p.NewListenAddress:
		r.logger.Info("listening", zap.Stringer("address", e.Address))

	case p2p.ConnectionEstablished:
		addr := e.Endpoint.RemoteAddr()
		if addr != nil {
			r.provider.AddKademliaAddress(ctx, e.PeerID, []p2p.Multiaddr{addr})
		}

	case p2p.IdentifyReceived:
		r.handleIdentifyReceived(ctx, e)

	case p2p.MdnsDiscovered:
		for _, peer := range e.Peers {
			r.provider.AddExplicitGossipPeer(peer.PeerID)
			if peer.Multiaddr != nil {
				r.provider.Dial(ctx, peer.Multiaddr)
			}
		}

	case p2p.MdnsExpired:
		for _, peer := range e.Peers {
			r.provider.RemoveExplicitGossipPeer(peer.PeerID)
		}

	case p2p.GossipMessage:
		r.handleGossipMessage(ctx, e)

	case p2p.KademliaQueryResult:
		if e.Kind == p2p.KademliaBootstrapTimeout {
			select {
			case r.holepunchReq <- e.PeerID:
			default:
				r.logger.Warn("hole punch request queue full, dropping", zap.Stringer("peer", e.PeerID))
			}
		}

	case p2p.OutgoingConnectionError:
		r.logger.Debug("outgoing connection error", zap.Stringer("peer", e.PeerID), zap.Error(e.Err))

	case p2p.ConnectionClosed:
		r.logger.Debug("connection closed", zap.Stringer("peer", e.PeerID))
	}
}

func (r *router) handleIdentifyReceived(ctx context.Context, e p2p.IdentifyReceived) {
	if len(e.ListenAddrs) > 0 {
		r.provider.AddKademliaAddress(ctx, e.PeerID, e.ListenAddrs)
	}
	if e.ObservedAddr != nil {
		r.provider.AddExternalAddress(e.ObservedAddr)
	}

	isRelay := false
	for _, proto := range e.Protocols {
		if proto == p2p.RelayHopProtocolID {
			isRelay = true
			break
		}
	}
	if !isRelay {
		return
	}

	for _, addr := range e.ListenAddrs {
		if p2p.IsLoopbackIPv4(addr.String()) {
			continue
		}
		peer := p2p.Peer{Multiaddr: addr, PeerID: e.PeerID}
		r.relays.Insert(peer)

		listenAddr, err := buildOwnCircuitListenAddr(peer)
		if err != nil {
			r.logger.Warn("build circuit listen addr failed", zap.Error(err))
			continue
		}
		if err := r.provider.ListenOnCircuit(listenAddr); err != nil {
			r.logger.Warn("listen on circuit failed", zap.Stringer("relay", e.PeerID), zap.Error(err))
		}
	}
}

// handleGossipMessage answers "WANT RELAY FOR" requests, but only when the
// request names this node's own peer identity as the target (spec §4.5):
// a relay-holding node must not attribute its relays to some other peer it
// isn't itself routing for. Per spec §4.5 it always answers a self-targeted
// request, even with an empty relay list, so the requester can tell "no
// relays known" apart from "no answer yet". "I HAVE RELAYS" responses are
// not handled here: they're consumed directly by the hole-punch
// coordinator, which receives its own copy of every provider event.
func (r *router) handleGossipMessage(ctx context.Context, msg p2p.GossipMessage) {
	target, ok := parseWantRelayFor(msg.Data)
	if !ok {
		return
	}
	if target != r.provider.LocalPeerID() {
		return
	}
	mine := r.relays.Snapshot()
	if err := r.provider.Publish(ctx, formatIHaveRelays(target, mine)); err != nil {
		r.logger.Warn("publish relay response failed", zap.Error(err))
	}
}

func buildOwnCircuitListenAddr(relay p2p.Peer) (p2p.Multiaddr, error) {
	return multiaddr.NewMultiaddr(fmt.Sprintf("%s/p2p-circuit", relay.String()))
}
