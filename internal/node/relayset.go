package node

import "github.com/sigilnet/sigil/internal/p2p"

// RelaySet is the node's working knowledge of relay-capable peers. It is
// owned exclusively by the runtime's event loop and is never shared across
// goroutines directly; other components observe it only through
// SwarmClient.MyRelays, which takes a point-in-time snapshot.
type RelaySet struct {
	byKey map[string]p2p.Peer
}

// NewRelaySet returns an empty relay set.
func NewRelaySet() *RelaySet {
	return &RelaySet{byKey: make(map[string]p2p.Peer)}
}

// Insert records peer as relay-capable, unless its address is a loopback
// address (a relay advertising 127.0.0.1 is never externally reachable and
// would poison hole-punch candidate lists).
func (r *RelaySet) Insert(peer p2p.Peer) {
	if peer.Multiaddr != nil && p2p.IsLoopbackIPv4(peer.Multiaddr.String()) {
		return
	}
	r.byKey[peer.Key()] = peer
}

// Contains reports whether id is known as a relay, regardless of address.
func (r *RelaySet) Contains(id p2p.PeerIdentity) bool {
	for _, peer := range r.byKey {
		if peer.PeerID == id {
			return true
		}
	}
	return false
}

// Snapshot returns a defensive copy of the relay set, keyed the same way
// SwarmClient.MyRelays reports it.
func (r *RelaySet) Snapshot() map[string]p2p.Peer {
	out := make(map[string]p2p.Peer, len(r.byKey))
	for k, v := range r.byKey {
		out[k] = v
	}
	return out
}

// Len reports the number of known relays.
func (r *RelaySet) Len() int {
	return len(r.byKey)
}
