// Package p2p defines the data model and provider boundary for the overlay
// network: peer identities, multiaddresses, the tagged-union event stream
// emitted by the swarm provider, and the commands it accepts. Everything in
// this package is a thin, well-typed wrapper around go-libp2p; the provider
// itself (provider.go) is the only thing that talks to libp2p directly.
package p2p

import (
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerIdentity is an opaque, equality-comparable identifier derived from a
// peer's public key.
type PeerIdentity = peer.ID

// Multiaddr is a structured, stacked-protocol network address.
type Multiaddr = multiaddr.Multiaddr

// ParsePeerIdentity parses a base58/CID-encoded peer id string.
func ParsePeerIdentity(s string) (PeerIdentity, error) {
	return peer.Decode(s)
}

// Peer pairs a multiaddress with the peer identity it should belong to. Used
// both for configured bootstrap peers and for known relays.
type Peer struct {
	Multiaddr Multiaddr
	PeerID    PeerIdentity
}

// Equal reports whether two peers have the same multiaddress and peer id.
func (p Peer) Equal(other Peer) bool {
	return p.PeerID == other.PeerID && p.Multiaddr.Equal(other.Multiaddr)
}

// Key returns a comparable map key for Peer, since multiaddr.Multiaddr is an
// interface and cannot be used as a Go map key directly.
func (p Peer) Key() string {
	return p.Multiaddr.String() + "|" + p.PeerID.String()
}

func (p Peer) String() string {
	return fmt.Sprintf("%s/p2p/%s", p.Multiaddr, p.PeerID)
}

// FindIPv4 extracts the ip4 literal out of a multiaddress string, e.g.
// "/ip4/1.2.3.4/tcp/4001" -> "1.2.3.4". It returns false when no ip4
// component is present.
func FindIPv4(multiaddrStr string) (string, bool) {
	parts := strings.Split(multiaddrStr, "/")
	for i, part := range parts {
		if part == "ip4" && i+1 < len(parts) {
			return parts[i+1], true
		}
	}
	return "", false
}

// IsLoopbackIPv4 reports whether a multiaddress string's ip4 component is
// the loopback address.
func IsLoopbackIPv4(multiaddrStr string) bool {
	ip, ok := FindIPv4(multiaddrStr)
	return ok && ip == "127.0.0.1"
}
