package node

import (
	"strings"

	"github.com/sigilnet/sigil/internal/p2p"
)

// The relay-discovery protocol is plain ASCII lines published on the node's
// single gossip topic. A node missing relays for a hole-punch target
// broadcasts a want; any peer holding relays for that target answers with
// its list.
const (
	wantRelayForPrefix = "WANT RELAY FOR "
	iHaveRelaysPrefix  = "I HAVE RELAYS "
)

// formatWantRelayFor builds a "WANT RELAY FOR <peer>" message.
func formatWantRelayFor(target p2p.PeerIdentity) []byte {
	return []byte(wantRelayForPrefix + target.String())
}

// parseWantRelayFor extracts the target peer id from a want message, or
// reports ok=false if data isn't one.
func parseWantRelayFor(data []byte) (target p2p.PeerIdentity, ok bool) {
	s := string(data)
	rest, found := strings.CutPrefix(s, wantRelayForPrefix)
	if !found {
		return p2p.PeerIdentity(""), false
	}
	id, err := p2p.ParsePeerIdentity(strings.TrimSpace(rest))
	if err != nil {
		return p2p.PeerIdentity(""), false
	}
	return id, true
}

// formatIHaveRelays builds an "I HAVE RELAYS <peer> <addr1> <addr2> ..."
// message listing the relay multiaddresses currently known for target.
func formatIHaveRelays(target p2p.PeerIdentity, relays map[string]p2p.Peer) []byte {
	var b strings.Builder
	b.WriteString(iHaveRelaysPrefix)
	b.WriteString(target.String())
	for _, relay := range relays {
		b.WriteByte(' ')
		b.WriteString(relay.String())
	}
	return []byte(b.String())
}

// parseIHaveRelays extracts the target and relay peer list from a response
// message, or reports ok=false if data isn't one.
func parseIHaveRelays(data []byte) (target p2p.PeerIdentity, relays []p2p.Peer, ok bool) {
	s := string(data)
	rest, found := strings.CutPrefix(s, iHaveRelaysPrefix)
	if !found {
		return p2p.PeerIdentity(""), nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return p2p.PeerIdentity(""), nil, false
	}
	id, err := p2p.ParsePeerIdentity(fields[0])
	if err != nil {
		return p2p.PeerIdentity(""), nil, false
	}
	for _, field := range fields[1:] {
		peer, err := parsePeerString(field)
		if err != nil {
			continue
		}
		if peer.Multiaddr != nil && p2p.IsLoopbackIPv4(peer.Multiaddr.String()) {
			continue
		}
		relays = append(relays, peer)
	}
	return id, relays, true
}

// parsePeerString parses a "/multiaddr/.../p2p/<id>" combined string back
// into a p2p.Peer, the inverse of p2p.Peer.String.
func parsePeerString(s string) (p2p.Peer, error) {
	idx := strings.LastIndex(s, "/p2p/")
	if idx < 0 {
		return p2p.Peer{}, errNoP2PComponent
	}
	addrPart, idPart := s[:idx], s[idx+len("/p2p/"):]

	addr, err := parseMultiaddrComponent(addrPart)
	if err != nil {
		return p2p.Peer{}, err
	}
	id, err := p2p.ParsePeerIdentity(idPart)
	if err != nil {
		return p2p.Peer{}, err
	}
	return p2p.Peer{Multiaddr: addr, PeerID: id}, nil
}

// compareRelayLists partitions candidates into the subset already present
// in mine (common, safe to dial first since both sides already trust them)
// and the remainder (candidate, tried only if the common set is
// exhausted). Mirrors the original compare_relay_lists.
func compareRelayLists(mine map[string]p2p.Peer, candidates []p2p.Peer) (common, remaining []p2p.Peer) {
	for _, c := range candidates {
		if _, ok := mine[c.Key()]; ok {
			common = append(common, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	return common, remaining
}
