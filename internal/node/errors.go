package node

import (
	"errors"

	"github.com/multiformats/go-multiaddr"
)

// ErrClosed is returned by SwarmClient methods when the runtime's command
// channel has already been closed (the node has shut down).
var ErrClosed = errors.New("node: command channel closed")

// errNoP2PComponent is returned by parsePeerString when a combined
// multiaddr+peer-id string has no "/p2p/" component to split on.
var errNoP2PComponent = errors.New("node: multiaddr has no /p2p/ component")

func parseMultiaddrComponent(s string) (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(s)
}
