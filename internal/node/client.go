package node

import (
	"github.com/sigilnet/sigil/internal/p2p"
)

// SwarmClient is a cheap, cloneable handle onto a running node. Every
// method enqueues a command onto the runtime's single command channel and,
// for queries, waits for the runtime to answer on a one-shot reply
// channel. Safe for concurrent use: the underlying channel is safe to
// send on from many goroutines, and each call gets its own reply channel.
type SwarmClient struct {
	commands chan<- p2p.SwarmCommand
}

func newSwarmClient(commands chan<- p2p.SwarmCommand) *SwarmClient {
	return &SwarmClient{commands: commands}
}

func (c *SwarmClient) send(cmd p2p.SwarmCommand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrClosed
		}
	}()
	c.commands <- cmd
	return nil
}

// GossipsubPublish publishes data on the node's topic.
func (c *SwarmClient) GossipsubPublish(data []byte) error {
	return c.send(p2p.GossipsubPublish{Data: data})
}

// Dial requests an outbound dial to addr. The result is reported
// asynchronously through the node's event stream, not through this call.
func (c *SwarmClient) Dial(addr p2p.Multiaddr) error {
	return c.send(p2p.Dial{Multiaddr: addr})
}

// MyRelays returns a snapshot of the node's known relay set, keyed by
// p2p.Peer.Key().
func (c *SwarmClient) MyRelays() (map[string]p2p.Peer, error) {
	reply := make(chan map[string]p2p.Peer, 1)
	if err := c.send(p2p.MyRelays{Reply: reply}); err != nil {
		return nil, err
	}
	result, ok := <-reply
	if !ok {
		return nil, ErrClosed
	}
	return result, nil
}

// ConnectedPeers returns the peer identities the node currently holds an
// open connection to.
func (c *SwarmClient) ConnectedPeers() ([]p2p.PeerIdentity, error) {
	reply := make(chan []p2p.PeerIdentity, 1)
	if err := c.send(p2p.ConnectedPeers{Reply: reply}); err != nil {
		return nil, err
	}
	result, ok := <-reply
	if !ok {
		return nil, ErrClosed
	}
	return result, nil
}

// GossipsubMeshPeers returns the peers subscribed to the node's topic.
func (c *SwarmClient) GossipsubMeshPeers() ([]p2p.PeerIdentity, error) {
	reply := make(chan []p2p.PeerIdentity, 1)
	if err := c.send(p2p.GossipsubMeshPeers{Reply: reply}); err != nil {
		return nil, err
	}
	result, ok := <-reply
	if !ok {
		return nil, ErrClosed
	}
	return result, nil
}

// KademliaRoutingTablePeers returns a snapshot of the DHT routing table.
func (c *SwarmClient) KademliaRoutingTablePeers() (map[p2p.PeerIdentity][]p2p.Multiaddr, error) {
	reply := make(chan map[p2p.PeerIdentity][]p2p.Multiaddr, 1)
	if err := c.send(p2p.KademliaRoutingTable{Reply: reply}); err != nil {
		return nil, err
	}
	result, ok := <-reply
	if !ok {
		return nil, ErrClosed
	}
	return result, nil
}

// MyPeerID returns the node's own peer identity.
func (c *SwarmClient) MyPeerID() (p2p.PeerIdentity, error) {
	reply := make(chan p2p.PeerIdentity, 1)
	if err := c.send(p2p.MyPeerID{Reply: reply}); err != nil {
		return "", err
	}
	result, ok := <-reply
	if !ok {
		return "", ErrClosed
	}
	return result, nil
}
