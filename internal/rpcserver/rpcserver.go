// Package rpcserver exposes a running node for external introspection over
// JSON-RPC 2.0, covering the surface described in spec §6: say_hello,
// my_peer_id, connected_peers, gossipsub_mesh_peers, and
// kademlia_routing_table_peers, served under service-qualified names
// (Sigil.SayHello, Sigil.MyPeerID, ...).
package rpcserver

import (
	"net/http"

	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json2"
	"go.uber.org/zap"

	"github.com/sigilnet/sigil/internal/node"
)

// serviceName is the gorilla/rpc service name every method below is
// addressed under, e.g. a client calls "Sigil.SayHello". This is the
// idiomatic gorilla/rpc analogue of the original's flat method names
// (say_hello, my_peer_id, ...): the library always qualifies a method
// with its service name, so the flat names become Sigil.<PascalCase>.
const serviceName = "Sigil"

// SigilService implements the JSON-RPC surface. Every method delegates to
// the node's SwarmClient; none of them touch the swarm directly.
type SigilService struct {
	client *node.SwarmClient
	logger *zap.Logger
}

// NewHandler builds an http.Handler serving JSON-RPC 2.0 requests for the
// running node behind client.
func NewHandler(client *node.SwarmClient, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&SigilService{client: client, logger: logger}, serviceName); err != nil {
		return nil, err
	}
	return server, nil
}

// SayHelloArgs carries the optional name to greet.
type SayHelloArgs struct {
	Name string `json:"name"`
}

// SayHelloReply carries the greeting.
type SayHelloReply struct {
	Message string `json:"message"`
}

// SayHello is a liveness/handshake method with no swarm dependency: a
// caller can confirm the RPC surface itself is up even before asking
// anything about the swarm.
func (s *SigilService) SayHello(r *http.Request, args *SayHelloArgs, reply *SayHelloReply) error {
	name := args.Name
	if name == "" {
		name = "friend"
	}
	reply.Message = "Hello, " + name + "!"
	return nil
}

// MyPeerIDArgs is unused but required by gorilla/rpc's method signature.
type MyPeerIDArgs struct{}

// MyPeerIDReply carries the node's own peer id.
type MyPeerIDReply struct {
	PeerID string `json:"peer_id"`
}

// MyPeerID reports the node's own peer identity.
func (s *SigilService) MyPeerID(r *http.Request, args *MyPeerIDArgs, reply *MyPeerIDReply) error {
	id, err := s.client.MyPeerID()
	if err != nil {
		return err
	}
	reply.PeerID = id.String()
	return nil
}

// ConnectedPeersArgs is unused but required by gorilla/rpc's method signature.
type ConnectedPeersArgs struct{}

// ConnectedPeersReply carries the connected peer set.
type ConnectedPeersReply struct {
	Peers []string `json:"peers"`
}

// ConnectedPeers reports every peer the node currently holds a connection to.
func (s *SigilService) ConnectedPeers(r *http.Request, args *ConnectedPeersArgs, reply *ConnectedPeersReply) error {
	peers, err := s.client.ConnectedPeers()
	if err != nil {
		return err
	}
	reply.Peers = make([]string, 0, len(peers))
	for _, p := range peers {
		reply.Peers = append(reply.Peers, p.String())
	}
	return nil
}

// GossipsubMeshPeersArgs is unused but required by gorilla/rpc's method signature.
type GossipsubMeshPeersArgs struct{}

// GossipsubMeshPeersReply carries the topic's mesh peer set.
type GossipsubMeshPeersReply struct {
	Peers []string `json:"peers"`
}

// GossipsubMeshPeers reports every peer subscribed to the node's topic.
func (s *SigilService) GossipsubMeshPeers(r *http.Request, args *GossipsubMeshPeersArgs, reply *GossipsubMeshPeersReply) error {
	peers, err := s.client.GossipsubMeshPeers()
	if err != nil {
		return err
	}
	reply.Peers = make([]string, 0, len(peers))
	for _, p := range peers {
		reply.Peers = append(reply.Peers, p.String())
	}
	return nil
}

// KademliaRoutingTablePeersArgs is unused but required by gorilla/rpc's
// method signature.
type KademliaRoutingTablePeersArgs struct{}

// KademliaRoutingTableEntry is a single routing-table row in the reply.
type KademliaRoutingTableEntry struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
}

// KademliaRoutingTablePeersReply carries a snapshot of the DHT routing table.
type KademliaRoutingTablePeersReply struct {
	Entries []KademliaRoutingTableEntry `json:"entries"`
}

// KademliaRoutingTablePeers reports a snapshot of the node's Kademlia
// routing table.
func (s *SigilService) KademliaRoutingTablePeers(r *http.Request, args *KademliaRoutingTablePeersArgs, reply *KademliaRoutingTablePeersReply) error {
	table, err := s.client.KademliaRoutingTablePeers()
	if err != nil {
		return err
	}
	reply.Entries = make([]KademliaRoutingTableEntry, 0, len(table))
	for id, addrs := range table {
		entry := KademliaRoutingTableEntry{PeerID: id.String(), Addresses: make([]string, 0, len(addrs))}
		for _, addr := range addrs {
			entry.Addresses = append(entry.Addresses, addr.String())
		}
		reply.Entries = append(reply.Entries, entry)
	}
	return nil
}
