package p2p

// ProviderEvent is the tagged-union notification stream emitted by the
// swarm provider. Each concrete type below implements ProviderEvent and the
// node runtime dispatches on the dynamic type with a type switch, the
// idiomatic Go analogue of matching a Rust enum.
type ProviderEvent interface {
	isProviderEvent()
}

// NewListenAddress is emitted once a listen address becomes active.
type NewListenAddress struct {
	Address Multiaddr
}

// Endpoint describes which side of a connection dialed and the address
// involved, mirroring libp2p's ConnectedPoint.
type Endpoint struct {
	Dialer       bool
	Address      Multiaddr // dialer-side remote address, when Dialer is true
	SendBackAddr Multiaddr // listener-side observed remote address, when Dialer is false
}

// RemoteAddr returns the address that should be recorded for this endpoint,
// matching the original's "address or send_back_addr" selection.
func (e Endpoint) RemoteAddr() Multiaddr {
	if e.Dialer {
		return e.Address
	}
	return e.SendBackAddr
}

// ConnectionEstablished is emitted whenever a new connection to a peer
// completes, in either dial direction.
type ConnectionEstablished struct {
	PeerID         PeerIdentity
	Endpoint       Endpoint
	NumEstablished int
}

// ConnectionClosed is emitted when a connection to a peer is torn down.
type ConnectionClosed struct {
	PeerID         PeerIdentity
	Cause          error
	NumEstablished int
}

// OutgoingConnectionError is emitted when a dial fails. PeerID is absent
// (zero value) when the provider cannot attribute the error to a peer.
type OutgoingConnectionError struct {
	PeerID PeerIdentity
	Err    error
}

// IncomingConnectionError is emitted when an inbound connection attempt
// fails before a peer identity is known.
type IncomingConnectionError struct {
	Err error
}

// IdentifySent is emitted once this node has sent its identify info to a peer.
type IdentifySent struct {
	PeerID PeerIdentity
}

// IdentifyReceived is emitted when a peer sends us their identify info.
type IdentifyReceived struct {
	PeerID       PeerIdentity
	ObservedAddr Multiaddr
	ListenAddrs  []Multiaddr
	Protocols    []string
}

// MdnsDiscovered is emitted for peers found via local mDNS discovery.
type MdnsDiscovered struct {
	Peers []Peer
}

// MdnsExpired is emitted when a previously-discovered mDNS peer's
// advertisement lapses.
type MdnsExpired struct {
	Peers []Peer
}

// GossipMessage is emitted for every message received on the node's topic.
type GossipMessage struct {
	Source PeerIdentity
	Data   []byte
}

// GossipSubscribed is emitted when a remote peer subscribes to the topic.
type GossipSubscribed struct {
	PeerID PeerIdentity
}

// KademliaQueryResultKind distinguishes the query-result shapes the node
// runtime cares about; all other kinds are folded into KademliaQueryOther.
type KademliaQueryResultKind int

const (
	KademliaQueryOther KademliaQueryResultKind = iota
	KademliaBootstrapTimeout
	KademliaBootstrapOK
)

// KademliaQueryResult is emitted when an outbound Kademlia query completes.
type KademliaQueryResult struct {
	Kind   KademliaQueryResultKind
	PeerID PeerIdentity // set for KademliaBootstrapTimeout
}

// KademliaRoutingUpdated is emitted (observationally) whenever addresses for
// a peer are recorded for Kademlia routing via Provider.AddKademliaAddress.
type KademliaRoutingUpdated struct {
	PeerID PeerIdentity
	Addrs  []Multiaddr
}

// DcutrResult is emitted when a direct-connection-upgrade (hole punch)
// attempt to peer completes, successfully or not.
type DcutrResult struct {
	PeerID PeerIdentity
	OK     bool
}

// RelayClientEvent is emitted for relay-client reservation/status changes;
// the node runtime treats it as observational.
type RelayClientEvent struct {
	Info string
}

func (NewListenAddress) isProviderEvent()        {}
func (ConnectionEstablished) isProviderEvent()   {}
func (ConnectionClosed) isProviderEvent()        {}
func (OutgoingConnectionError) isProviderEvent() {}
func (IncomingConnectionError) isProviderEvent() {}
func (IdentifySent) isProviderEvent()            {}
func (IdentifyReceived) isProviderEvent()        {}
func (MdnsDiscovered) isProviderEvent()          {}
func (MdnsExpired) isProviderEvent()             {}
func (GossipMessage) isProviderEvent()           {}
func (GossipSubscribed) isProviderEvent()        {}
func (KademliaQueryResult) isProviderEvent()     {}
func (KademliaRoutingUpdated) isProviderEvent()  {}
func (DcutrResult) isProviderEvent()             {}
func (RelayClientEvent) isProviderEvent()        {}

