// Package config loads the TOML configuration that parameterizes a node at
// startup: bootstrap peers, the node's signing-key seed, relay-server
// participation, the shared listen port, and gossipsub mesh sizing.
package config

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"

	"github.com/sigilnet/sigil/internal/p2p"
)

// EnvConfigPath is the environment variable that selects the config file.
const EnvConfigPath = "CONFIG_TOML_PATH"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "sigil.toml"

const defaultPort = 4021

// Config is the root configuration structure, decoded from TOML.
type Config struct {
	Peers               []PeerConfig        `toml:"peers"`
	SecretKeySeed       uint8                `toml:"secret_key_seed"`
	IsRelay             bool                 `toml:"is_relay"`
	Port                uint16               `toml:"port"`
	NumGossipConnection GossipsubConnections `toml:"num_gossipsub_connections"`
}

// PeerConfig is a single bootstrap peer entry as it appears in TOML.
type PeerConfig struct {
	Multiaddr string `toml:"multiaddr"`
	PeerID    string `toml:"peer_id"`
}

// GossipsubConnections controls gossipsub's mesh sizing (the peering degree).
// target_num is the number of peers gossipsub tries to maintain a full-message
// mesh with; lower/upper tolerance widen the acceptable band around it.
type GossipsubConnections struct {
	TargetNum      int `toml:"target_num"`
	LowerTolerance int `toml:"lower_tolerance"`
	UpperTolerance int `toml:"upper_tolerance"`
}

// MeshN is the gossipsub "D" parameter: the target mesh degree.
func (g GossipsubConnections) MeshN() int {
	return g.TargetNum
}

// MeshNLow is the lowest acceptable mesh degree. It saturates at 0 rather
// than going negative when the lower tolerance exceeds the target.
func (g GossipsubConnections) MeshNLow() int {
	if g.LowerTolerance > g.TargetNum {
		return 0
	}
	return g.TargetNum - g.LowerTolerance
}

// MeshNHigh is the highest acceptable mesh degree.
func (g GossipsubConnections) MeshNHigh() int {
	return g.TargetNum + g.UpperTolerance
}

func defaultGossipsubConnections() GossipsubConnections {
	return GossipsubConnections{
		TargetNum:      6,
		LowerTolerance: 1,
		UpperTolerance: 6,
	}
}

// Default returns a Config populated with every documented default, as if
// decoded from an empty TOML document.
func Default() Config {
	return Config{
		Peers:               nil,
		SecretKeySeed:       uint8(rand.Intn(256)),
		IsRelay:             true,
		Port:                defaultPort,
		NumGossipConnection: defaultGossipsubConnections(),
	}
}

// Load reads and parses the config file at path, overlaying any present keys
// on top of Default(). Absent keys keep their default value, matching the
// serde-default behavior of the original TOML schema.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv resolves the config file path from EnvConfigPath (or
// DefaultConfigPath) and loads it.
func LoadFromEnv() (Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(path)
}

// ParsedPeers parses every configured bootstrap peer into a p2p.Peer,
// failing on the first malformed multiaddress or peer id.
func (c Config) ParsedPeers() ([]p2p.Peer, error) {
	out := make([]p2p.Peer, 0, len(c.Peers))
	for _, pc := range c.Peers {
		peer, err := pc.Parse()
		if err != nil {
			return nil, err
		}
		out = append(out, peer)
	}
	return out, nil
}

// Parse converts a raw PeerConfig into a p2p.Peer.
func (pc PeerConfig) Parse() (p2p.Peer, error) {
	addr, err := multiaddr.NewMultiaddr(pc.Multiaddr)
	if err != nil {
		return p2p.Peer{}, fmt.Errorf("parse peer multiaddr %q: %w", pc.Multiaddr, err)
	}
	id, err := p2p.ParsePeerIdentity(pc.PeerID)
	if err != nil {
		return p2p.Peer{}, fmt.Errorf("parse peer id %q: %w", pc.PeerID, err)
	}
	return p2p.Peer{Multiaddr: addr, PeerID: id}, nil
}
