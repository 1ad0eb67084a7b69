// Package node implements the node runtime: the single-consumer event loop
// that owns the swarm provider, the relay set, and the bootstrap and
// hole-punch background tasks, and exposes the running node through a
// cloneable SwarmClient handle.
package node

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/sigilnet/sigil/internal/config"
	"github.com/sigilnet/sigil/internal/p2p"
)

const (
	commandBufferSize  = 32
	holepunchReqBuffer = 16
	holepunchEvtBuffer = 64
	bootstrapEvtBuffer = 64
	devLineBuffer      = 8
)

// Runtime is a started node: its provider, relay set, and background tasks
// are all running, and client is ready to be handed to callers.
type Runtime struct {
	provider *p2p.Provider
	client   *SwarmClient
	cancel   context.CancelFunc
	errCh    chan error
	logger   *zap.Logger
}

// Start brings up a node from cfg: constructs the swarm provider, waits for
// its listen addresses to come up (or a one-second grace period, whichever
// is first), starts the event router and the bootstrap and hole-punch
// background tasks, and returns a client for driving and introspecting the
// running node.
//
// Once the node is listening, "Sigil is alive." is written to stdout, a
// contract external supervisors rely on to detect readiness.
func Start(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rctx, cancel := context.WithCancel(ctx)

	provider, err := p2p.NewProvider(rctx, p2p.Options{
		SecretKeySeed: cfg.SecretKeySeed,
		IsRelay:       cfg.IsRelay,
		Port:          cfg.Port,
		MeshN:         cfg.NumGossipConnection.MeshN(),
		MeshNLow:      cfg.NumGossipConnection.MeshNLow(),
		MeshNHigh:     cfg.NumGossipConnection.MeshNHigh(),
		Logger:        logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("construct provider: %w", err)
	}

	if err := provider.ListenAndWait(rctx, cfg.Port); err != nil {
		cancel()
		_ = provider.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	peers, err := cfg.ParsedPeers()
	if err != nil {
		cancel()
		_ = provider.Close()
		return nil, fmt.Errorf("parse configured peers: %w", err)
	}

	relays := NewRelaySet()
	commandCh := make(chan p2p.SwarmCommand, commandBufferSize)
	client := newSwarmClient(commandCh)

	holepunchEvents := make(chan p2p.ProviderEvent, holepunchEvtBuffer)
	holepunchReq := make(chan p2p.PeerIdentity, holepunchReqBuffer)
	bootstrapEvents := make(chan p2p.ProviderEvent, bootstrapEvtBuffer)
	bootstrapDone := make(chan struct{})
	devLines := make(chan []byte, devLineBuffer)

	rtr := newRouter(provider, relays, logger, bootstrapEvents, holepunchEvents, holepunchReq)

	rt := &Runtime{
		provider: provider,
		client:   client,
		cancel:   cancel,
		errCh:    make(chan error, 1),
		logger:   logger,
	}

	// The router is the single runtime task spec §4.1 describes: it is the
	// only goroutine that ever touches RelaySet, selecting over provider
	// events, inbound commands, and development publish lines from stdin in
	// one loop, so RelaySet never needs its own locking.
	go rtr.run(rctx, provider.Events(), commandCh, devLines, bootstrapDone)
	go readDevLines(rctx, devLines, logger)
	go runHolepunchCoordinator(rctx, provider, client, holepunchEvents, holepunchReq, logger)
	go rt.runBootstrapOnce(rctx, peers, bootstrapEvents, bootstrapDone, holepunchReq)

	fmt.Fprintln(os.Stdout, "Sigil is alive.")
	logger.Info("node started", zap.Stringer("peer_id", provider.LocalPeerID()), zap.Uint16("port", cfg.Port))

	return rt, nil
}

// readDevLines is the development publisher spec §4.1 names as the loop's
// third source: each line read from stdin is handed to the router to
// publish verbatim on the node's topic. Intended for manual testing only;
// it exits quietly on EOF or a closed stdin.
func readDevLines(ctx context.Context, out chan<- []byte, logger *zap.Logger) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("stdin scan stopped", zap.Error(err))
	}
}

func (rt *Runtime) runBootstrapOnce(ctx context.Context, peers []p2p.Peer, events <-chan p2p.ProviderEvent, done chan<- struct{}, holepunchReq chan<- p2p.PeerIdentity) {
	defer close(done)
	if err := runBootstrap(ctx, rt.provider, peers, events, holepunchReq, rt.logger); err != nil && ctx.Err() == nil {
		select {
		case rt.errCh <- err:
		default:
		}
	}
}

// Err reports the node's single fatal background failure, if any: today
// only an unreachable bootstrap peer set produces one. The composition
// root is responsible for deciding what a fatal error means for the
// process (cmd/sigil exits non-zero).
func (rt *Runtime) Err() <-chan error {
	return rt.errCh
}

// Client returns the client handle for this running node.
func (rt *Runtime) Client() *SwarmClient {
	return rt.client
}

// Close shuts the node down: cancels every background task and closes the
// underlying libp2p host.
func (rt *Runtime) Close() error {
	rt.cancel()
	return rt.provider.Close()
}
