// Command sigil runs a single overlay node: it loads its configuration,
// starts the node runtime, serves the JSON-RPC introspection surface, and
// blocks until an OS signal or a fatal runtime error arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sigilnet/sigil/internal/config"
	"github.com/sigilnet/sigil/internal/node"
	"github.com/sigilnet/sigil/internal/rpcserver"
)

const rpcListenAddr = ":4022"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sigil:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := node.Start(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer rt.Close()

	handler, err := rpcserver.NewHandler(rt.Client(), logger)
	if err != nil {
		return fmt.Errorf("build rpc handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	rpcSrv := &http.Server{Addr: rpcListenAddr, Handler: mux}

	go func() {
		if err := rpcSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc server stopped", zap.Error(err))
		}
	}()
	defer rpcSrv.Close()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-rt.Err():
		return fmt.Errorf("node runtime: %w", err)
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(os.Getenv("LOG_LEVEL")))
	return cfg.Build()
}

// parseLogLevel maps LOG_LEVEL to a zapcore.Level, defaulting to info for an
// unset or unrecognized value.
func parseLogLevel(raw string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}
