// Package main is the entry point for Seawall, an HTTP admission layer that
// sits in front of a search service.
//
// Seawall serves two surfaces:
//   - an internal, loopback-only listener with administrative endpoints
//     (magic-link issuance, token issuance, IP filter and cache management)
//   - an external listener where every request passes magic-link and
//     credential checks, the IP filter, a per-group circuit breaker, token
//     bucket rate limiting and CORS before reaching the upstream
//
// Counters are exported as Prometheus text and JSON on both surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seawall/seawall/internal/config"
	"github.com/seawall/seawall/internal/observability"
	"github.com/seawall/seawall/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("seawall %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting seawall", "version", version, "mode", cfg.Network.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []server.Option
	if path := config.ConfigFilePath(); fileExists(path) {
		opts = append(opts, server.WithConfigPath(path))
	}

	srv, err := server.New(cfg, logger, version, opts...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("seawall shut down gracefully")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
