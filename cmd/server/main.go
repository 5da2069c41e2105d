// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

// Package main is the entry point for the MeshWatch server.
//
// MeshWatch ingests telemetry from mesh radio networks through two
// transports: polling REST APIs and MQTT topic subscriptions. Packets
// are decoded (including AES-CTR encrypted channels), normalized
// through a shared metric registry and persisted to DuckDB with
// idempotent composite-key deduplication.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, YAML file, MESHWATCH_ env vars)
//  2. Logging (zerolog)
//  3. Database (DuckDB, schema creation, source seeding)
//  4. Collector manager (one poll or subscribe collector per source)
//  5. HTTP server (health, status, triggers, Prometheus metrics)
//
// The collector manager and HTTP server run under a suture supervisor
// tree; SIGINT/SIGTERM trigger a graceful shutdown that waits for
// in-flight work.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshwatch/meshwatch/internal/api"
	"github.com/meshwatch/meshwatch/internal/collector"
	"github.com/meshwatch/meshwatch/internal/config"
	"github.com/meshwatch/meshwatch/internal/database"
	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/supervisor"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("Starting MeshWatch")

	db, err := database.New(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Database initialization failed")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("Database close failed")
		}
	}()

	seedSources(db, cfg)

	manager := collector.NewManager(db)
	handler := api.NewHandler(manager, version)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(supervisor.NewManagerService(manager))
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Shutting down...")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
		os.Exit(1)
	}
	logging.Info().Msg("Shutdown complete")
}

// seedSources bootstraps configured sources into storage. Existing rows
// win so operator edits survive restarts.
func seedSources(db *database.DB, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, sc := range cfg.Sources {
		src := sc.Model()
		if err := db.SeedSource(ctx, &src); err != nil {
			logging.Warn().Err(err).Str("source", src.Name).Msg("Source seeding failed")
			continue
		}
		logging.Debug().Str("source", src.Name).Str("kind", src.Kind).Msg("Source seeded")
	}
}
