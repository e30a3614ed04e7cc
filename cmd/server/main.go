// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Command server runs the mirror: the per-source sync loops, the DuckDB
// stores, the live WebSocket feed, and the HTTP read surface, all under one
// supervisor tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfiesch/SFCrime/internal/api"
	"github.com/wolfiesch/SFCrime/internal/chronicle"
	"github.com/wolfiesch/SFCrime/internal/config"
	"github.com/wolfiesch/SFCrime/internal/database"
	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/soda"
	"github.com/wolfiesch/SFCrime/internal/supervisor"
	syncer "github.com/wolfiesch/SFCrime/internal/sync"
	ws "github.com/wolfiesch/SFCrime/internal/websocket"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Str("version", version).Msg("starting sfcrime mirror")

	db, err := database.New(cfg.Database.Path, database.Options{
		Threads:     cfg.Database.Threads,
		MemoryLimit: cfg.Database.MemoryLimit,
	})
	if err != nil {
		return fmt.Errorf("open primary store: %w", err)
	}
	defer db.Close()

	client := soda.NewClient(soda.Config{
		BaseURL:        cfg.Soda.BaseURL,
		AppToken:       cfg.Soda.AppToken,
		Timeout:        cfg.Soda.Timeout,
		MaxRetries:     cfg.Soda.MaxRetries,
		PageSize:       cfg.Soda.PageSize,
		RequestsPerSec: cfg.Soda.RequestsPerSec,
	})

	hub := ws.NewHub()

	var factWriter *chronicle.Writer
	if cfg.Chronicle.Enabled {
		chronicleDB, err := database.NewChronicle(cfg.Database.ChroniclePath, database.Options{
			Threads:     cfg.Database.Threads,
			MemoryLimit: cfg.Database.MemoryLimit,
		})
		if err != nil {
			return fmt.Errorf("open historical store: %w", err)
		}
		defer chronicleDB.Close()

		factWriter = chronicle.NewWriter(chronicleDB, chronicle.Config{
			ProximityMeters: cfg.Chronicle.ProximityMeters,
			QueueBufferSize: cfg.Chronicle.QueueBufferSize,
		})
		defer factWriter.Close()
	}

	// A nil *Writer must not reach the interface field.
	var factPublisher syncer.FactPublisher
	if factWriter != nil {
		factPublisher = factWriter
	}
	syncMgr := syncer.NewManager(db, client, cfg.Sync, hub, factPublisher)

	handler := api.NewHandler(db, syncMgr, hub, cfg)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(supervisor.NewHubService(hub))
	tree.AddMessagingService(syncMgr)
	if factWriter != nil {
		tree.AddMessagingService(factWriter)
	}
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", httpServer.Addr).Msg("listening")
	if err := tree.Serve(ctx); err != nil && err != context.Canceled {
		return err
	}

	logging.Info().Msg("shutdown complete")
	return nil
}
