// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package database provides DuckDB-backed storage: the primary mirror store
// (records + sync checkpoints) and the secondary chronicle store (facts +
// deduplicated locations).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver

	"github.com/wolfiesch/SFCrime/internal/logging"
)

// Options tunes the DuckDB connection.
type Options struct {
	Threads     int
	MemoryLimit string
}

func (o Options) withDefaults() Options {
	if o.Threads == 0 {
		o.Threads = 4
	}
	if o.MemoryLimit == "" {
		o.MemoryLimit = "1GB"
	}
	return o
}

// DB is the primary mirror store.
type DB struct {
	conn             *sql.DB
	spatialAvailable bool
}

// New opens (creating if needed) the primary store at path and initializes
// its schema. Use ":memory:" for tests.
func New(path string, opts Options) (*DB, error) {
	conn, spatial, err := openDuckDB(path, opts)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, spatialAvailable: spatial}
	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize mirror store: %w", err)
	}
	return db, nil
}

func openDuckDB(path string, opts Options) (*sql.DB, bool, error) {
	opts = opts.withDefaults()

	connStr := path
	if path != ":memory:" && path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, false, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			path, opts.Threads, opts.MemoryLimit)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open duckdb: %w", err)
	}

	// Single writer; DuckDB transactions conflict under concurrent writes.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	spatial := installExtension(conn, "spatial")
	installExtension(conn, "json")
	installExtension(conn, "icu")

	return conn, spatial, nil
}

// installExtension installs and loads a DuckDB extension, returning whether
// it is usable. Missing extensions degrade features rather than fail startup.
func installExtension(conn *sql.DB, name string) bool {
	if _, err := conn.Exec("INSTALL " + name); err != nil {
		logging.Warn().Str("extension", name).Err(err).Msg("extension install failed")
		return false
	}
	if _, err := conn.Exec("LOAD " + name); err != nil {
		logging.Warn().Str("extension", name).Err(err).Msg("extension load failed")
		return false
	}
	return true
}

func (db *DB) initialize() error {
	geomCol := ""
	if db.spatialAvailable {
		geomCol = "geom GEOMETRY,"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS records (
			source TEXT NOT NULL,
			natural_key TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL,
			last_updated TIMESTAMP NOT NULL,
			call_type TEXT,
			priority TEXT,
			agency TEXT,
			address TEXT,
			neighborhood TEXT,
			district TEXT,
			disposition TEXT,
			status TEXT,
			latitude DOUBLE,
			longitude DOUBLE,
			%s
			details TEXT,
			synced_at TIMESTAMP NOT NULL,
			PRIMARY KEY (source, natural_key)
		)`, geomCol),
		`CREATE TABLE IF NOT EXISTS checkpoints (
			source TEXT PRIMARY KEY,
			watermark TIMESTAMP NOT NULL,
			last_sync_at TIMESTAMP NOT NULL,
			record_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_cursor
			ON records (source, received_at, natural_key)`,
		`CREATE INDEX IF NOT EXISTS idx_records_priority
			ON records (source, priority)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// SpatialAvailable reports whether the spatial extension loaded.
func (db *DB) SpatialAvailable() bool {
	return db.spatialAvailable
}

// Ping verifies the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the store.
func (db *DB) Close() error {
	if _, err := db.conn.Exec("CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("checkpoint on close failed")
	}
	return db.conn.Close()
}

// ensureContext attaches a default timeout when the caller passed none.
func ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 30*time.Second)
}
