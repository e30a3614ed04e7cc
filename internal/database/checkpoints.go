// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wolfiesch/SFCrime/internal/models"
)

// GetCheckpoint returns the sync checkpoint for a source, (nil, nil) before
// the first successful run.
func (db *DB) GetCheckpoint(ctx context.Context, source models.Source) (*models.Checkpoint, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var cp models.Checkpoint
	var src string
	err := db.conn.QueryRowContext(ctx,
		`SELECT source, watermark, last_sync_at, record_count
		 FROM checkpoints WHERE source = ?`, string(source)).
		Scan(&src, &cp.Watermark, &cp.LastSyncAt, &cp.RecordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	cp.Source = models.Source(src)
	return &cp, nil
}

// AdvanceCheckpoint upserts the checkpoint for a source. Watermark moves
// forward only: an incoming value older than the stored one keeps the stored
// watermark while still recording the run.
func (db *DB) AdvanceCheckpoint(ctx context.Context, source models.Source, watermark time.Time, recordCount int64) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO checkpoints (source, watermark, last_sync_at, record_count)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source) DO UPDATE SET
			watermark = CASE WHEN EXCLUDED.watermark > checkpoints.watermark
				THEN EXCLUDED.watermark ELSE checkpoints.watermark END,
			last_sync_at = EXCLUDED.last_sync_at,
			record_count = checkpoints.record_count + EXCLUDED.record_count`,
		string(source), watermark.UTC(), time.Now().UTC(), recordCount)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

// TouchCheckpoint records a zero-record run: last_sync_at moves, the
// watermark does not. No row is created before the first successful sync.
func (db *DB) TouchCheckpoint(ctx context.Context, source models.Source) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`UPDATE checkpoints SET last_sync_at = ? WHERE source = ?`,
		time.Now().UTC(), string(source))
	if err != nil {
		return fmt.Errorf("failed to touch checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns every source checkpoint, for the health surface.
func (db *DB) ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT source, watermark, last_sync_at, record_count
		 FROM checkpoints ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var src string
		if err := rows.Scan(&src, &cp.Watermark, &cp.LastSyncAt, &cp.RecordCount); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Source = models.Source(src)
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return out, nil
}
