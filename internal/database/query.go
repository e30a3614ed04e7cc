// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfiesch/SFCrime/internal/models"
)

// Bbox is an inclusive geographic bound for read queries.
type Bbox struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// RecordQuery filters a keyset-paginated record listing. Results are ordered
// (received_at, natural_key) descending; CursorTime/CursorKey resume after
// the last row of the previous page.
type RecordQuery struct {
	Source     models.Source
	Priority   string
	Bbox       *Bbox
	Limit      int
	CursorTime *time.Time
	CursorKey  string
}

// ListRecords returns one page of records matching the query.
func (db *DB) ListRecords(ctx context.Context, q RecordQuery) ([]*models.Record, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	var conds []string
	var args []any

	conds = append(conds, "source = ?")
	args = append(args, string(q.Source))

	if q.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, q.Priority)
	}
	if q.Bbox != nil {
		conds = append(conds, "latitude BETWEEN ? AND ?", "longitude BETWEEN ? AND ?")
		args = append(args, q.Bbox.MinLat, q.Bbox.MaxLat, q.Bbox.MinLng, q.Bbox.MaxLng)
	}
	if q.CursorTime != nil {
		conds = append(conds, "(received_at < ? OR (received_at = ? AND natural_key < ?))")
		args = append(args, *q.CursorTime, *q.CursorTime, q.CursorKey)
	}

	query := fmt.Sprintf(recordSelectColumns+`
		FROM records
		WHERE %s
		ORDER BY received_at DESC, natural_key DESC
		LIMIT ?`, strings.Join(conds, " AND "))
	args = append(args, q.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}
