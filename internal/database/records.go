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
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/wolfiesch/SFCrime/internal/models"
)

// UpsertRecordBatch writes one batch of normalized records inside a single
// transaction: insert on a new (source, natural_key), otherwise overwrite
// every non-key field (the upstream feed is sole writer of these columns).
// Committed batches stay committed even when a later batch of the same run
// fails.
func (db *DB) UpsertRecordBatch(ctx context.Context, records []*models.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := time.Now().UTC()
	for _, rec := range records {
		if err := db.upsertRecord(ctx, tx, rec, now); err != nil {
			return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Source, rec.NaturalKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (db *DB) upsertRecord(ctx context.Context, tx *sql.Tx, rec *models.Record, syncedAt time.Time) error {
	details, err := marshalDetails(rec.Details)
	if err != nil {
		return err
	}

	var lat, lng any
	if rec.Location != nil {
		lat, lng = rec.Location.Lat, rec.Location.Lng
	}

	if db.spatialAvailable {
		query := `INSERT INTO records (
			source, natural_key, received_at, last_updated, call_type, priority,
			agency, address, neighborhood, district, disposition, status,
			latitude, longitude, geom, details, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ST_Point(?, ?), ?, ?)
		ON CONFLICT (source, natural_key) DO UPDATE SET
			received_at = EXCLUDED.received_at,
			last_updated = EXCLUDED.last_updated,
			call_type = EXCLUDED.call_type,
			priority = EXCLUDED.priority,
			agency = EXCLUDED.agency,
			address = EXCLUDED.address,
			neighborhood = EXCLUDED.neighborhood,
			district = EXCLUDED.district,
			disposition = EXCLUDED.disposition,
			status = EXCLUDED.status,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			geom = EXCLUDED.geom,
			details = EXCLUDED.details,
			synced_at = EXCLUDED.synced_at`

		var geomLng, geomLat any
		if rec.Location != nil {
			geomLng, geomLat = rec.Location.Lng, rec.Location.Lat
		}
		_, err = tx.ExecContext(ctx, query,
			string(rec.Source), rec.NaturalKey, rec.ReceivedAt, rec.LastUpdated,
			rec.CallType, rec.Priority, rec.Agency, rec.Address,
			rec.Neighborhood, rec.District, rec.Disposition, rec.Status,
			lat, lng, geomLng, geomLat, details, syncedAt)
		return err
	}

	query := `INSERT INTO records (
		source, natural_key, received_at, last_updated, call_type, priority,
		agency, address, neighborhood, district, disposition, status,
		latitude, longitude, details, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (source, natural_key) DO UPDATE SET
		received_at = EXCLUDED.received_at,
		last_updated = EXCLUDED.last_updated,
		call_type = EXCLUDED.call_type,
		priority = EXCLUDED.priority,
		agency = EXCLUDED.agency,
		address = EXCLUDED.address,
		neighborhood = EXCLUDED.neighborhood,
		district = EXCLUDED.district,
		disposition = EXCLUDED.disposition,
		status = EXCLUDED.status,
		latitude = EXCLUDED.latitude,
		longitude = EXCLUDED.longitude,
		details = EXCLUDED.details,
		synced_at = EXCLUDED.synced_at`

	_, err = tx.ExecContext(ctx, query,
		string(rec.Source), rec.NaturalKey, rec.ReceivedAt, rec.LastUpdated,
		rec.CallType, rec.Priority, rec.Agency, rec.Address,
		rec.Neighborhood, rec.District, rec.Disposition, rec.Status,
		lat, lng, details, syncedAt)
	return err
}

// GetRecord retrieves one record by source and natural key, (nil, nil) when
// absent.
func (db *DB) GetRecord(ctx context.Context, source models.Source, naturalKey string) (*models.Record, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, recordSelectColumns+`
		FROM records WHERE source = ? AND natural_key = ?`,
		string(source), naturalKey)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetRecordsByKeys retrieves records for a set of natural keys in one query,
// newest first. Used to rebuild the broadcast payload from stored rows.
func (db *DB) GetRecordsByKeys(ctx context.Context, source models.Source, keys []string) ([]*models.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	placeholders, args := buildInClause(keys)
	query := fmt.Sprintf(recordSelectColumns+`
		FROM records
		WHERE source = ? AND natural_key IN (%s)
		ORDER BY received_at DESC, natural_key DESC`, placeholders)

	rows, err := db.conn.QueryContext(ctx, query, append([]any{string(source)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records by keys: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// PruneOlderThan deletes rows of a source anchored before cutoff, returning
// the number removed. Idempotent; safe to repeat.
func (db *DB) PruneOlderThan(ctx context.Context, source models.Source, cutoff time.Time) (int64, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE source = ? AND received_at < ?`,
		string(source), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // count is advisory
	}
	return n, nil
}

// CountRecords returns the number of stored rows for a source.
func (db *DB) CountRecords(ctx context.Context, source models.Source) (int64, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE source = ?`, string(source)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

const recordSelectColumns = `SELECT
	source, natural_key, received_at, last_updated, call_type, priority,
	agency, address, neighborhood, district, disposition, status,
	latitude, longitude, details`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec         models.Record
		source      string
		callType    sql.NullString
		priority    sql.NullString
		agency      sql.NullString
		address     sql.NullString
		hood        sql.NullString
		district    sql.NullString
		disposition sql.NullString
		status      sql.NullString
		lat, lng    sql.NullFloat64
		details     sql.NullString
	)

	err := row.Scan(&source, &rec.NaturalKey, &rec.ReceivedAt, &rec.LastUpdated,
		&callType, &priority, &agency, &address, &hood, &district,
		&disposition, &status, &lat, &lng, &details)
	if err != nil {
		return nil, err
	}

	rec.Source = models.Source(source)
	rec.CallType = callType.String
	rec.Priority = priority.String
	rec.Agency = agency.String
	rec.Address = address.String
	rec.Neighborhood = hood.String
	rec.District = district.String
	rec.Disposition = disposition.String
	rec.Status = status.String
	if lat.Valid && lng.Valid {
		rec.Location = &models.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to decode record details: %w", err)
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*models.Record, error) {
	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func marshalDetails(details map[string]string) (any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record details: %w", err)
	}
	return string(b), nil
}

// buildInClause returns "?, ?, ..." placeholders and matching args.
func buildInClause(values []string) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return placeholders, args
}
