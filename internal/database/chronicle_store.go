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
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wolfiesch/SFCrime/internal/models"
)

// ChronicleDB is the secondary historical store: kind-tagged temporal facts
// and spatially deduplicated locations.
type ChronicleDB struct {
	conn             *sql.DB
	spatialAvailable bool
}

// NewChronicle opens (creating if needed) the chronicle store at path.
func NewChronicle(path string, opts Options) (*ChronicleDB, error) {
	conn, spatial, err := openDuckDB(path, opts)
	if err != nil {
		return nil, err
	}

	db := &ChronicleDB{conn: conn, spatialAvailable: spatial}
	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize chronicle store: %w", err)
	}
	return db, nil
}

func (db *ChronicleDB) initialize() error {
	geomCol := ""
	if db.spatialAvailable {
		geomCol = "geom GEOMETRY,"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			%s
			address TEXT,
			neighborhood TEXT,
			created_at TIMESTAMP NOT NULL
		)`, geomCol),
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			kind_code TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			valid_from TIMESTAMP NOT NULL,
			valid_to TIMESTAMP NOT NULL,
			location_id TEXT,
			neighborhood TEXT,
			categories TEXT,
			tags TEXT,
			significance TEXT,
			sources TEXT,
			date_display TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (external_id, kind_code)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_kind ON facts (kind_code, valid_from)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_identity ON facts (external_id, kind_code)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("chronicle schema statement failed: %w", err)
		}
	}
	return nil
}

// Close checkpoints and closes the store.
func (db *ChronicleDB) Close() error {
	_, _ = db.conn.Exec("CHECKPOINT")
	return db.conn.Close()
}

// Ping verifies the connection.
func (db *ChronicleDB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WriteFactBatch writes a batch of facts in one all-or-nothing transaction.
// Per fact: coordinates resolve to an existing location within
// proximityMeters or create a new one; a matching (external_id, kind_code)
// updates the existing fact in place, otherwise a new fact is inserted.
// Returns (inserted, updated).
func (db *ChronicleDB) WriteFactBatch(ctx context.Context, facts []*models.Fact, proximityMeters float64) (int, int, error) {
	if len(facts) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin fact transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	inserted, updated := 0, 0
	for _, fact := range facts {
		if fact.Coordinates != nil {
			loc, err := db.resolveLocation(ctx, tx, fact, proximityMeters)
			if err != nil {
				return 0, 0, err
			}
			fact.LocationID = &loc.ID
		}

		wasInsert, err := db.upsertFact(ctx, tx, fact)
		if err != nil {
			return 0, 0, err
		}
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit fact batch: %w", err)
	}
	return inserted, updated, nil
}

// resolveLocation finds a location within the proximity threshold of the
// fact's coordinates, creating one when none exists. Runs on the batch
// transaction so locations created earlier in the batch are visible.
func (db *ChronicleDB) resolveLocation(ctx context.Context, tx *sql.Tx, fact *models.Fact, proximityMeters float64) (*models.Location, error) {
	lat, lng := fact.Coordinates.Lat, fact.Coordinates.Lng

	loc, err := findLocationWithin(ctx, tx, db.spatialAvailable, lat, lng, proximityMeters)
	if err != nil {
		return nil, err
	}
	if loc != nil {
		return loc, nil
	}

	loc = &models.Location{
		ID:           uuid.New(),
		Lat:          lat,
		Lng:          lng,
		Address:      fact.Address,
		Neighborhood: fact.Neighborhood,
	}

	if db.spatialAvailable {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO locations (id, latitude, longitude, geom, address, neighborhood, created_at)
			 VALUES (?, ?, ?, ST_Point(?, ?), ?, ?, ?)`,
			loc.ID.String(), lat, lng, lng, lat, loc.Address, loc.Neighborhood, time.Now().UTC())
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO locations (id, latitude, longitude, address, neighborhood, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			loc.ID.String(), lat, lng, loc.Address, loc.Neighborhood, time.Now().UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert location: %w", err)
	}
	return loc, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// findLocationWithin returns the nearest stored location within meters of
// (lat, lng), or nil. With the spatial extension the distance is a true
// sphere distance; without it a degree-box approximation is used.
func findLocationWithin(ctx context.Context, q querier, spatial bool, lat, lng, meters float64) (*models.Location, error) {
	var (
		id           string
		loc          models.Location
		address      sql.NullString
		neighborhood sql.NullString
		err          error
	)

	if spatial {
		err = q.QueryRowContext(ctx,
			`SELECT id, latitude, longitude, address, neighborhood
			 FROM locations
			 WHERE ST_Distance_Sphere(geom, ST_Point(?, ?)) <= ?
			 ORDER BY ST_Distance_Sphere(geom, ST_Point(?, ?))
			 LIMIT 1`,
			lng, lat, meters, lng, lat).
			Scan(&id, &loc.Lat, &loc.Lng, &address, &neighborhood)
	} else {
		// Approximate meters as degree deltas near the given latitude.
		dLat := meters / 111320.0
		dLng := meters / (111320.0 * math.Cos(lat*math.Pi/180))
		err = q.QueryRowContext(ctx,
			`SELECT id, latitude, longitude, address, neighborhood
			 FROM locations
			 WHERE latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?
			 ORDER BY (latitude - ?) * (latitude - ?) + (longitude - ?) * (longitude - ?)
			 LIMIT 1`,
			lat-dLat, lat+dLat, lng-dLng, lng+dLng, lat, lat, lng, lng).
			Scan(&id, &loc.Lat, &loc.Lng, &address, &neighborhood)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search locations: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt location id %q: %w", id, err)
	}
	loc.ID = parsed
	loc.Address = address.String
	loc.Neighborhood = neighborhood.String
	return &loc, nil
}

// FindLocationWithin is the read-only variant used outside batch writes.
func (db *ChronicleDB) FindLocationWithin(ctx context.Context, lat, lng, meters float64) (*models.Location, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	return findLocationWithin(ctx, db.conn, db.spatialAvailable, lat, lng, meters)
}

// upsertFact returns true when a new fact row was inserted, false when an
// existing (external_id, kind_code) fact was updated in place.
func (db *ChronicleDB) upsertFact(ctx context.Context, tx *sql.Tx, fact *models.Fact) (bool, error) {
	categories, err := marshalJSONList(fact.Categories)
	if err != nil {
		return false, err
	}
	tags, err := marshalJSONList(fact.Tags)
	if err != nil {
		return false, err
	}
	sources, err := marshalSources(fact.Sources)
	if err != nil {
		return false, err
	}

	var locationID any
	if fact.LocationID != nil {
		locationID = fact.LocationID.String()
	}

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM facts WHERE external_id = ? AND kind_code = ?`,
		fact.ExternalID, fact.KindCode).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if fact.ID == uuid.Nil {
			fact.ID = uuid.New()
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO facts (
				id, kind_code, external_id, title, description,
				valid_from, valid_to, location_id, neighborhood,
				categories, tags, significance, sources, date_display,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fact.ID.String(), fact.KindCode, fact.ExternalID, fact.Title, fact.Description,
			fact.ValidFrom.UTC(), fact.ValidTo.UTC(), locationID, fact.Neighborhood,
			categories, tags, fact.Significance, sources, fact.DateDisplay,
			now, now)
		if err != nil {
			return false, fmt.Errorf("failed to insert fact %s/%s: %w", fact.KindCode, fact.ExternalID, err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("failed to look up fact %s/%s: %w", fact.KindCode, fact.ExternalID, err)

	default:
		parsed, perr := uuid.Parse(existingID)
		if perr != nil {
			return false, fmt.Errorf("corrupt fact id %q: %w", existingID, perr)
		}
		fact.ID = parsed
		_, err = tx.ExecContext(ctx,
			`UPDATE facts SET
				title = ?, description = ?, valid_from = ?, valid_to = ?,
				location_id = COALESCE(?, location_id), neighborhood = ?,
				categories = ?, tags = ?, sources = ?, date_display = ?,
				updated_at = ?
			 WHERE id = ?`,
			fact.Title, fact.Description, fact.ValidFrom.UTC(), fact.ValidTo.UTC(),
			locationID, fact.Neighborhood,
			categories, tags, sources, fact.DateDisplay,
			time.Now().UTC(), existingID)
		if err != nil {
			return false, fmt.Errorf("failed to update fact %s/%s: %w", fact.KindCode, fact.ExternalID, err)
		}
		return false, nil
	}
}

// GetFact retrieves one fact by its upsert identity, (nil, nil) when absent.
func (db *ChronicleDB) GetFact(ctx context.Context, externalID, kindCode string) (*models.Fact, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var (
		fact       models.Fact
		id         string
		desc       sql.NullString
		locationID sql.NullString
		hood       sql.NullString
		categories sql.NullString
		tags       sql.NullString
		sig        sql.NullString
		sources    sql.NullString
		display    sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, kind_code, external_id, title, description, valid_from, valid_to,
			location_id, neighborhood, categories, tags, significance, sources, date_display
		 FROM facts WHERE external_id = ? AND kind_code = ?`,
		externalID, kindCode).
		Scan(&id, &fact.KindCode, &fact.ExternalID, &fact.Title, &desc,
			&fact.ValidFrom, &fact.ValidTo, &locationID, &hood,
			&categories, &tags, &sig, &sources, &display)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}

	fact.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt fact id %q: %w", id, err)
	}
	if locationID.Valid {
		lid, err := uuid.Parse(locationID.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt location id %q: %w", locationID.String, err)
		}
		fact.LocationID = &lid
	}
	fact.Description = desc.String
	fact.Neighborhood = hood.String
	fact.Significance = sig.String
	fact.DateDisplay = display.String
	if categories.Valid && categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &fact.Categories); err != nil {
			return nil, fmt.Errorf("failed to decode fact categories: %w", err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &fact.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode fact tags: %w", err)
		}
	}
	if sources.Valid && sources.String != "" {
		if err := json.Unmarshal([]byte(sources.String), &fact.Sources); err != nil {
			return nil, fmt.Errorf("failed to decode fact sources: %w", err)
		}
	}
	return &fact, nil
}

// CountFacts returns the number of stored facts for a kind, all kinds when
// kindCode is empty.
func (db *ChronicleDB) CountFacts(ctx context.Context, kindCode string) (int64, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var n int64
	var err error
	if kindCode == "" {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n)
	} else {
		err = db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM facts WHERE kind_code = ?`, kindCode).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return n, nil
}

// CountLocations returns the number of stored locations.
func (db *ChronicleDB) CountLocations(ctx context.Context) (int64, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return n, nil
}

func marshalJSONList(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func marshalSources(sources []models.FactSource) (any, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sources: %w", err)
	}
	return string(b), nil
}
