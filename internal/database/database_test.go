// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package database

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/models"
)

//nolint:gochecknoinits // quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(key string, receivedAt time.Time) *models.Record {
	return &models.Record{
		Source:      models.SourceDispatch,
		NaturalKey:  key,
		ReceivedAt:  receivedAt,
		LastUpdated: receivedAt.Add(5 * time.Minute),
		CallType:    "AUDIBLE ALARM",
		Priority:    "B",
		Agency:      "Police",
		Location:    &models.Point{Lat: 37.7749, Lng: -122.4194},
		Details:     map[string]string{"onview_flag": "N"},
	}
}

func TestUpsertRecordBatch_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	received := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)

	rec := testRecord("241001234", received)
	require.NoError(t, db.UpsertRecordBatch(ctx, []*models.Record{rec}))
	require.NoError(t, db.UpsertRecordBatch(ctx, []*models.Record{rec}))

	n, err := db.CountRecords(ctx, models.SourceDispatch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "repeated upsert must not duplicate rows")

	got, err := db.GetRecord(ctx, models.SourceDispatch, "241001234")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "AUDIBLE ALARM", got.CallType)
	assert.Equal(t, "N", got.Detail("onview_flag"))
	require.NotNil(t, got.Location)
	assert.InDelta(t, 37.7749, got.Location.Lat, 1e-9)
}

func TestUpsertRecordBatch_LastWriteWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	received := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)

	first := testRecord("241001234", received)
	require.NoError(t, db.UpsertRecordBatch(ctx, []*models.Record{first}))

	second := testRecord("241001234", received)
	second.Status = "Closed"
	second.Disposition = "HAN"
	require.NoError(t, db.UpsertRecordBatch(ctx, []*models.Record{second}))

	got, err := db.GetRecord(ctx, models.SourceDispatch, "241001234")
	require.NoError(t, err)
	assert.Equal(t, "Closed", got.Status)
	assert.Equal(t, "HAN", got.Disposition)
}

func TestGetRecord_Missing(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetRecord(context.Background(), models.SourceDispatch, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetRecordsByKeys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)

	batch := []*models.Record{
		testRecord("A1", base),
		testRecord("A2", base.Add(time.Minute)),
		testRecord("A3", base.Add(2*time.Minute)),
	}
	require.NoError(t, db.UpsertRecordBatch(ctx, batch))

	got, err := db.GetRecordsByKeys(ctx, models.SourceDispatch, []string{"A1", "A3", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A3", got[0].NaturalKey, "newest first")
	assert.Equal(t, "A1", got[1].NaturalKey)
}

func TestPruneOlderThan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.UpsertRecordBatch(ctx, []*models.Record{
		testRecord("old", now.Add(-72*time.Hour)),
		testRecord("fresh", now.Add(-time.Hour)),
	}))

	pruned, err := db.PruneOlderThan(ctx, models.SourceDispatch, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// Repeating the prune is a no-op.
	pruned, err = db.PruneOlderThan(ctx, models.SourceDispatch, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)

	n, err := db.CountRecords(ctx, models.SourceDispatch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCheckpoint_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cp, err := db.GetCheckpoint(ctx, models.SourceDispatch)
	require.NoError(t, err)
	assert.Nil(t, cp, "no checkpoint before first successful run")

	w1 := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.AdvanceCheckpoint(ctx, models.SourceDispatch, w1, 10))

	cp, err = db.GetCheckpoint(ctx, models.SourceDispatch)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Watermark.Equal(w1))
	assert.Equal(t, int64(10), cp.RecordCount)

	// Advancing forward moves the watermark.
	w2 := w1.Add(time.Hour)
	require.NoError(t, db.AdvanceCheckpoint(ctx, models.SourceDispatch, w2, 5))
	cp, err = db.GetCheckpoint(ctx, models.SourceDispatch)
	require.NoError(t, err)
	assert.True(t, cp.Watermark.Equal(w2))
	assert.Equal(t, int64(15), cp.RecordCount)

	// An older incoming watermark never moves it backwards.
	require.NoError(t, db.AdvanceCheckpoint(ctx, models.SourceDispatch, w1, 1))
	cp, err = db.GetCheckpoint(ctx, models.SourceDispatch)
	require.NoError(t, err)
	assert.True(t, cp.Watermark.Equal(w2), "watermark is monotonic non-decreasing")
}

func TestTouchCheckpoint_LeavesWatermark(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.AdvanceCheckpoint(ctx, models.SourceDispatch, w, 3))
	require.NoError(t, db.TouchCheckpoint(ctx, models.SourceDispatch))

	cp, err := db.GetCheckpoint(ctx, models.SourceDispatch)
	require.NoError(t, err)
	assert.True(t, cp.Watermark.Equal(w), "zero-record run leaves the watermark unchanged")
}

func TestListRecords_KeysetPagination(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)

	var batch []*models.Record
	for i := 0; i < 5; i++ {
		batch = append(batch, testRecord(string(rune('A'+i)), base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, db.UpsertRecordBatch(ctx, batch))

	page1, err := db.ListRecords(ctx, RecordQuery{Source: models.SourceDispatch, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "E", page1[0].NaturalKey)
	assert.Equal(t, "D", page1[1].NaturalKey)

	last := page1[1]
	page2, err := db.ListRecords(ctx, RecordQuery{
		Source:     models.SourceDispatch,
		Limit:      2,
		CursorTime: &last.ReceivedAt,
		CursorKey:  last.NaturalKey,
	})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "C", page2[0].NaturalKey)
	assert.Equal(t, "B", page2[1].NaturalKey)
}

func TestListRecords_Filters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)

	a := testRecord("P1", base)
	a.Priority = "A"
	b := testRecord("P2", base.Add(time.Minute))
	b.Priority = "C"
	b.Location = &models.Point{Lat: 37.80, Lng: -122.40}
	require.NoError(t, db.UpsertRecordBatch(ctx, []*models.Record{a, b}))

	got, err := db.ListRecords(ctx, RecordQuery{Source: models.SourceDispatch, Priority: "A"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P1", got[0].NaturalKey)

	got, err = db.ListRecords(ctx, RecordQuery{
		Source: models.SourceDispatch,
		Bbox:   &Bbox{MinLat: 37.79, MaxLat: 37.81, MinLng: -122.41, MaxLng: -122.39},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P2", got[0].NaturalKey)
}
