// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfiesch/SFCrime/internal/config"
	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/models"
	"github.com/wolfiesch/SFCrime/internal/soda"
)

//nolint:gochecknoinits // quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// fakeClient serves canned raw rows and records the bounds it was asked for.
type fakeClient struct {
	mu         stdsync.Mutex
	rows       []soda.RawRecord
	err        error
	sinceSeen  []time.Time
	rangesSeen [][2]time.Time
}

func (c *fakeClient) FetchAll(_ context.Context, _ soda.Dataset, since *time.Time) ([]soda.RawRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if since != nil {
		c.sinceSeen = append(c.sinceSeen, *since)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.rows, nil
}

func (c *fakeClient) FetchRange(_ context.Context, _ soda.Dataset, start, end time.Time) ([]soda.RawRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rangesSeen = append(c.rangesSeen, [2]time.Time{start, end})
	if c.err != nil {
		return nil, c.err
	}
	return c.rows, nil
}

// fakeStore keeps records in memory and can fail the Nth upsert batch.
type fakeStore struct {
	mu          stdsync.Mutex
	records     map[string]*models.Record
	checkpoints map[models.Source]*models.Checkpoint
	touched     int
	batchCalls  int
	failBatch   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     make(map[string]*models.Record),
		checkpoints: make(map[models.Source]*models.Checkpoint),
	}
}

func (s *fakeStore) GetCheckpoint(_ context.Context, source models.Source) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[source]
	if !ok {
		return nil, nil
	}
	cpCopy := *cp
	return &cpCopy, nil
}

func (s *fakeStore) AdvanceCheckpoint(_ context.Context, source models.Source, watermark time.Time, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[source]
	if !ok {
		s.checkpoints[source] = &models.Checkpoint{
			Source: source, Watermark: watermark, LastSyncAt: time.Now(), RecordCount: count,
		}
		return nil
	}
	if watermark.After(cp.Watermark) {
		cp.Watermark = watermark
	}
	cp.LastSyncAt = time.Now()
	cp.RecordCount += count
	return nil
}

func (s *fakeStore) TouchCheckpoint(_ context.Context, _ models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched++
	return nil
}

func (s *fakeStore) UpsertRecordBatch(_ context.Context, records []*models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if s.failBatch > 0 && s.batchCalls == s.failBatch {
		return errors.New("disk full")
	}
	for _, rec := range records {
		s.records[string(rec.Source)+"/"+rec.NaturalKey] = rec
	}
	return nil
}

func (s *fakeStore) PruneOlderThan(_ context.Context, source models.Source, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.records {
		if rec.Source == source && rec.ReceivedAt.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetRecordsByKeys(_ context.Context, source models.Source, keys []string) ([]*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Record, 0, len(keys))
	for _, key := range keys {
		if rec, ok := s.records[string(source)+"/"+key]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// captureHub collects broadcast batches.
type captureHub struct {
	mu      stdsync.Mutex
	batches [][]*models.Record
}

func (h *captureHub) Broadcast(records []*models.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, records)
}

// capturePublisher collects fact-path batches.
type capturePublisher struct {
	mu      stdsync.Mutex
	batches [][]*models.Record
}

func (p *capturePublisher) Publish(records []*models.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, records)
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		DispatchInterval:  5 * time.Minute,
		IncidentsInterval: time.Hour,
		DefaultInterval:   time.Hour,
		BatchSize:         2,
		RetentionHours:    48,
		BackfillChunkDays: 7,
	}
}

func dispatchRow(cad string, received, updated time.Time) soda.RawRecord {
	const layout = "2006-01-02T15:04:05"
	return soda.RawRecord{
		"cad_number":           cad,
		"received_datetime":    received.Format(layout),
		"call_last_updated_at": updated.Format(layout),
		"call_type_final_desc": "AUDIBLE ALARM",
		"priority_final":       "B",
		"latitude":             "37.7749",
		"longitude":            "-122.4194",
	}
}

func TestSyncSource_FirstRunSeedsFromLookback(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	_, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)

	require.Len(t, client.sinceSeen, 1)
	want := time.Now().UTC().Add(-24 * time.Hour)
	assert.WithinDuration(t, want, client.sinceSeen[0], time.Minute)
}

func TestSyncSource_AdvancesWatermarkToMaxCursor(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{rows: []soda.RawRecord{
		dispatchRow("C1", base, base.Add(5*time.Minute)),
		dispatchRow("C2", base, base.Add(20*time.Minute)),
		dispatchRow("C3", base, base.Add(10*time.Minute)),
	}}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	result, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 3, result.Upserted)
	assert.Equal(t, base.Add(20*time.Minute), result.Watermark)

	cp, err := store.GetCheckpoint(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, base.Add(20*time.Minute), cp.Watermark)
}

func TestSyncSource_SecondRunResumesFromWatermark(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{rows: []soda.RawRecord{dispatchRow("C1", base, base)}}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	_, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	_, err = mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)

	require.Len(t, client.sinceSeen, 2)
	assert.Equal(t, base, client.sinceSeen[1], "second run starts at the stored watermark")
}

func TestSyncSource_EmptyRunLeavesWatermarkUntouched(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{rows: []soda.RawRecord{dispatchRow("C1", base, base)}}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	_, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)

	client.mu.Lock()
	client.rows = nil
	client.mu.Unlock()

	result, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Upserted)

	cp, err := store.GetCheckpoint(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	assert.Equal(t, base, cp.Watermark, "a confirmed-empty run records the attempt but does not move the watermark")
	assert.Equal(t, 1, store.touched)
}

func TestSyncSource_RejectsCountedNotFatal(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{rows: []soda.RawRecord{
		dispatchRow("C1", base, base),
		{"cad_number": "C2"}, // no temporal anchor
	}}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	result, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Fetched)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, result.Upserted)
}

func TestSyncSource_DuplicateKeysNewestCursorWins(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	early := dispatchRow("C1", base, base)
	late := dispatchRow("C1", base, base.Add(15*time.Minute))
	late["priority_final"] = "A"
	client := &fakeClient{rows: []soda.RawRecord{early, late}}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	result, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Upserted)

	recs, err := store.GetRecordsByKeys(context.Background(), models.SourceDispatch, []string{"C1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "A", recs[0].Priority, "the occurrence with the newest cursor value wins")
}

func TestSyncSource_BatchFailureLeavesWatermarkUnmoved(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	rows := make([]soda.RawRecord, 5)
	for i := range rows {
		rows[i] = dispatchRow(fmt.Sprintf("C%d", i), base, base.Add(time.Duration(i)*time.Minute))
	}
	client := &fakeClient{rows: rows}
	store := newFakeStore()
	store.failBatch = 2 // batch size 2: first batch commits, second fails
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	_, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.Error(t, err)

	cp, cpErr := store.GetCheckpoint(context.Background(), models.SourceDispatch)
	require.NoError(t, cpErr)
	assert.Nil(t, cp, "no checkpoint is written when any batch fails")
	assert.Equal(t, 2, store.recordCount(), "the committed batch stays committed")

	// The retry re-fetches the same window and converges.
	result, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Upserted)
	assert.Equal(t, 5, store.recordCount())
}

func TestSyncSource_DispatchFansOutCommittedRecords(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{rows: []soda.RawRecord{dispatchRow("C1", base, base)}}
	store := newFakeStore()
	hub := &captureHub{}
	pub := &capturePublisher{}
	mgr := NewManager(store, client, testSyncConfig(), hub, pub)

	_, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.NoError(t, err)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.batches, 1)
	assert.Equal(t, "C1", hub.batches[0][0].NaturalKey)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
}

func TestSyncSource_NonDispatchSkipsBroadcast(t *testing.T) {
	base := time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	const layout = "2006-01-02T15:04:05"
	client := &fakeClient{rows: []soda.RawRecord{{
		"incident_id":       "I1",
		"incident_datetime": base.Format(layout),
		"report_datetime":   base.Format(layout),
	}}}
	store := newFakeStore()
	hub := &captureHub{}
	pub := &capturePublisher{}
	mgr := NewManager(store, client, testSyncConfig(), hub, pub)

	_, err := mgr.SyncSource(context.Background(), models.SourceIncidents)
	require.NoError(t, err)

	hub.mu.Lock()
	assert.Empty(t, hub.batches, "only the live dispatch feed is broadcast")
	hub.mu.Unlock()

	pub.mu.Lock()
	assert.Len(t, pub.batches, 1, "every source feeds the historical path")
	pub.mu.Unlock()
}

func TestSyncSource_FetchFailureIsReported(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	_, err := mgr.SyncSource(context.Background(), models.SourceDispatch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch dispatch")
}

func TestSyncSource_UnknownSource(t *testing.T) {
	mgr := NewManager(newFakeStore(), &fakeClient{}, testSyncConfig(), nil, nil)
	_, err := mgr.SyncSource(context.Background(), models.Source("bogus"))
	require.Error(t, err)
}

func TestSyncRange_ChunksWindowAndSkipsCheckpoint(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{rows: []soda.RawRecord{dispatchRow("C1", base, base)}}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	start := base
	end := base.Add(16 * 24 * time.Hour)
	result, err := mgr.SyncRange(context.Background(), models.SourceDispatch, start, end)
	require.NoError(t, err)

	client.mu.Lock()
	require.Len(t, client.rangesSeen, 3, "16 days in 7-day chunks is three fetches")
	assert.Equal(t, start, client.rangesSeen[0][0])
	assert.Equal(t, end, client.rangesSeen[2][1], "the final chunk is clamped to the requested end")
	client.mu.Unlock()

	assert.Equal(t, 3, result.Fetched)

	cp, err := store.GetCheckpoint(context.Background(), models.SourceDispatch)
	require.NoError(t, err)
	assert.Nil(t, cp, "backfill never writes the checkpoint")
	assert.Equal(t, 0, store.touched)
}

func TestSyncRange_RejectsInvertedWindow(t *testing.T) {
	mgr := NewManager(newFakeStore(), &fakeClient{}, testSyncConfig(), nil, nil)
	now := time.Now()
	_, err := mgr.SyncRange(context.Background(), models.SourceDispatch, now, now.Add(-time.Hour))
	require.Error(t, err)
}

func TestManager_StartStop(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	mgr := NewManager(store, client, testSyncConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mgr.Start(ctx))
	assert.Error(t, mgr.Start(ctx), "double start is rejected")

	// Initial syncs ran once per source.
	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.sinceSeen) == len(models.AllSources)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Stop())
	require.NoError(t, mgr.Stop(), "stop is idempotent")
}
