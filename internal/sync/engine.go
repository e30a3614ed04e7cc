// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/metrics"
	"github.com/wolfiesch/SFCrime/internal/models"
	"github.com/wolfiesch/SFCrime/internal/soda"
	"github.com/wolfiesch/SFCrime/internal/transform"
)

// Result summarizes one completed sync run.
type Result struct {
	Source    models.Source `json:"source"`
	Fetched   int           `json:"fetched"`
	Rejected  int           `json:"rejected"`
	Upserted  int           `json:"upserted"`
	Watermark time.Time     `json:"watermark"`
	Duration  time.Duration `json:"duration"`
}

// SyncSource runs one incremental sync for a source: fetch everything
// updated since the checkpoint watermark, transform, upsert in batches,
// then advance the watermark. The watermark moves only after every batch
// has committed; a failed run leaves it where it was, so the next run
// re-fetches and the upsert makes the overlap idempotent.
func (m *Manager) SyncSource(ctx context.Context, source models.Source) (*Result, error) {
	mu, ok := m.sourceMu[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	mu.Lock()
	defer mu.Unlock()

	ds, ok := soda.Datasets[source]
	if !ok {
		return nil, fmt.Errorf("no dataset registered for source %q", source)
	}

	start := time.Now()
	result, err := m.runSync(ctx, source, ds)
	duration := time.Since(start)
	metrics.SyncDuration.WithLabelValues(string(source)).Observe(duration.Seconds())
	if err != nil {
		return nil, err
	}

	result.Duration = duration
	m.recordLastSync(source)
	return result, nil
}

func (m *Manager) runSync(ctx context.Context, source models.Source, ds soda.Dataset) (*Result, error) {
	since, err := m.sinceFor(ctx, source)
	if err != nil {
		metrics.SyncErrors.WithLabelValues(string(source), "checkpoint_read").Inc()
		return nil, fmt.Errorf("read checkpoint for %s: %w", source, err)
	}

	raw, err := m.client.FetchAll(ctx, ds, &since)
	if err != nil {
		metrics.SyncErrors.WithLabelValues(string(source), fetchErrorType(err)).Inc()
		return nil, fmt.Errorf("fetch %s since %s: %w", source, since.Format(time.RFC3339), err)
	}

	records, rejected := m.transformAll(source, raw)
	result := &Result{Source: source, Fetched: len(raw), Rejected: rejected}

	if len(records) == 0 {
		// Confirmed-empty run: the feed was reachable and had nothing new.
		// Record the attempt without moving the watermark.
		if err := m.store.TouchCheckpoint(ctx, source); err != nil {
			logging.Err(err).Str("source", string(source)).Msg("failed to touch checkpoint")
		}
		return result, nil
	}

	watermark := maxLastUpdated(records)

	if err := m.upsertInBatches(ctx, records); err != nil {
		metrics.SyncErrors.WithLabelValues(string(source), "primary_write").Inc()
		return nil, fmt.Errorf("upsert %s batch: %w", source, err)
	}

	if err := m.store.AdvanceCheckpoint(ctx, source, watermark, int64(len(records))); err != nil {
		metrics.SyncErrors.WithLabelValues(string(source), "checkpoint_write").Inc()
		return nil, fmt.Errorf("advance checkpoint for %s: %w", source, err)
	}

	result.Upserted = len(records)
	result.Watermark = watermark
	metrics.RecordsUpserted.WithLabelValues(string(source)).Add(float64(len(records)))

	m.pruneDispatch(ctx, source)
	m.fanOut(ctx, source, records)

	return result, nil
}

// sinceFor returns the incremental lower bound: the stored watermark, or a
// per-source lookback window on first run.
func (m *Manager) sinceFor(ctx context.Context, source models.Source) (time.Time, error) {
	cp, err := m.store.GetCheckpoint(ctx, source)
	if err != nil {
		return time.Time{}, err
	}
	if cp != nil && !cp.Watermark.IsZero() {
		return cp.Watermark, nil
	}

	lookback, ok := firstRunLookbacks[source]
	if !ok {
		lookback = 24 * time.Hour
	}
	since := time.Now().UTC().Add(-lookback)
	logging.Info().
		Str("source", string(source)).
		Time("since", since).
		Msg("no checkpoint, seeding from lookback window")
	return since, nil
}

// transformAll converts raw rows, counts rejects, and collapses duplicate
// natural keys so a batch never upserts the same key twice. Duplicates keep
// the occurrence with the newest cursor value, independent of feed order.
func (m *Manager) transformAll(source models.Source, raw []soda.RawRecord) ([]*models.Record, int) {
	rejected := 0
	byKey := make(map[string]int, len(raw))
	records := make([]*models.Record, 0, len(raw))

	for _, row := range raw {
		rec, err := transform.Transform(source, row)
		if err != nil {
			rejected++
			if !errors.Is(err, transform.ErrRejected) {
				logging.Warn().Err(err).Str("source", string(source)).Msg("unexpected transform failure")
			}
			continue
		}
		if i, seen := byKey[rec.NaturalKey]; seen {
			if !rec.LastUpdated.Before(records[i].LastUpdated) {
				records[i] = rec
			}
			continue
		}
		byKey[rec.NaturalKey] = len(records)
		records = append(records, rec)
	}

	if rejected > 0 {
		metrics.RecordsRejected.WithLabelValues(string(source)).Add(float64(rejected))
		logging.Debug().
			Str("source", string(source)).
			Int("rejected", rejected).
			Msg("dropped unusable rows")
	}
	return records, rejected
}

// upsertInBatches commits records in fixed-size batches. Batches already
// committed stay committed when a later one fails; the unmoved watermark
// makes the re-fetch converge.
func (m *Manager) upsertInBatches(ctx context.Context, records []*models.Record) error {
	batchSize := m.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	for i := 0; i < len(records); i += batchSize {
		end := min(i+batchSize, len(records))
		batch := records[i:end]
		if err := m.store.UpsertRecordBatch(ctx, batch); err != nil {
			return fmt.Errorf("batch %d-%d of %d: %w", i, end, len(records), err)
		}
		metrics.SyncBatchSize.Observe(float64(len(batch)))
	}
	return nil
}

func maxLastUpdated(records []*models.Record) time.Time {
	var latest time.Time
	for _, rec := range records {
		if rec.LastUpdated.After(latest) {
			latest = rec.LastUpdated
		}
	}
	return latest
}

// pruneDispatch trims the live dispatch feed to its retention window.
// Other sources accumulate.
func (m *Manager) pruneDispatch(ctx context.Context, source models.Source) {
	if source != models.SourceDispatch || m.cfg.RetentionHours <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.RetentionHours) * time.Hour)
	pruned, err := m.store.PruneOlderThan(ctx, source, cutoff)
	if err != nil {
		logging.Err(err).Str("source", string(source)).Msg("prune failed")
		return
	}
	if pruned > 0 {
		logging.Debug().Int64("pruned", pruned).Msg("expired dispatch calls removed")
	}
}

// fanOut re-reads the upserted records by key so subscribers and the
// historical path see the committed rows, then hands them off. Both paths
// are best-effort and never fail the run.
func (m *Manager) fanOut(ctx context.Context, source models.Source, records []*models.Record) {
	if m.hub == nil && m.facts == nil {
		return
	}

	keys := make([]string, len(records))
	for i, rec := range records {
		keys[i] = rec.NaturalKey
	}
	committed, err := m.store.GetRecordsByKeys(ctx, source, keys)
	if err != nil {
		logging.Err(err).Str("source", string(source)).Msg("re-read after upsert failed, skipping fan-out")
		return
	}
	if len(committed) == 0 {
		return
	}

	if m.hub != nil && source == models.SourceDispatch {
		m.hub.Broadcast(committed)
	}
	if m.facts != nil {
		m.facts.Publish(committed)
	}
}

// SyncRange backfills a source over an explicit time window, split into
// fixed-size chunks. Backfill never reads or writes the checkpoint, so it
// cannot disturb the incremental loop.
func (m *Manager) SyncRange(ctx context.Context, source models.Source, start, end time.Time) (*Result, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid range: end %s is not after start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	mu, ok := m.sourceMu[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	mu.Lock()
	defer mu.Unlock()

	ds, ok := soda.Datasets[source]
	if !ok {
		return nil, fmt.Errorf("no dataset registered for source %q", source)
	}

	chunkDays := m.cfg.BackfillChunkDays
	if chunkDays <= 0 {
		chunkDays = 7
	}
	chunk := time.Duration(chunkDays) * 24 * time.Hour

	runStart := time.Now()
	result := &Result{Source: source}

	for cursor := start; cursor.Before(end); cursor = cursor.Add(chunk) {
		chunkEnd := cursor.Add(chunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		raw, err := m.client.FetchRange(ctx, ds, cursor, chunkEnd)
		if err != nil {
			metrics.SyncErrors.WithLabelValues(string(source), fetchErrorType(err)).Inc()
			return nil, fmt.Errorf("backfill fetch %s %s..%s: %w",
				source, cursor.Format(time.RFC3339), chunkEnd.Format(time.RFC3339), err)
		}

		records, rejected := m.transformAll(source, raw)
		result.Fetched += len(raw)
		result.Rejected += rejected
		if len(records) == 0 {
			continue
		}

		if err := m.upsertInBatches(ctx, records); err != nil {
			metrics.SyncErrors.WithLabelValues(string(source), "primary_write").Inc()
			return nil, fmt.Errorf("backfill upsert %s: %w", source, err)
		}
		result.Upserted += len(records)
		metrics.RecordsUpserted.WithLabelValues(string(source)).Add(float64(len(records)))

		logging.Info().
			Str("source", string(source)).
			Time("chunk_start", cursor).
			Time("chunk_end", chunkEnd).
			Int("upserted", len(records)).
			Msg("backfill chunk committed")
	}

	result.Duration = time.Since(runStart)
	return result, nil
}

func fetchErrorType(err error) string {
	if soda.IsTransient(err) {
		return "transient_source"
	}
	return "permanent_source"
}
