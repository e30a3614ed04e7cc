// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package sync orchestrates the checkpointed mirror runs: fetch records
// updated since the per-source watermark, transform, upsert in batches,
// advance the watermark, prune, then feed the upserted set to the live hub
// and the historical write path.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wolfiesch/SFCrime/internal/config"
	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/models"
	"github.com/wolfiesch/SFCrime/internal/soda"
)

// SourceClient is the slice of the upstream client the engine needs.
type SourceClient interface {
	FetchAll(ctx context.Context, ds soda.Dataset, since *time.Time) ([]soda.RawRecord, error)
	FetchRange(ctx context.Context, ds soda.Dataset, start, end time.Time) ([]soda.RawRecord, error)
}

// Store is the slice of the primary store the engine needs. The engine is
// the sole writer of checkpoints.
type Store interface {
	GetCheckpoint(ctx context.Context, source models.Source) (*models.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, source models.Source, watermark time.Time, recordCount int64) error
	TouchCheckpoint(ctx context.Context, source models.Source) error
	UpsertRecordBatch(ctx context.Context, records []*models.Record) error
	PruneOlderThan(ctx context.Context, source models.Source, cutoff time.Time) (int64, error)
	GetRecordsByKeys(ctx context.Context, source models.Source, keys []string) ([]*models.Record, error)
}

// Broadcaster receives the upserted set of a live-facing run.
type Broadcaster interface {
	Broadcast(records []*models.Record)
}

// FactPublisher receives the upserted set for the historical write path.
// Publish must be fire-and-forget.
type FactPublisher interface {
	Publish(records []*models.Record)
}

// firstRunLookbacks bound first-run cost per source instead of fetching
// full history. A scope limitation, not a completeness guarantee.
var firstRunLookbacks = map[models.Source]time.Duration{
	models.SourceDispatch:  24 * time.Hour,
	models.SourceIncidents: 72 * time.Hour,
	models.SourceFire:      24 * time.Hour,
	models.SourceCases311:  24 * time.Hour,
	models.SourceTraffic:   168 * time.Hour,
}

// Manager runs the per-source sync loops. Each source is serialized against
// itself by an explicit mutex so a slow run and a manual trigger cannot
// overlap; different sources run independently.
type Manager struct {
	store  Store
	client SourceClient
	cfg    config.SyncConfig

	hub   Broadcaster
	facts FactPublisher

	sourceMu map[models.Source]*sync.Mutex

	mu       sync.RWMutex
	running  bool
	lastSync map[models.Source]time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a sync manager. hub and facts may be nil.
func NewManager(store Store, client SourceClient, cfg config.SyncConfig, hub Broadcaster, facts FactPublisher) *Manager {
	sourceMu := make(map[models.Source]*sync.Mutex, len(models.AllSources))
	for _, src := range models.AllSources {
		sourceMu[src] = &sync.Mutex{}
	}
	return &Manager{
		store:    store,
		client:   client,
		cfg:      cfg,
		hub:      hub,
		facts:    facts,
		sourceMu: sourceMu,
		lastSync: make(map[models.Source]time.Time),
		stopChan: make(chan struct{}),
	}
}

// Start launches one scheduling loop per source: an initial sync, then a
// ticker at the source's configured interval. Returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("sync manager already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	for _, source := range models.AllSources {
		m.wg.Add(1)
		go m.syncLoop(ctx, source)
	}

	logging.Info().Int("sources", len(models.AllSources)).Msg("sync manager started")
	return nil
}

// Stop halts the scheduling loops and waits for in-flight runs to finish.
// Runs have no mid-run cancellation; they complete or fail.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info().Msg("sync manager stopped")
	return nil
}

func (m *Manager) syncLoop(ctx context.Context, source models.Source) {
	defer m.wg.Done()

	m.runAndReport(ctx, source)

	ticker := time.NewTicker(m.cfg.Interval(string(source)))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runAndReport(ctx, source)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) runAndReport(ctx context.Context, source models.Source) {
	result, err := m.SyncSource(ctx, source)
	if err != nil {
		logging.Err(err).Str("source", string(source)).Msg("sync run failed")
		return
	}
	logging.Info().
		Str("source", string(source)).
		Int("fetched", result.Fetched).
		Int("rejected", result.Rejected).
		Int("upserted", result.Upserted).
		Dur("duration", result.Duration).
		Msg("sync run completed")
}

// TriggerSync runs one sync for a source immediately, serialized against
// the scheduled runs of the same source.
func (m *Manager) TriggerSync(ctx context.Context, source models.Source) (*Result, error) {
	return m.SyncSource(ctx, source)
}

// LastSyncTime returns when the source last completed a successful run.
func (m *Manager) LastSyncTime(source models.Source) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastSync[source]
	return t, ok
}

func (m *Manager) recordLastSync(source models.Source) {
	m.mu.Lock()
	m.lastSync[source] = time.Now()
	m.mu.Unlock()
}

// Serve adapts the manager to a supervised service: start, wait for
// cancellation, stop.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := m.Stop(); err != nil {
		return fmt.Errorf("sync manager stop failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (m *Manager) String() string {
	return "sync-manager"
}
