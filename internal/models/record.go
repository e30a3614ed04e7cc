// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package models defines the shared data types for the mirror service:
// normalized feed records, per-source sync checkpoints, and the fact and
// location entities of the historical store.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies one upstream dataset.
type Source string

const (
	SourceDispatch  Source = "dispatch"
	SourceIncidents Source = "incidents"
	SourceFire      Source = "fire"
	SourceCases311  Source = "cases311"
	SourceTraffic   Source = "traffic"
)

// AllSources lists every synced source in scheduling order.
var AllSources = []Source{
	SourceDispatch,
	SourceIncidents,
	SourceFire,
	SourceCases311,
	SourceTraffic,
}

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is a normalized feed record. NaturalKey is the upstream identifier,
// unique within its source, and ReceivedAt is the temporal anchor; both are
// required. LastUpdated is the upstream cursor value used to advance the
// sync watermark.
type Record struct {
	Source       Source            `json:"source"`
	NaturalKey   string            `json:"natural_key"`
	ReceivedAt   time.Time         `json:"received_at"`
	LastUpdated  time.Time         `json:"last_updated"`
	CallType     string            `json:"call_type,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Agency       string            `json:"agency,omitempty"`
	Address      string            `json:"address,omitempty"`
	Neighborhood string            `json:"neighborhood,omitempty"`
	District     string            `json:"district,omitempty"`
	Disposition  string            `json:"disposition,omitempty"`
	Status       string            `json:"status,omitempty"`
	Location     *Point            `json:"location,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Detail returns a kind-specific extra field, or "" when absent.
func (r *Record) Detail(key string) string {
	if r.Details == nil {
		return ""
	}
	return r.Details[key]
}

// Checkpoint is the per-source sync watermark. Watermark is monotonic
// non-decreasing across successful runs and is advanced only after every
// batch of a run has committed.
type Checkpoint struct {
	Source      Source    `json:"source"`
	Watermark   time.Time `json:"watermark"`
	LastSyncAt  time.Time `json:"last_sync_at"`
	RecordCount int64     `json:"record_count"`
}

// Fact is a kind-tagged, time-bounded entry in the historical store.
// The pair (ExternalID, KindCode) is the upsert identity: writing it again
// updates the existing fact in place.
type Fact struct {
	ID           uuid.UUID    `json:"id"`
	KindCode     string       `json:"kind_code"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	ValidFrom    time.Time    `json:"valid_from"`
	ValidTo      time.Time    `json:"valid_to"`
	LocationID   *uuid.UUID   `json:"location_id,omitempty"`
	Neighborhood string       `json:"neighborhood,omitempty"`
	ExternalID   string       `json:"external_id"`
	Categories   []string     `json:"categories,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Significance string       `json:"significance"`
	Sources      []FactSource `json:"sources,omitempty"`
	Coordinates  *Point       `json:"coordinates,omitempty"`
	Address      string       `json:"address,omitempty"`
	DateDisplay  string       `json:"date_display,omitempty"`
}

// FactSource records provenance for a fact.
type FactSource struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Dataset string `json:"dataset,omitempty"`
}

// Location is a deduplicated place in the historical store. Two candidate
// locations within the proximity threshold resolve to the same row.
type Location struct {
	ID           uuid.UUID `json:"id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Address      string    `json:"address,omitempty"`
	Neighborhood string    `json:"neighborhood,omitempty"`
}
