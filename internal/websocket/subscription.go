// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package websocket

import (
	"time"

	"github.com/wolfiesch/SFCrime/internal/models"
)

// Viewport is a client-specified rectangular geographic bound. Bounds are
// inclusive.
type Viewport struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// Contains reports whether the point falls within the viewport.
func (v *Viewport) Contains(p *models.Point) bool {
	return p.Lat >= v.MinLat && p.Lat <= v.MaxLat &&
		p.Lng >= v.MinLng && p.Lng <= v.MaxLng
}

// Subscription is the per-connection filter state. Ephemeral: created on
// connect, replaced by client filter updates, destroyed on disconnect.
type Subscription struct {
	Viewport    *Viewport
	Priorities  map[string]struct{}
	ConnectedAt time.Time
}

// NewSubscription returns an unfiltered subscription.
func NewSubscription() *Subscription {
	return &Subscription{ConnectedAt: time.Now()}
}

// SetFilters replaces the filter state from a client subscribe message.
// A nil viewport or empty priority list clears that filter.
func (s *Subscription) SetFilters(viewport *Viewport, priorities []string) {
	s.Viewport = viewport
	if len(priorities) == 0 {
		s.Priorities = nil
		return
	}
	set := make(map[string]struct{}, len(priorities))
	for _, p := range priorities {
		set[p] = struct{}{}
	}
	s.Priorities = set
}

// Matches applies both filters: the priority filter passes when none is
// configured or the record's priority is a member; the viewport filter
// passes when none is configured, the record has no location, or the
// coordinates fall inside the bounds. Both must pass.
func (s *Subscription) Matches(rec *models.Record) bool {
	if len(s.Priorities) > 0 {
		if _, ok := s.Priorities[rec.Priority]; !ok {
			return false
		}
	}
	if s.Viewport != nil && rec.Location != nil && !s.Viewport.Contains(rec.Location) {
		return false
	}
	return true
}
