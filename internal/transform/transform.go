// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package transform maps raw upstream records into normalized records, one
// mapping per source kind. Mappings are pure: a raw record either normalizes
// or is rejected, and rejection is never fatal to a batch.
package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfiesch/SFCrime/internal/models"
)

// ErrRejected marks a raw record that cannot be normalized. Callers count
// rejects; they do not fail on them.
var ErrRejected = errors.New("record rejected")

// Coverage box for coordinate sanity filtering. Coordinates outside it are
// rejected even when every other field is usable.
const (
	BoundsMinLat = 37.6
	BoundsMaxLat = 37.85
	BoundsMinLng = -122.55
	BoundsMaxLng = -122.35
)

// timestampFormats is the fixed set of accepted literal layouts.
var timestampFormats = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// pointStrategy is one named way of extracting coordinates from a raw
// record. Strategies are evaluated in order; first success wins.
type pointStrategy struct {
	name    string
	extract func(raw map[string]any) *models.Point
}

// kindSpec drives the per-kind mapping: required identity fields, watermark
// candidates, coordinate strategies, and the field mapping itself.
type kindSpec struct {
	naturalKeyFields []string
	anchorFields     []string
	cursorFields     []string
	pointStrategies  []pointStrategy
	requireLocation  bool
	mapFields        func(raw map[string]any, rec *models.Record)
}

// Transform normalizes one raw record for the given source. A nil error
// means rec is complete; ErrRejected-wrapped errors mean the input is
// unusable (missing natural key or temporal anchor, unparseable timestamp,
// missing required coordinates, or coordinates outside the coverage box).
func Transform(source models.Source, raw map[string]any) (*models.Record, error) {
	spec, ok := kindSpecs[source]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", ErrRejected, source)
	}

	key := getString(raw, spec.naturalKeyFields...)
	if key == "" {
		return nil, fmt.Errorf("%w: missing natural key", ErrRejected)
	}

	anchorRaw := getString(raw, spec.anchorFields...)
	if anchorRaw == "" {
		return nil, fmt.Errorf("%w: missing temporal anchor", ErrRejected)
	}
	anchor, err := ParseTimestamp(anchorRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable temporal anchor %q", ErrRejected, anchorRaw)
	}

	rec := &models.Record{
		Source:     source,
		NaturalKey: key,
		ReceivedAt: anchor,
	}

	// Watermark candidate: source cursor field when parseable, else anchor.
	rec.LastUpdated = anchor
	if cursorRaw := getString(raw, spec.cursorFields...); cursorRaw != "" {
		if ts, err := ParseTimestamp(cursorRaw); err == nil {
			rec.LastUpdated = ts
		}
	}

	point := extractPoint(spec.pointStrategies, raw)
	if point == nil && spec.requireLocation {
		return nil, fmt.Errorf("%w: no usable coordinates", ErrRejected)
	}
	if point != nil {
		if !inBounds(point) {
			return nil, fmt.Errorf("%w: coordinates (%.4f, %.4f) outside coverage area",
				ErrRejected, point.Lat, point.Lng)
		}
		rec.Location = point
	}

	spec.mapFields(raw, rec)
	return rec, nil
}

// ParseTimestamp parses one of the accepted literal layouts, rejecting
// anything else.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", s)
}

func extractPoint(strategies []pointStrategy, raw map[string]any) *models.Point {
	for _, s := range strategies {
		if p := s.extract(raw); p != nil {
			return p
		}
	}
	return nil
}

func inBounds(p *models.Point) bool {
	return p.Lat >= BoundsMinLat && p.Lat <= BoundsMaxLat &&
		p.Lng >= BoundsMinLng && p.Lng <= BoundsMaxLng
}

// nestedPoint extracts a GeoJSON-style point object {"type": "Point",
// "coordinates": [lng, lat]} stored under field.
func nestedPoint(field string) pointStrategy {
	return pointStrategy{
		name: field,
		extract: func(raw map[string]any) *models.Point {
			obj, ok := raw[field].(map[string]any)
			if !ok {
				return nil
			}
			coords, ok := obj["coordinates"].([]any)
			if !ok || len(coords) != 2 {
				return nil
			}
			lng, okLng := parseFloat(coords[0])
			lat, okLat := parseFloat(coords[1])
			if !okLng || !okLat {
				return nil
			}
			return &models.Point{Lat: lat, Lng: lng}
		},
	}
}

// latLngPair extracts coordinates from a pair of scalar fields.
func latLngPair(latField, lngField string) pointStrategy {
	return pointStrategy{
		name: latField + "/" + lngField,
		extract: func(raw map[string]any) *models.Point {
			lat, okLat := parseFloat(raw[latField])
			lng, okLng := parseFloat(raw[lngField])
			if !okLat || !okLng {
				return nil
			}
			return &models.Point{Lat: lat, Lng: lng}
		},
	}
}

// standardPointStrategies is the shared ordered strategy list: nested point
// objects first, then the known lat/lng field-name pairs.
func standardPointStrategies() []pointStrategy {
	return []pointStrategy{
		nestedPoint("intersection_point"),
		nestedPoint("case_location"),
		nestedPoint("point_geom"),
		latLngPair("latitude", "longitude"),
		latLngPair("lat", "long"),
		latLngPair("tb_latitude", "tb_longitude"),
		nestedPoint("point"),
	}
}

// getString returns the first non-empty string value among fields.
func getString(raw map[string]any, fields ...string) string {
	for _, f := range fields {
		if v, ok := raw[f]; ok {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func parseFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// setDetail stores a raw field into the record's detail map when present.
// Numeric values are stringified; SODA exports are inconsistent about both.
func setDetail(rec *models.Record, raw map[string]any, key string, fields ...string) {
	for _, f := range fields {
		var val string
		switch v := raw[f].(type) {
		case string:
			val = strings.TrimSpace(v)
		case float64:
			val = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			val = strconv.Itoa(v)
		}
		if val != "" {
			if rec.Details == nil {
				rec.Details = make(map[string]string)
			}
			rec.Details[key] = val
			return
		}
	}
}
