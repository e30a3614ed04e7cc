// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package soda

import "github.com/wolfiesch/SFCrime/internal/models"

// Dataset describes one upstream SODA resource: its identifier and the
// last-updated field used for incremental queries and watermark tracking.
type Dataset struct {
	Source      models.Source
	ID          string
	CursorField string
}

// Datasets maps each synced source to its upstream resource.
var Datasets = map[models.Source]Dataset{
	models.SourceDispatch: {
		Source:      models.SourceDispatch,
		ID:          "gnap-fj3t",
		CursorField: "call_last_updated_at",
	},
	models.SourceIncidents: {
		Source:      models.SourceIncidents,
		ID:          "wg3w-h783",
		CursorField: "report_datetime",
	},
	models.SourceFire: {
		Source:      models.SourceFire,
		ID:          "nuek-vuh3",
		CursorField: "data_as_of",
	},
	models.SourceCases311: {
		Source:      models.SourceCases311,
		ID:          "vw6y-z8j6",
		CursorField: "updated_datetime",
	},
	models.SourceTraffic: {
		Source:      models.SourceTraffic,
		ID:          "ubvf-ztfx",
		CursorField: "data_as_of",
	},
}

// DatasetURL returns the public catalog URL for a dataset id.
func DatasetURL(id string) string {
	return "https://data.sfgov.org/d/" + id
}
