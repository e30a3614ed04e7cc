// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package transform

import "github.com/wolfiesch/SFCrime/internal/models"

// kindSpecs holds the per-source mapping tables. Natural key and anchor
// field names follow the upstream export schemas.
var kindSpecs = map[models.Source]kindSpec{
	models.SourceDispatch: {
		naturalKeyFields: []string{"cad_number"},
		anchorFields:     []string{"received_datetime"},
		cursorFields:     []string{"call_last_updated_at"},
		pointStrategies:  standardPointStrategies(),
		requireLocation:  true,
		mapFields:        mapDispatch,
	},
	models.SourceIncidents: {
		naturalKeyFields: []string{"incident_id"},
		anchorFields:     []string{"incident_datetime", "report_datetime"},
		cursorFields:     []string{"report_datetime"},
		pointStrategies:  standardPointStrategies(),
		mapFields:        mapIncident,
	},
	models.SourceFire: {
		naturalKeyFields: []string{"incident_number"},
		anchorFields:     []string{"received_dttm"},
		cursorFields:     []string{"data_as_of"},
		pointStrategies:  standardPointStrategies(),
		mapFields:        mapFire,
	},
	models.SourceCases311: {
		naturalKeyFields: []string{"service_request_id"},
		anchorFields:     []string{"requested_datetime"},
		cursorFields:     []string{"updated_datetime", "data_as_of"},
		pointStrategies:  standardPointStrategies(),
		mapFields:        mapCase311,
	},
	models.SourceTraffic: {
		naturalKeyFields: []string{"unique_id"},
		anchorFields:     []string{"collision_datetime"},
		cursorFields:     []string{"data_as_of"},
		pointStrategies:  standardPointStrategies(),
		mapFields:        mapTraffic,
	},
}

func mapDispatch(raw map[string]any, rec *models.Record) {
	rec.CallType = getString(raw, "call_type_final_desc", "call_type_original_desc")
	rec.Priority = getString(raw, "priority_final", "priority_original", "priority")
	rec.Agency = getString(raw, "agency")
	rec.Address = getString(raw, "intersection_name", "address")
	rec.Neighborhood = getString(raw, "analysis_neighborhood")
	rec.District = getString(raw, "police_district")
	rec.Disposition = getString(raw, "disposition")
	rec.Status = getString(raw, "call_status")
	setDetail(rec, raw, "sensitive_call", "sensitive_call")
	setDetail(rec, raw, "onview_flag", "onview_flag")
}

func mapIncident(raw map[string]any, rec *models.Record) {
	rec.CallType = getString(raw, "incident_category")
	rec.Address = getString(raw, "intersection", "address")
	rec.Neighborhood = getString(raw, "analysis_neighborhood")
	rec.District = getString(raw, "police_district")
	rec.Disposition = getString(raw, "resolution")
	setDetail(rec, raw, "incident_number", "incident_number")
	setDetail(rec, raw, "subcategory", "incident_subcategory")
	setDetail(rec, raw, "description", "incident_description")
}

func mapFire(raw map[string]any, rec *models.Record) {
	rec.CallType = getString(raw, "call_type")
	rec.Priority = getString(raw, "final_priority", "original_priority")
	rec.Address = getString(raw, "address")
	rec.Neighborhood = getString(raw, "neighborhoods_analysis_boundaries", "analysis_neighborhood")
	rec.Disposition = getString(raw, "call_final_disposition")
	setDetail(rec, raw, "call_type_group", "call_type_group")
	setDetail(rec, raw, "unit_type", "unit_type")
	setDetail(rec, raw, "zipcode", "zipcode_of_incident")
}

func mapCase311(raw map[string]any, rec *models.Record) {
	rec.CallType = getString(raw, "service_name")
	rec.Agency = getString(raw, "agency_responsible")
	rec.Address = getString(raw, "address")
	rec.Neighborhood = getString(raw, "neighborhoods_sffind_boundaries", "neighborhood")
	rec.Status = getString(raw, "status_description")
	setDetail(rec, raw, "subtype", "service_subtype")
	setDetail(rec, raw, "details", "service_details")
	setDetail(rec, raw, "media_url", "media_url")
}

func mapTraffic(raw map[string]any, rec *models.Record) {
	rec.CallType = getString(raw, "type_of_collision", "collision_type")
	rec.Address = getString(raw, "primary_rd")
	rec.Neighborhood = getString(raw, "analysis_neighborhood")
	rec.District = getString(raw, "police_district")
	setDetail(rec, raw, "severity", "collision_severity")
	setDetail(rec, raw, "number_killed", "number_killed")
	setDetail(rec, raw, "number_injured", "number_injured")
	setDetail(rec, raw, "secondary_rd", "secondary_rd")
	setDetail(rec, raw, "weather", "weather_1")
}
