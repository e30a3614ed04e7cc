// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package chronicle forwards normalized records into the secondary
// historical store as kind-tagged temporal facts. The write path is
// best-effort: a failure here never fails the sync run that produced the
// records.
package chronicle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfiesch/SFCrime/internal/models"
	"github.com/wolfiesch/SFCrime/internal/soda"
)

// Fact kind codes.
const (
	KindDispatchCall   = "dispatch_call"
	KindPoliceIncident = "police_incident"
	KindFireCall       = "fire_call"
	KindEMSCall        = "ems_call"
	KindStructureFire  = "structure_fire"
	KindCase311        = "311_case"
	KindTrafficCrash   = "traffic_crash"
	KindFatalCrash     = "fatal_crash"
)

// Significance labels. Facts default to neighborhood significance; fatal
// crashes are city-significant.
const (
	SignificanceNeighborhood = "neighborhood"
	SignificanceCity         = "city"
)

// categoryRule is one entry of the ordered keyword table. The first rule
// whose keyword appears in the classification text wins. The labels are
// heuristic, not authoritative classification.
type categoryRule struct {
	keywords []string
	category string
}

var crimeCategoryRules = []categoryRule{
	{[]string{"assault", "battery", "robbery", "weapon", "shooting"}, "violent_crime"},
	{[]string{"theft", "burglary", "larceny", "stolen", "shoplifting"}, "property_crime"},
	{[]string{"drug", "narcotic"}, "drug_offense"},
	{[]string{"vandalism", "graffiti"}, "vandalism"},
}

var case311CategoryRules = []categoryRule{
	{[]string{"cleaning", "graffiti"}, "cleanliness"},
	{[]string{"pothole", "curb", "sidewalk", "street defect"}, "infrastructure"},
	{[]string{"homeless", "encampment"}, "homelessness"},
	{[]string{"noise"}, "noise"},
	{[]string{"tree", "landscap"}, "greenery"},
}

// MapRecord maps one normalized record into its fact form. Returns nil for
// sources that have no fact mapping.
func MapRecord(rec *models.Record) *models.Fact {
	switch rec.Source {
	case models.SourceDispatch:
		return mapDispatch(rec)
	case models.SourceIncidents:
		return mapIncident(rec)
	case models.SourceFire:
		return mapFire(rec)
	case models.SourceCases311:
		return mapCase311(rec)
	case models.SourceTraffic:
		return mapTraffic(rec)
	default:
		return nil
	}
}

// MapRecords maps a batch, skipping unmappable records.
func MapRecords(records []*models.Record) []*models.Fact {
	facts := make([]*models.Fact, 0, len(records))
	for _, rec := range records {
		if fact := MapRecord(rec); fact != nil {
			facts = append(facts, fact)
		}
	}
	return facts
}

func mapDispatch(rec *models.Record) *models.Fact {
	fact := baseFact(rec, KindDispatchCall)
	fact.Title = titleOr(rec.CallType, "Dispatch Call")
	fact.Description = joinParts(
		part("Call Type", rec.CallType),
		part("Priority", rec.Priority),
		part("Agency", rec.Agency),
		part("Disposition", rec.Disposition),
	)
	fact.Categories = appendCategory([]string{"public_safety"}, crimeCategoryRules, rec.CallType)
	return fact
}

func mapIncident(rec *models.Record) *models.Fact {
	fact := baseFact(rec, KindPoliceIncident)
	fact.Title = titleOr(rec.CallType, "Police Incident")
	fact.Description = joinParts(
		part("Category", rec.CallType),
		part("Subcategory", rec.Detail("subcategory")),
		part("Description", rec.Detail("description")),
		part("Resolution", rec.Disposition),
	)
	classText := rec.CallType + " " + rec.Detail("description")
	fact.Categories = appendCategory([]string{"crime"}, crimeCategoryRules, classText)
	return fact
}

func mapFire(rec *models.Record) *models.Fact {
	kind := KindFireCall
	callType := strings.ToLower(rec.CallType)
	switch {
	case strings.Contains(callType, "medical"):
		kind = KindEMSCall
	case strings.Contains(callType, "structure fire"):
		kind = KindStructureFire
	}

	fact := baseFact(rec, kind)
	fact.Title = titleOr(rec.CallType, "Fire Department Call")
	fact.Description = joinParts(
		part("Call Type", rec.CallType),
		part("Call Group", rec.Detail("call_type_group")),
		part("Priority", rec.Priority),
		part("Disposition", rec.Disposition),
	)
	fact.Categories = []string{"emergency_response"}
	return fact
}

func mapCase311(rec *models.Record) *models.Fact {
	fact := baseFact(rec, KindCase311)
	fact.Title = titleOr(rec.CallType, "311 Case")
	fact.Description = joinParts(
		part("Service", rec.CallType),
		part("Subtype", rec.Detail("subtype")),
		part("Agency", rec.Agency),
		part("Status", rec.Status),
	)
	classText := rec.CallType + " " + rec.Detail("subtype")
	fact.Categories = appendCategory([]string{"city_services"}, case311CategoryRules, classText)
	return fact
}

func mapTraffic(rec *models.Record) *models.Fact {
	kind := KindTrafficCrash
	significance := SignificanceNeighborhood
	killed, _ := strconv.Atoi(rec.Detail("number_killed"))
	if killed > 0 || strings.Contains(strings.ToLower(rec.Detail("severity")), "fatal") {
		kind = KindFatalCrash
		significance = SignificanceCity
	}

	fact := baseFact(rec, kind)
	fact.Significance = significance
	fact.Title = titleOr(rec.CallType, "Traffic Crash")
	fact.Description = joinParts(
		part("Collision Type", rec.CallType),
		part("Severity", rec.Detail("severity")),
		part("Killed", rec.Detail("number_killed")),
		part("Injured", rec.Detail("number_injured")),
		part("Location", rec.Address),
	)
	fact.Categories = []string{"traffic_safety"}
	return fact
}

// baseFact fills the fields shared by every kind. The validity interval is
// half-open [anchor date, anchor date + 1 day): point-in-time events get a
// one-day interval rather than an unbounded one.
func baseFact(rec *models.Record, kind string) *models.Fact {
	y, m, d := rec.ReceivedAt.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	fact := &models.Fact{
		KindCode:     kind,
		ExternalID:   rec.NaturalKey,
		ValidFrom:    from,
		ValidTo:      from.AddDate(0, 0, 1),
		Significance: SignificanceNeighborhood,
		Address:      rec.Address,
		Neighborhood: resolveNeighborhood(rec),
		DateDisplay:  rec.ReceivedAt.Format("January 2, 2006"),
		Coordinates:  rec.Location,
	}
	if ds, ok := soda.Datasets[rec.Source]; ok {
		fact.Sources = []models.FactSource{{
			Name:    "DataSF",
			URL:     soda.DatasetURL(ds.ID),
			Dataset: ds.ID,
		}}
	}
	return fact
}

// districtNeighborhoods maps police district names to neighborhood slugs,
// used when a record carries a district but no neighborhood label.
var districtNeighborhoods = map[string]string{
	"BAYVIEW":    "bayview-hunters-point",
	"CENTRAL":    "chinatown",
	"INGLESIDE":  "bernal-heights",
	"MISSION":    "mission",
	"NORTHERN":   "western-addition",
	"PARK":       "haight-ashbury",
	"RICHMOND":   "inner-richmond",
	"SOUTHERN":   "south-of-market",
	"TARAVAL":    "sunset-parkside",
	"TENDERLOIN": "tenderloin",
}

func resolveNeighborhood(rec *models.Record) string {
	if rec.Neighborhood != "" {
		return normalizeNeighborhood(rec.Neighborhood)
	}
	if slug, ok := districtNeighborhoods[strings.ToUpper(rec.District)]; ok {
		return slug
	}
	return ""
}

// normalizeNeighborhood slugifies a neighborhood label: lowercase, spaces
// and slashes to dashes, apostrophes and periods stripped.
func normalizeNeighborhood(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.Join(strings.Fields(s), "-")
	return s
}

func joinParts(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " | ")
}

func part(label, value string) string {
	if value == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", label, value)
}

func titleOr(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}

// appendCategory applies the ordered rule table to the classification text;
// the first matching rule's category is appended to base.
func appendCategory(base []string, rules []categoryRule, classText string) []string {
	text := strings.ToLower(classText)
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return append(base, rule.category)
			}
		}
	}
	return base
}
