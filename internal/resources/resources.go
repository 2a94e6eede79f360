// Package resources holds the closed set of resource-type facts the
// extraction pipeline needs: which types belong to a patient's record, which
// search field stands in for "when was this record created", and how to pull
// that value (or the update watermark) back out of a raw resource.
package resources

import (
	"encoding/json"
)

// The handful of resource type names referenced by name elsewhere in this
// module, kept as constants so a typo doesn't silently create a new type.
const (
	AllergyIntolerance = "AllergyIntolerance"
	Binary             = "Binary"
	Bundle             = "Bundle"
	Condition          = "Condition"
	Device             = "Device"
	DiagnosticReport   = "DiagnosticReport"
	DocumentReference  = "DocumentReference"
	Encounter          = "Encounter"
	Immunization       = "Immunization"
	Location           = "Location"
	Medication         = "Medication"
	MedicationRequest  = "MedicationRequest"
	Observation        = "Observation"
	OperationOutcome   = "OperationOutcome"
	Organization       = "Organization"
	Patient            = "Patient"
	Practitioner       = "Practitioner"
	PractitionerRole   = "PractitionerRole"
	Procedure          = "Procedure"
	ServiceRequest     = "ServiceRequest"
)

// PatientTypes lists every resource type linked to a patient's record, in
// the order a crawl or hydration pass prefers to process them: Patient
// first, then Encounter, then everything else.
var PatientTypes = []string{
	Patient,
	Encounter,
	AllergyIntolerance,
	Condition,
	Device,
	DiagnosticReport,
	DocumentReference,
	Immunization,
	MedicationRequest,
	Observation,
	Procedure,
	ServiceRequest,
}

// ScopeTypes is PatientTypes plus the resource types that only ever show up
// as a reference target of a hydration task (Binary attachments, Medication
// referenced from MedicationRequest, and the Location/Organization/
// Practitioner/PractitionerRole graph referenced from nearly everything
// else) rather than as a top-level crawl/bulk target.
var ScopeTypes = func() map[string]bool {
	extra := []string{Binary, Medication, Location, Organization, Practitioner, PractitionerRole}
	m := make(map[string]bool, len(PatientTypes)+len(extra))
	for _, t := range PatientTypes {
		m[t] = true
	}
	for _, t := range extra {
		m[t] = true
	}
	return m
}()

// CreatedSearchFields maps a resource type to the FHIR search parameter that
// best approximates "when was this record created" (the administrative
// date), as opposed to "when did the clinical event happen". Device and
// Patient have no such field and are intentionally absent. Keep this in
// sync with GetCreatedDate below: the search parameter used here and the
// JSON field read there must describe the same point in time.
var CreatedSearchFields = map[string]string{
	AllergyIntolerance: "date",
	Condition:          "recorded-date",
	DiagnosticReport:   "issued",
	DocumentReference:  "date",
	Encounter:          "date",
	Immunization:       "date",
	MedicationRequest:  "authoredon",
	Observation:        "date",
	Procedure:          "date",
	ServiceRequest:     "authored",
}

type rawResource struct {
	ResourceType string `json:"resourceType"`
	RecordedDate string `json:"recordedDate"`
	Issued       string `json:"issued"`
	Date         string `json:"date"`
	Period       struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"period"`
	OccurrenceDateTime string `json:"occurrenceDateTime"`
	AuthoredOn         string `json:"authoredOn"`
	EffectiveDateTime  string `json:"effectiveDateTime"`
	EffectiveInstant   string `json:"effectiveInstant"`
	EffectivePeriod    struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"effectivePeriod"`
	PerformedDateTime string `json:"performedDateTime"`
	PerformedPeriod   struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"performedPeriod"`
	Meta struct {
		LastUpdated string `json:"lastUpdated"`
	} `json:"meta"`
}

// GetCreatedDate extracts the administrative "created" timestamp from a raw
// resource JSON document, using the field appropriate to its resourceType.
// It returns "" if the resource's type has no created-date equivalent, or
// the type-specific field is absent.
func GetCreatedDate(resourceJSON []byte) string {
	var r rawResource
	if err := json.Unmarshal(resourceJSON, &r); err != nil {
		return ""
	}
	if _, ok := CreatedSearchFields[r.ResourceType]; !ok {
		return ""
	}

	switch r.ResourceType {
	case AllergyIntolerance, Condition:
		return r.RecordedDate
	case DiagnosticReport:
		return r.Issued
	case DocumentReference:
		return r.Date
	case Encounter:
		if r.Period.Start != "" {
			return r.Period.Start
		}
		return r.Period.End
	case Immunization:
		return r.OccurrenceDateTime
	case MedicationRequest, ServiceRequest:
		return r.AuthoredOn
	case Observation:
		switch {
		case r.EffectiveDateTime != "":
			return r.EffectiveDateTime
		case r.EffectiveInstant != "":
			return r.EffectiveInstant
		case r.EffectivePeriod.Start != "":
			return r.EffectivePeriod.Start
		default:
			return r.EffectivePeriod.End
		}
	case Procedure:
		switch {
		case r.PerformedDateTime != "":
			return r.PerformedDateTime
		case r.PerformedPeriod.Start != "":
			return r.PerformedPeriod.Start
		default:
			return r.PerformedPeriod.End
		}
	}
	return ""
}

// GetUpdatedDate extracts meta.lastUpdated, the field that underlies the
// server's native "_lastUpdated"/"since" search semantics.
func GetUpdatedDate(resourceJSON []byte) string {
	var r rawResource
	if err := json.Unmarshal(resourceJSON, &r); err != nil {
		return ""
	}
	return r.Meta.LastUpdated
}
