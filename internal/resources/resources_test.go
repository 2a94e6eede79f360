package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCreatedDate(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"AllergyIntolerance", `{"resourceType":"AllergyIntolerance","recordedDate":"2020-01-01"}`, "2020-01-01"},
		{"DiagnosticReport", `{"resourceType":"DiagnosticReport","issued":"2020-02-02"}`, "2020-02-02"},
		{"EncounterStart", `{"resourceType":"Encounter","period":{"start":"2020-03-01","end":"2020-03-02"}}`, "2020-03-01"},
		{"EncounterEndOnly", `{"resourceType":"Encounter","period":{"end":"2020-03-02"}}`, "2020-03-02"},
		{"ObservationEffectiveDateTime", `{"resourceType":"Observation","effectiveDateTime":"2020-04-01"}`, "2020-04-01"},
		{"ObservationEffectivePeriod", `{"resourceType":"Observation","effectivePeriod":{"start":"2020-04-02"}}`, "2020-04-02"},
		{"ProcedurePerformedDateTime", `{"resourceType":"Procedure","performedDateTime":"2020-05-01"}`, "2020-05-01"},
		{"ServiceRequest", `{"resourceType":"ServiceRequest","authoredOn":"2020-06-01"}`, "2020-06-01"},
		{"Device has no created date", `{"resourceType":"Device"}`, ""},
		{"Patient has no created date", `{"resourceType":"Patient"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetCreatedDate([]byte(tt.json)))
		})
	}
}

func TestGetUpdatedDate(t *testing.T) {
	assert.Equal(t, "2020-01-01T00:00:00Z", GetUpdatedDate([]byte(`{"meta":{"lastUpdated":"2020-01-01T00:00:00Z"}}`)))
	assert.Equal(t, "", GetUpdatedDate([]byte(`{}`)))
}

func TestPatientTypesOrdering(t *testing.T) {
	assert.Equal(t, Patient, PatientTypes[0])
	assert.Equal(t, Encounter, PatientTypes[1])
}

func TestScopeTypesIncludesHydrationTargets(t *testing.T) {
	assert.True(t, ScopeTypes[Binary])
	assert.True(t, ScopeTypes[Medication])
	assert.True(t, ScopeTypes[Patient])
}
