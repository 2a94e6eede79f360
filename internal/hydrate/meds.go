package hydrate

import (
	"context"
	"encoding/json"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

// DownloadMedications resolves a MedicationRequest's medicationReference
// into its Medication resource. Requests that already carry an inline
// medicationCodeableConcept instead of a reference are left alone.
func DownloadMedications(ctx context.Context, client *fhir.Client, pool *IDPool, resource json.RawMessage) []Result {
	var request struct {
		MedicationReference struct {
			Reference string `json:"reference"`
		} `json:"medicationReference"`
	}
	if err := json.Unmarshal(resource, &request); err != nil {
		return nil
	}
	return []Result{DownloadReference(ctx, client, pool, request.MedicationReference.Reference, resources.Medication)}
}
