package hydrate

import (
	"context"
	"encoding/json"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

// DownloadObservationMembers resolves an Observation's hasMember
// references, recursing into any newly-downloaded member's own hasMember
// list so a panel-of-panels resolves all the way down.
func DownloadObservationMembers(ctx context.Context, client *fhir.Client, pool *IDPool, resource json.RawMessage) []Result {
	var obs struct {
		HasMember []struct {
			Reference string `json:"reference"`
		} `json:"hasMember"`
	}
	if err := json.Unmarshal(resource, &obs); err != nil {
		return nil
	}

	var results []Result
	for _, member := range obs.HasMember {
		result := DownloadReference(ctx, client, pool, member.Reference, resources.Observation)
		results = append(results, result)
		if result.Reason == NewlyDone {
			results = append(results, DownloadObservationMembers(ctx, client, pool, result.Resource)...)
		}
	}
	return results
}

// DownloadDiagnosticReportResults resolves a DiagnosticReport's result
// references into their Observation resources.
func DownloadDiagnosticReportResults(ctx context.Context, client *fhir.Client, pool *IDPool, resource json.RawMessage) []Result {
	var report struct {
		Result []struct {
			Reference string `json:"reference"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resource, &report); err != nil {
		return nil
	}

	results := make([]Result, 0, len(report.Result))
	for _, ref := range report.Result {
		results = append(results, DownloadReference(ctx, client, pool, ref.Reference, resources.Observation))
	}
	return results
}
