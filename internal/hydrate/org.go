package hydrate

import (
	"context"
	"encoding/json"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

// downloadReferenced returns a Callback that, for one input resource, walks
// every path in refs and resolves each reference string it finds into an
// outputType resource.
func downloadReferenced(outputType string, refs []string) Callback {
	return func(ctx context.Context, client *fhir.Client, pool *IDPool, resource json.RawMessage) []Result {
		var doc map[string]any
		if err := json.Unmarshal(resource, &doc); err != nil {
			return nil
		}

		var results []Result
		for _, path := range refs {
			for _, ref := range extractReferences(doc, path) {
				results = append(results, DownloadReference(ctx, client, pool, ref, outputType))
			}
		}
		return results
	}
}

// OrganizationTasks resolves the Organization reached by reference from
// every resource type that can point at one, plus Organization.partOf for
// an Organization referencing its own parent.
func OrganizationTasks() []Task {
	return []Task{
		referenceTask("dev-org", resources.Device, resources.Organization, "owner"),
		referenceTask("dxr-org", resources.DiagnosticReport, resources.Organization, "performer*", "resultsInterpreter*"),
		referenceTask("doc-org", resources.DocumentReference, resources.Organization, "author*", "authenticator", "custodian"),
		referenceTask("enc-org", resources.Encounter, resources.Organization,
			"hospitalization.origin", "hospitalization.destination", "serviceProvider"),
		referenceTask("imm-org", resources.Immunization, resources.Organization,
			"manufacturer", "performer*.actor", "protocolApplied*.authority"),
		referenceTask("loc-org", resources.Location, resources.Organization, "managingOrganization"),
		referenceTask("medreq-org", resources.MedicationRequest, resources.Organization,
			"reportedReference", "requester", "performer", "dispenseRequest.performer"),
		referenceTask("obs-org", resources.Observation, resources.Organization, "performer*"),
		referenceTask("pat-org", resources.Patient, resources.Organization,
			"contact*.organization", "generalPractitioner*", "managingOrganization"),
		referenceTask("pract-org", resources.Practitioner, resources.Organization, "qualification*.issuer"),
		referenceTask("practrole-org", resources.PractitionerRole, resources.Organization, "organization"),
		referenceTask("proc-org", resources.Procedure, resources.Organization, "performer*.actor", "performer*.onBehalfOf"),
		referenceTask("servreq-org", resources.ServiceRequest, resources.Organization, "requester", "performer*"),
		referenceTask("org-org", resources.Organization, resources.Organization, "partOf"),
	}
}
