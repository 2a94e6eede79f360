package hydrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/crawl"
	"github.com/samply/fhirharvest/internal/resources"
)

// practitionerPair builds the Practitioner and PractitionerRole tasks that
// share one reference path set: most of the pack's Practitioner tasks have
// an identical PractitionerRole twin differing only in OutputType.
func practitionerPair(pair string, inputType string, refs ...string) []Task {
	return []Task{
		referenceTask(pair+"-pract", inputType, resources.Practitioner, refs...),
		referenceTask(pair+"-practrole", inputType, resources.PractitionerRole, refs...),
	}
}

// PractitionerTasks resolves the Practitioner and PractitionerRole reached
// by reference from every resource type that can point at one, plus two
// tasks that complete the Practitioner<->PractitionerRole graph itself:
// PractitionerRole.practitioner is a plain reference download, while the
// reverse direction has no reference to follow on servers that never link
// a Role back from its Practitioner, so it instead searches
// "PractitionerRole?practitioner=ID" for every known Practitioner.
func PractitionerTasks() []Task {
	var tasks []Task
	tasks = append(tasks, practitionerPair("allergy", resources.AllergyIntolerance, "recorder", "asserter")...)
	tasks = append(tasks, practitionerPair("cond", resources.Condition, "recorder", "asserter")...)
	tasks = append(tasks, practitionerPair("dxr", resources.DiagnosticReport, "performer*", "resultsInterpreter*")...)
	tasks = append(tasks, practitionerPair("doc", resources.DocumentReference, "subject", "author*", "authenticator")...)
	tasks = append(tasks, practitionerPair("enc", resources.Encounter, "participant*.individual")...)
	tasks = append(tasks, practitionerPair("imm", resources.Immunization, "performer*.actor")...)
	tasks = append(tasks, practitionerPair("medreq", resources.MedicationRequest,
		"reportedReference", "requester", "performer", "recorder")...)
	tasks = append(tasks, practitionerPair("obs", resources.Observation, "performer*")...)
	tasks = append(tasks, practitionerPair("pat", resources.Patient, "generalPractitioner*")...)
	tasks = append(tasks, practitionerPair("procedure", resources.Procedure, "recorder", "asserter", "performer*.actor")...)
	tasks = append(tasks, practitionerPair("servreq", resources.ServiceRequest, "requester", "performer*")...)

	tasks = append(tasks,
		referenceTask("practrole-pract", resources.PractitionerRole, resources.Practitioner, "practitioner"),
		practitionerRoleSearchTask(),
	)
	return tasks
}

// practitionerRoleSearchTask returns the Practitioner -> PractitionerRole
// task that searches the server directly instead of following a reference,
// for servers (Epic chief among them) that never link a Role back from its
// Practitioner. Its output goes to a dedicated "searched" file rather than
// the "referenced" file every other task here shares, so a re-run can tell
// a Role found this way apart from one some other resource merely pointed
// at.
func practitionerRoleSearchTask() Task {
	return Task{
		Name:       "pract-practrole",
		InputType:  resources.Practitioner,
		OutputType: resources.PractitionerRole,
		FileSlug:   "searched",
		Run:        searchPractitionerRoles,
	}
}

func searchPractitionerRoles(ctx context.Context, client *fhir.Client, pool *IDPool, resource json.RawMessage) []Result {
	var practitioner struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resource, &practitioner); err != nil || practitioner.ID == "" {
		return nil
	}

	base := client.BaseURL()
	searchURL := base.JoinPath(resources.PractitionerRole)
	searchURL.RawQuery = "practitioner=" + practitioner.ID

	var results []Result
	err := crawl.Walk(ctx, client, searchURL.String(), func(resourceType string, raw json.RawMessage) error {
		if resourceType != resources.PractitionerRole {
			results = append(results, Result{Reason: FatalError})
			return nil
		}

		var role struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &role); err != nil || role.ID == "" {
			results = append(results, Result{Reason: FatalError})
			return nil
		}

		key := fmt.Sprintf("%s/%s", resources.PractitionerRole, role.ID)
		if pool.Has(key) {
			results = append(results, Result{Reason: AlreadyDone})
			return nil
		}
		pool.Add(key)
		results = append(results, Result{Resource: raw, Reason: NewlyDone})
		return nil
	})
	if err != nil {
		return []Result{{Reason: RetryError}}
	}
	return results
}
