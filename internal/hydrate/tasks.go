// Package hydrate implements C7: filling in data a plain crawl/bulk export
// leaves as bare references — inlining text attachments, and
// downloading the Medication/Observation resources a MedicationRequest,
// Observation panel, or DiagnosticReport only points at by reference.
package hydrate

import (
	"context"
	"encoding/json"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

// Reason classifies the outcome of examining one hydration candidate
// (a resource, or one reference/attachment found inside it).
type Reason int

const (
	Ignored Reason = iota
	AlreadyDone
	NewlyDone
	FatalError
	RetryError
)

// Result pairs an optional produced or rewritten resource with the reason
// it was (or wasn't) produced. Resource is nil for Ignored/AlreadyDone
// results that didn't need to write anything.
type Result struct {
	Resource json.RawMessage
	Reason   Reason
}

// Callback examines one input resource and returns zero or more results: a
// DiagnosticReport can reference several result Observations, and an
// inlined resource returns one result per attachment plus the rewritten
// resource itself on the first entry.
type Callback func(ctx context.Context, client *fhir.Client, pool *IDPool, resource json.RawMessage) []Result

// Task names one hydration step: read InputType resources from the most
// recent export subfolder and run Run over each one. When OutputType
// equals InputType and FileSlug is empty, the task rewrites its input
// files in place (e.g. inlining attachments); otherwise its results are
// appended to a dedicated "<OutputType>.<FileSlug-or-Name>.ndjson" file.
type Task struct {
	Name       string
	InputType  string
	OutputType string
	FileSlug   string
	Run        Callback
}

// AllTasks returns every hydration task this pipeline knows, grounded
// one-to-one on the corresponding extraction tool's task registry.
func AllTasks(mimetypes map[string]bool) []Task {
	inline := InlineAttachments(mimetypes)
	tasks := []Task{
		{Name: "doc-inline", InputType: resources.DocumentReference, OutputType: resources.DocumentReference, Run: inline},
		{Name: "dxr-inline", InputType: resources.DiagnosticReport, OutputType: resources.DiagnosticReport, Run: inline},
		{Name: "dxr-results", InputType: resources.DiagnosticReport, OutputType: resources.Observation, FileSlug: "results", Run: DownloadDiagnosticReportResults},
		{Name: "meds", InputType: resources.MedicationRequest, OutputType: resources.Medication, Run: DownloadMedications},
		{Name: "obs-members", InputType: resources.Observation, OutputType: resources.Observation, FileSlug: "members", Run: DownloadObservationMembers},
	}
	tasks = append(tasks, LocationTasks()...)
	tasks = append(tasks, OrganizationTasks()...)
	tasks = append(tasks, PractitionerTasks()...)
	return tasks
}
