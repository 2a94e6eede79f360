package hydrate

import "github.com/samply/fhirharvest/internal/resources"

// referenceTask builds a Task whose Callback resolves every reference found
// along refs (see extractReferences) into an outputType resource, sharing
// the "referenced" output file with every other task producing the same
// outputType.
func referenceTask(name, inputType, outputType string, refs ...string) Task {
	return Task{
		Name:       name,
		InputType:  inputType,
		OutputType: outputType,
		FileSlug:   "referenced",
		Run:        downloadReferenced(outputType, refs),
	}
}

// LocationTasks resolves the Location reached by reference from every
// resource type that can point at one, plus Location.partOf for a Location
// referencing its own parent.
func LocationTasks() []Task {
	return []Task{
		referenceTask("dev-loc", resources.Device, resources.Location, "location"),
		referenceTask("dxr-loc", resources.DiagnosticReport, resources.Location, "subject"),
		referenceTask("enc-loc", resources.Encounter, resources.Location,
			"hospitalization.origin", "hospitalization.destination", "location*.location"),
		referenceTask("imm-loc", resources.Immunization, resources.Location, "location"),
		referenceTask("obs-loc", resources.Observation, resources.Location, "subject"),
		referenceTask("practrole-loc", resources.PractitionerRole, resources.Location, "location*"),
		referenceTask("proc-loc", resources.Procedure, resources.Location, "location"),
		referenceTask("servreq-loc", resources.ServiceRequest, resources.Location, "subject", "locationReference*"),
		referenceTask("loc-loc", resources.Location, resources.Location, "partOf"),
	}
}
