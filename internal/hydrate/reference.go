package hydrate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/samply/fhirharvest/fhir"
)

// DownloadReference resolves a FHIR reference string (e.g. "Medication/123")
// of expectedType into its resource. A reference that's absent, contained
// (starts with "#"), or of a different type than expectedType is not an
// error, it's simply Ignored; one already present in pool is AlreadyDone. A
// fetch that succeeds but comes back as the wrong resourceType (most often
// an OperationOutcome) is fatal rather than retryable, since retrying won't
// change what the server sends back.
func DownloadReference(ctx context.Context, client *fhir.Client, pool *IDPool, reference string, expectedType string) Result {
	if reference == "" || strings.HasPrefix(reference, "#") {
		return Result{Reason: Ignored}
	}
	if !strings.HasPrefix(reference, expectedType+"/") {
		return Result{Reason: Ignored}
	}
	if pool.Has(reference) {
		return Result{Reason: AlreadyDone}
	}

	resp, err := client.RequestWithRetry(ctx, func() (*http.Request, error) {
		return client.NewReferenceRequest(reference)
	}, fhir.RetryOptions{})
	if err != nil {
		return Result{Reason: RetryError}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Reason: RetryError}
	}
	if resp.StatusCode >= 300 {
		return Result{Reason: FatalError}
	}

	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.ResourceType != expectedType {
		return Result{Reason: FatalError}
	}

	pool.Add(reference)
	return Result{Resource: json.RawMessage(body), Reason: NewlyDone}
}
