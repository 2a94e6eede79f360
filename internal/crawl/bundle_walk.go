// Package crawl implements C6: acquiring a patient cohort and pulling every
// other requested resource type one patient search at a time, as the
// fallback for servers whose Bulk Data Export support is missing, slow, or
// untrustworthy.
package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

// Yield receives one resource's raw JSON as Walk pages through a search
// result, tagged with its resourceType (normally the type being searched
// for, but OperationOutcome for a synthesized or inline error).
type Yield func(resourceType string, raw json.RawMessage) error

// Walk performs a GET against searchURL and follows Bundle.link[rel=next]
// until exhausted, delivering every entry's resource to yield. A network
// failure or non-2xx response does not propagate as an error out of Walk:
// it is turned into a synthetic OperationOutcome and delivered to yield
// like any other resource, so that one patient's failed search doesn't
// abort the whole crawl. Only a failure returned by yield itself (e.g. a
// disk write error) stops the walk and is propagated to the caller.
func Walk(ctx context.Context, client *fhir.Client, searchURL string, yield Yield) error {
	nextURL := searchURL

	for nextURL != "" {
		if err := ctx.Err(); err != nil {
			return err
		}

		url := nextURL
		resp, err := client.RequestWithRetry(ctx, func() (*http.Request, error) {
			return client.NewPaginatedRequest(url)
		}, fhir.RetryOptions{})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return yield(resources.OperationOutcome, syntheticOutcome(err.Error()))
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return yield(resources.OperationOutcome, syntheticOutcome(readErr.Error()))
		}

		if resp.StatusCode >= 300 {
			return yield(resources.OperationOutcome, outcomeFromErrorBody(body, resp.StatusCode, url))
		}

		page := struct {
			ResourceType string          `json:"resourceType"`
			Entry        json.RawMessage `json:"entry,omitempty"`
			Link         []fm.BundleLink `json:"link,omitempty"`
		}{}
		if err := json.Unmarshal(body, &page); err != nil {
			return yield(resources.OperationOutcome, syntheticOutcome(err.Error()))
		}
		if page.ResourceType != resources.Bundle {
			return nil
		}

		var entries []fm.BundleEntry
		if len(page.Entry) > 0 {
			if err := json.Unmarshal(page.Entry, &entries); err != nil {
				return yield(resources.OperationOutcome, syntheticOutcome(err.Error()))
			}
		}

		for _, entry := range entries {
			if len(entry.Resource) == 0 {
				continue
			}
			if err := yield(resourceTypeOf(entry.Resource), entry.Resource); err != nil {
				return err
			}
		}

		nextURL = ""
		for _, link := range page.Link {
			if link.Relation == "next" && link.Url != "" {
				nextURL = link.Url
				break
			}
		}
	}

	return nil
}

func resourceTypeOf(raw json.RawMessage) string {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ResourceType
}

// outcomeFromErrorBody prefers forwarding a server-supplied OperationOutcome
// as-is, falling back to a synthesized one describing the HTTP status.
func outcomeFromErrorBody(body []byte, statusCode int, requestURL string) json.RawMessage {
	if resourceTypeOf(body) == resources.OperationOutcome {
		return json.RawMessage(body)
	}
	return syntheticOutcome(fmt.Sprintf("request to %s returned status %d", requestURL, statusCode))
}

func syntheticOutcome(message string) json.RawMessage {
	outcome := fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{{
			Severity:    fm.IssueSeverityError,
			Code:        fm.IssueTypeException,
			Diagnostics: &message,
		}},
	}
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"exception","diagnostics":%q}]}`, message))
	}
	return encoded
}
