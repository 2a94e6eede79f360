package hydrate

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

// DefaultInlineMimetypes is the attachment content-type allowlist applied
// when no --mimetypes override is given.
var DefaultInlineMimetypes = map[string]bool{
	"text/plain":            true,
	"text/html":             true,
	"application/xhtml+xml": true,
}

// ParseMimetypes splits a comma-separated --mimetypes flag value into a
// set, falling back to DefaultInlineMimetypes when raw is empty.
func ParseMimetypes(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return DefaultInlineMimetypes
	}
	set := map[string]bool{}
	for _, m := range strings.Split(raw, ",") {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			set[m] = true
		}
	}
	return set
}

// InlineAttachments returns a Callback that inlines DiagnosticReport
// presentedForm and DocumentReference content[].attachment entries whose
// contentType is in mimetypes, fetching each attachment's bytes and
// embedding them as base64 data with a SHA-1 hash. Resources with no
// eligible attachment are passed back unchanged so the rewrite-in-place
// task still preserves every line of its input file.
func InlineAttachments(mimetypes map[string]bool) Callback {
	return func(ctx context.Context, client *fhir.Client, pool *IDPool, resource json.RawMessage) []Result {
		var doc map[string]any
		if err := json.Unmarshal(resource, &doc); err != nil {
			return []Result{{Resource: resource, Reason: Ignored}}
		}

		attachments := findAttachments(doc)
		if len(attachments) == 0 {
			return []Result{{Resource: resource, Reason: Ignored}}
		}

		results := make([]Result, len(attachments))
		for i, attachment := range attachments {
			results[i] = Result{Reason: inlineOne(ctx, client, mimetypes, attachment)}
		}

		rewritten, err := json.Marshal(doc)
		if err != nil {
			return []Result{{Reason: FatalError}}
		}
		results[0].Resource = rewritten
		return results
	}
}

func findAttachments(doc map[string]any) []map[string]any {
	var attachments []map[string]any
	switch doc["resourceType"] {
	case resources.DiagnosticReport:
		forms, _ := doc["presentedForm"].([]any)
		for _, f := range forms {
			if m, ok := f.(map[string]any); ok {
				attachments = append(attachments, m)
			}
		}
	case resources.DocumentReference:
		contents, _ := doc["content"].([]any)
		for _, c := range contents {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if a, ok := cm["attachment"].(map[string]any); ok {
				attachments = append(attachments, a)
			}
		}
	}
	return attachments
}

func inlineOne(ctx context.Context, client *fhir.Client, mimetypes map[string]bool, attachment map[string]any) Reason {
	rawContentType, _ := attachment["contentType"].(string)
	if rawContentType == "" {
		return Ignored
	}
	mimetype, _ := parseContentType(rawContentType)
	if !mimetypes[mimetype] {
		return Ignored
	}
	if _, hasData := attachment["data"]; hasData {
		return AlreadyDone
	}
	url, _ := attachment["url"].(string)
	if url == "" {
		return Ignored
	}

	resp, err := client.RequestWithRetry(ctx, func() (*http.Request, error) {
		return client.NewAttachmentRequest(url, mimetype)
	}, fhir.RetryOptions{})
	if err != nil {
		return RetryError
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RetryError
	}
	if resp.StatusCode >= 300 {
		return FatalError
	}

	responseType, charset := parseContentType(resp.Header.Get("Content-Type"))
	if responseType != "" && responseType != mimetype {
		return FatalError
	}

	hash := sha1.Sum(body)
	attachment["data"] = base64.StdEncoding.EncodeToString(body)
	if charset != "" {
		attachment["contentType"] = fmt.Sprintf("%s; charset=%s", mimetype, charset)
	} else {
		attachment["contentType"] = mimetype
	}
	attachment["size"] = len(body)
	attachment["hash"] = "sha1:" + base64.StdEncoding.EncodeToString(hash[:])

	return NewlyDone
}

func parseContentType(raw string) (mimetype string, charset string) {
	t, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw)), ""
	}
	return strings.ToLower(t), params["charset"]
}
