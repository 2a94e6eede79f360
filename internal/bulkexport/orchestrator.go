// Package bulkexport implements C5: driving a FHIR Bulk Data Export
// (kickoff -> poll -> manifest -> download -> delete) against a single
// Group or system-level export endpoint, resuming from a previously
// recorded poll URL when one is available.
package bulkexport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/metadata"
	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/util"
)

// DefaultPollTimeout is the cumulative time this exporter is willing to
// keep polling a single export before giving up; Epic deployments have
// been observed taking multi-week turnarounds.
const DefaultPollTimeout = 30 * 24 * time.Hour

// maxRetryAfter caps how long a single 202 poll response is allowed to push
// the next poll out to, regardless of what the server's Retry-After header
// requests.
const maxRetryAfter = 5 * time.Minute

// defaultPollDelay is used when a 202 poll response carries no Retry-After
// header at all.
const defaultPollDelay = 60 * time.Second

// ExportURL builds the kickoff target for a Group-level or system-level
// bulk export.
func ExportURL(fhirURL string, group string) string {
	if group == "" {
		return fhirURL
	}
	return fhirURL + "/Group/" + group
}

// Exporter drives one bulk export to completion (or resumes one already in
// flight, per metadata's recorded status URL).
type Exporter struct {
	client        *fhir.Client
	resourceTypes []string
	exportURL     string
	destination   string
	filters       *filtering.Filters
	metadata      *metadata.OutputMetadata

	PollTimeout time.Duration

	log             *LogWriter
	TransactionTime time.Time
	stats           util.CommandStats
}

// NewExporter constructs an Exporter. resourceTypes is the set of types
// still needing export (already-done types should be excluded by the
// caller, per spec.md's skip-if-done rule); filters supplies the
// _typeFilter values and (outside "created" since mode) the _since value.
func NewExporter(client *fhir.Client, resourceTypes []string, exportURL string, destination string, filters *filtering.Filters, md *metadata.OutputMetadata) *Exporter {
	return &Exporter{
		client:        client,
		resourceTypes: resourceTypes,
		exportURL:     exportURL,
		destination:   destination,
		filters:       filters,
		metadata:      md,
		PollTimeout:   DefaultPollTimeout,
	}
}

// Cancel issues a best-effort DELETE against whatever poll URL is currently
// recorded in metadata, without performing an export.
func (e *Exporter) Cancel(ctx context.Context) error {
	pollURL := e.metadata.GetBulkStatusURL()
	if pollURL == "" {
		return nil
	}
	e.deleteExport(ctx, pollURL)
	return nil
}

// Export runs the full kickoff/poll/download/delete cycle, writing
// resource ndjson files directly into e.destination and a log.ndjson event
// trail alongside them. It resumes an in-flight export instead of kicking
// off a new one when metadata already has a recorded status URL.
func (e *Exporter) Export(ctx context.Context) error {
	startTime := time.Now()
	defer func() {
		e.stats.TotalDuration = time.Since(startTime)
		fmt.Fprint(os.Stderr, e.stats.String())
	}()

	if err := os.MkdirAll(e.destination, 0755); err != nil {
		return err
	}
	e.log = NewLogWriter(e.destination)

	pollLocation := e.metadata.GetBulkStatusURL()
	if pollLocation != "" {
		e.log.ExportID = pollLocation
	} else {
		location, err := e.kickOff(ctx)
		if err != nil {
			return fmt.Errorf("bulk export kickoff failed: %w", err)
		}
		pollLocation = location
		if err := e.metadata.SetBulkStatusURL(pollLocation); err != nil {
			return err
		}
	}

	status, err := e.pollUntilDone(ctx, pollLocation)
	if err != nil {
		e.log.StatusError(err.Error())
		return fmt.Errorf("bulk export polling failed: %w", err)
	}

	if raw, ok := status["transactionTime"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			e.TransactionTime = parsed
		}
	}
	if e.TransactionTime.IsZero() {
		e.TransactionTime = time.Now().UTC()
	}

	outputFiles := manifestFiles(status, "output")
	errorFiles := manifestFiles(status, "error")
	deletedFiles := manifestFiles(status, "deleted")
	e.log.StatusComplete(status["transactionTime"].(string), len(outputFiles), len(deletedFiles), len(errorFiles))

	if err := e.downloadAll(ctx, outputFiles, "output", ""); err != nil {
		return err
	}
	if err := e.downloadAll(ctx, errorFiles, "error", "error"); err != nil {
		return err
	}
	if err := e.downloadAll(ctx, deletedFiles, "deleted", "deleted"); err != nil {
		return err
	}

	e.log.ExportComplete()

	e.deleteExport(ctx, pollLocation)
	if err := e.metadata.SetBulkStatusURL(""); err != nil {
		return err
	}

	fatalMessages, infoOutcomes := e.gatherMessages()
	e.stats.InlineOperationOutcomes = infoOutcomes
	if len(fatalMessages) > 0 {
		sort.Strings(fatalMessages)
		return fmt.Errorf("errors occurred during export:\n - %s", joinLines(fatalMessages))
	}
	return nil
}

func joinLines(lines []string) string {
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n - "
		}
		out += line
	}
	return out
}

type manifestFile struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

func manifestFiles(status map[string]any, key string) []manifestFile {
	raw, ok := status[key].([]any)
	if !ok {
		return nil
	}
	var files []manifestFile
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := manifestFile{}
		if t, ok := obj["type"].(string); ok {
			f.Type = t
		}
		if u, ok := obj["url"].(string); ok {
			f.URL = u
		}
		files = append(files, f)
	}
	return files
}

func (e *Exporter) kickOff(ctx context.Context) (string, error) {
	exportURL := e.buildKickoffURL()

	resp, err := e.client.RequestWithRetry(ctx, func() (*http.Request, error) {
		return e.client.NewBulkKickoffRequest(exportURL)
	}, fhir.RetryOptions{Delays: fhir.DefaultRetryDelays[:4]})

	info := KickoffInfo{ExportURL: exportURL}
	if caps := e.client.Capabilities(); caps != nil {
		info.FHIRVersion = fmt.Sprintf("%v", caps.FhirVersion)
		if caps.Software != nil {
			info.SoftwareName = caps.Software.Name
			if caps.Software.Version != nil {
				info.SoftwareVersion = *caps.Software.Version
			}
		}
	}

	if err != nil {
		info.ErrorMessage = err.Error()
		e.log.Kickoff(info)
		return "", err
	}
	defer resp.Body.Close()

	info.StatusCode = resp.StatusCode
	info.ResponseHeaders = resp.Header

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		info.ErrorMessage = string(body)
		e.log.Kickoff(info)
		e.recordDownloadError(resp.StatusCode, body)
		return "", fmt.Errorf("unexpected status %d from export kickoff", resp.StatusCode)
	}

	pollLocation := resp.Header.Get("Content-Location")
	e.log.ExportID = pollLocation
	e.log.Kickoff(info)
	return pollLocation, nil
}

func (e *Exporter) buildKickoffURL() string {
	target := e.exportURL
	if !hasExportSuffix(target) {
		target += "/$export"
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}

	query := parsed.Query()
	if typeFilters := e.filters.CombineForBulk(true); len(typeFilters) > 0 {
		query.Set("_typeFilter", joinComma(typeFilters))
	}
	if bulkSince := e.filters.GetBulkSince(); bulkSince != "" {
		query.Set("_since", bulkSince)
	}
	if len(e.resourceTypes) > 0 {
		types := append([]string(nil), e.resourceTypes...)
		sort.Strings(types)
		query.Set("_type", joinComma(types))
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func hasExportSuffix(target string) bool {
	return len(target) >= 7 && target[len(target)-7:] == "$export"
}

func joinComma(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func (e *Exporter) pollUntilDone(ctx context.Context, pollLocation string) (map[string]any, error) {
	timeout := e.PollTimeout
	if timeout == 0 {
		timeout = DefaultPollTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for the bulk FHIR export to finish")
		}

		req, err := e.client.NewBulkStatusRequest(pollLocation)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Do(req.WithContext(ctx))
		if err != nil {
			if !sleepCtx(ctx, defaultPollDelay) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode == http.StatusAccepted {
			delay := parseRetryAfterCapped(resp.Header.Get("Retry-After"), maxRetryAfter)
			resp.Body.Close()
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			var status map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return nil, fmt.Errorf("could not parse export manifest: %w", err)
			}
			return status, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		e.recordDownloadError(resp.StatusCode, body)
		return nil, fmt.Errorf("unexpected status %d from export status endpoint: %s", resp.StatusCode, string(body))
	}
}

func parseRetryAfterCapped(header string, ceiling time.Duration) time.Duration {
	if header == "" {
		return defaultPollDelay
	}
	if seconds, err := time.ParseDuration(header + "s"); err == nil {
		if seconds < 0 {
			return 0
		}
		if seconds > ceiling {
			return ceiling
		}
		return seconds
	}
	if when, err := http.ParseTime(header); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0
		}
		if d > ceiling {
			return ceiling
		}
		return d
	}
	return defaultPollDelay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Exporter) downloadAll(ctx context.Context, files []manifestFile, itemType string, subfolder string) error {
	if len(files) == 0 {
		return nil
	}

	counts := map[string]int{}
	destDir := e.destination
	if subfolder != "" {
		destDir = filepath.Join(e.destination, subfolder)
	}

	progress := mpb.New()
	bar := progress.AddBar(int64(len(files)),
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(decor.Name(fmt.Sprintf("Downloading %s files...", itemType))),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)

	for _, file := range files {
		counts[file.Type]++
		filename := filepath.Join(destDir, fmt.Sprintf("%s.%03d.ndjson.gz", file.Type, counts[file.Type]))
		if err := e.downloadOne(ctx, file.URL, file.Type, filename, itemType); err != nil {
			return err
		}
		bar.Increment()
	}
	progress.Wait()
	return nil
}

func (e *Exporter) downloadOne(ctx context.Context, fileURL string, resourceType string, filename string, itemType string) error {
	e.log.DownloadRequest(fileURL, itemType, resourceType)

	requestStart := time.Now()
	resp, err := e.client.RequestWithRetry(ctx, func() (*http.Request, error) {
		return e.client.NewBulkFileRequest(fileURL)
	}, fhir.RetryOptions{})
	if err != nil {
		e.log.DownloadError(fileURL, err.Error())
		return fmt.Errorf("error downloading %q: %w", fileURL, err)
	}
	defer resp.Body.Close()
	e.stats.RequestDurations = append(e.stats.RequestDurations, time.Since(requestStart).Seconds())

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		e.log.DownloadError(fileURL, string(body))
		e.recordDownloadError(resp.StatusCode, body)
		return fmt.Errorf("unexpected status %d downloading %q", resp.StatusCode, fileURL)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	processingStart := time.Now()
	writer := ndjson.NewWriter(filename, false)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := writer.WriteRaw(line); err != nil {
			writer.Close()
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		writer.Close()
		e.log.DownloadError(fileURL, err.Error())
		return fmt.Errorf("error downloading %q: %w", fileURL, err)
	}
	if err := writer.Close(); err != nil {
		return err
	}
	e.stats.ProcessingDurations = append(e.stats.ProcessingDurations, time.Since(processingStart).Seconds())

	info, err := os.Stat(filename)
	var size int64
	if err == nil {
		size = info.Size()
	}
	lines, _ := ndjson.CountLines(filename)
	e.stats.TotalPages++
	e.stats.ResourcesPerPage = append(e.stats.ResourcesPerPage, lines)
	e.stats.TotalBytesIn += size
	return e.log.DownloadComplete(fileURL, lines, size)
}

func (e *Exporter) deleteExport(ctx context.Context, pollURL string) {
	resp, err := e.client.RequestWithRetry(ctx, func() (*http.Request, error) {
		return e.client.NewBulkDeleteRequest(pollURL)
	}, fhir.RetryOptions{Delays: fhir.DefaultRetryDelays[:2]})
	if err != nil {
		return
	}
	resp.Body.Close()
}

// gatherMessages scans the error manifest files a bulk export may have
// produced, splitting each OperationOutcome into the fatal text that fails
// the run (rendered via util.ErrorResponse, deduplicated) and the
// non-fatal outcomes carried forward into e.stats.InlineOperationOutcomes
// for the end-of-run summary.
func (e *Exporter) gatherMessages() (fatal []string, info []*fm.OperationOutcome) {
	errorDir := filepath.Join(e.destination, "error")
	files, err := ndjson.ListResourceFiles(errorDir)
	if err != nil {
		return nil, nil
	}

	seenFatal := map[string]bool{}
	for _, path := range files {
		lines, err := ndjson.ReadLines(path)
		if err != nil {
			continue
		}
		for _, line := range lines {
			outcome, err := fhir.ReadOperationOutcome(line)
			if err != nil {
				continue
			}

			if !hasFatalIssue(outcome) {
				info = append(info, &outcome)
				continue
			}

			errRes := util.ErrorResponse{Error: &outcome}
			seenFatal[errRes.String(0)] = true
		}
	}

	for t := range seenFatal {
		fatal = append(fatal, t)
	}
	return fatal, info
}

func hasFatalIssue(outcome fm.OperationOutcome) bool {
	for _, issue := range outcome.Issue {
		if issue.Severity == fm.IssueSeverityFatal || issue.Severity == fm.IssueSeverityError {
			return true
		}
	}
	return false
}

// recordDownloadError captures a non-OK HTTP response as e.stats.Error,
// parsing body as an OperationOutcome when possible and falling back to
// the raw response body otherwise.
func (e *Exporter) recordDownloadError(statusCode int, body []byte) {
	errRes := &util.ErrorResponse{StatusCode: statusCode}
	if outcome, err := fhir.ReadOperationOutcome(body); err == nil {
		errRes.Error = &outcome
	} else {
		errRes.OtherError = string(body)
	}
	e.stats.Error = errRes
}

// PerformOptions bundles the inputs a caller needs to drive a complete
// bulk export run.
type PerformOptions struct {
	FHIRURL   string
	Group     string
	Workdir   string
	Since     string
	SinceMode filtering.SinceMode
}

// Perform runs a full bulk export into opts.Workdir, skipping resource
// types that a previous run already marked done (unless an export is
// already in flight, in which case every requested type is handed to the
// resumed export and marked done once it finishes). It records the filter/since
// context in metadata before exporting, and marks every successfully
// exported type done with the server's reported transaction time.
func Perform(ctx context.Context, client *fhir.Client, filters *filtering.Filters, opts PerformOptions) error {
	if err := os.MkdirAll(opts.Workdir, 0755); err != nil {
		return err
	}
	md, err := metadata.NewOutputMetadata(opts.Workdir)
	if err != nil {
		return err
	}
	if err := md.NoteContext(filters.Params(false, true), opts.Since, string(opts.SinceMode)); err != nil {
		return err
	}

	resourceTypes := filters.Resources()
	if md.GetBulkStatusURL() == "" {
		var pending []string
		for _, resType := range resourceTypes {
			if md.IsDone(resType) {
				continue
			}
			pending = append(pending, resType)
		}
		resourceTypes = pending
	}
	if len(resourceTypes) == 0 {
		return nil
	}

	exporter := NewExporter(client, resourceTypes, ExportURL(opts.FHIRURL, opts.Group), opts.Workdir, filters, md)
	if err := exporter.Export(ctx); err != nil {
		return err
	}

	for _, resType := range resourceTypes {
		if err := md.MarkDone(resType, exporter.TransactionTime); err != nil {
			return err
		}
	}
	return nil
}
