package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/bulkexport"
	"github.com/samply/fhirharvest/internal/concurrency"
	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/managed"
	"github.com/samply/fhirharvest/internal/metadata"
	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/internal/resources"
)

// Options configures a Perform call with everything needed to resolve a
// patient cohort and crawl the remaining requested resource types against
// it, patient by patient.
type Options struct {
	FHIRURL       string
	Group         string
	GroupNickname string

	// IDFile/IDList/IDSystem identify a cohort directly, bypassing a Group
	// or a previous export's Patient file.
	IDFile   string
	IDList   string
	IDSystem string

	// SourceDir is read (not written) for a previous export's Patient
	// cohort when this run isn't fetching Patients itself.
	SourceDir string

	Workdir    string
	ManagedDir string

	Since     string
	SinceMode filtering.SinceMode

	Compress bool
	Workers  int
}

const defaultWorkers = 10

// FinishFunc is called once per resource type after its crawl completes (or
// is skipped because it was already done), letting a caller (e.g. the
// managed-folder director) drive symlink updates incrementally.
type FinishFunc func(resourceType string) error

// Perform resolves the patient cohort (via --id-file/--id-list, a bulk
// export of just Patient, or a previous export's Patient file) and then
// crawls every other requested resource type with one search per (patient,
// OR-filter-branch) pair, recording a synthetic bulk-style event log when
// finished.
func Perform(ctx context.Context, restClient *fhir.Client, bulkClient *fhir.Client, filters *filtering.Filters, opts Options, onFinish FinishFunc) error {
	group := groupName(opts)

	if err := os.MkdirAll(opts.Workdir, 0755); err != nil {
		return err
	}
	md, err := metadata.NewOutputMetadata(opts.Workdir)
	if err != nil {
		return err
	}
	if err := md.NoteContext(filters.Params(false, false), opts.Since, string(opts.SinceMode)); err != nil {
		return err
	}

	filterParams := filters.Params(false, false)

	idPools := &poolSet{}
	tt := &transactionTimes{times: map[string]time.Time{}}

	errorDir := filepath.Join(opts.Workdir, "error")
	if err := os.MkdirAll(errorDir, 0755); err != nil {
		return err
	}
	errWriter := ndjson.NewWriter(ndjson.Filename(errorDir, "OperationOutcome.ndjson", opts.Compress), true)
	defer errWriter.Close()

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	processor := concurrency.NewResourceWriterProcessor(opts.Workdir, "Crawling", false, workers)

	callback := makeCallback(idPools, tt, errWriter)

	// Decide how the Patient cohort is sourced, matching the requested-type
	// and id-file/id-list precedence the rest of the pipeline expects.
	downloadPatients := false
	var patientIDs map[string]bool

	if _, wantsPatient := filterParams[resources.Patient]; wantsPatient {
		if md.IsDone(resources.Patient) {
			fmt.Printf("Skipping %s, already done.\n", resources.Patient)
			if onFinish != nil {
				if err := onFinish(resources.Patient); err != nil {
					return err
				}
			}
		} else {
			downloadPatients = true
		}
		delete(filterParams, resources.Patient)
	} else if opts.IDFile != "" || opts.IDList != "" {
		downloadPatients = true
	} else {
		patientIDs, err = managed.ReadResourceIDs(resources.Patient, opts.SourceDir)
		if err != nil {
			return err
		}
	}

	if downloadPatients {
		if err := gatherPatients(ctx, bulkClient, restClient, filters, md, opts, processor, callback, tt); err != nil {
			return err
		}
		if _, wantsPatient := filters.Params(false, false)[resources.Patient]; wantsPatient && onFinish != nil {
			if err := onFinish(resources.Patient); err != nil {
				return err
			}
		}
	}
	if patientIDs == nil {
		patientIDs, err = managed.ReadResourceIDs(resources.Patient, opts.Workdir)
		if err != nil {
			return err
		}
	}
	if len(patientIDs) == 0 {
		return fmt.Errorf("no cohort patients found for %s: provide --id-list, --id-file, a --source-dir with a previous Patient export, or export patients in this crawl too", opts.Workdir)
	}

	var resTypes []string
	for resType := range filterParams {
		resTypes = append(resTypes, resType)
	}
	sort.Strings(resTypes)

	var sources []concurrency.Source
	for _, resType := range resTypes {
		if md.IsDone(resType) {
			fmt.Printf("Skipping %s, already done.\n", resType)
			if onFinish != nil {
				if err := onFinish(resType); err != nil {
					return err
				}
			}
			continue
		}

		resType := resType
		existingURLs, newURLs, err := resourceURLsWithNewPatients(restClient, resType, md, opts.ManagedDir, patientIDs, filters)
		if err != nil {
			return err
		}
		urls := append(existingURLs, newURLs...)

		sources = append(sources, concurrency.Source{
			ResType: resType,
			Total:   int64(len(urls)),
			Produce: func(ctx context.Context, queue chan<- json.RawMessage) error {
				for _, url := range urls {
					err := Walk(ctx, restClient, url, func(_ string, raw json.RawMessage) error {
						select {
						case queue <- raw:
							return nil
						case <-ctx.Done():
							return ctx.Err()
						}
					})
					if err != nil {
						return err
					}
				}
				return nil
			},
		})
	}

	if len(sources) > 0 {
		err := processor.Run(ctx, sources, callback, func(resType string, startedAt time.Time) error {
			return finishResource(md, opts, filters, resType, startedAt, tt)
		})
		if err != nil {
			return err
		}
		if onFinish != nil {
			for _, src := range sources {
				if err := onFinish(src.ResType); err != nil {
					return err
				}
			}
		}
	}

	if logTime, ok := md.GetEarliestDoneDate(); ok {
		if err := createFakeLog(opts.Workdir, opts.FHIRURL, group, logTime); err != nil {
			return err
		}
	}

	return nil
}

func groupName(opts Options) string {
	switch {
	case opts.GroupNickname != "":
		return opts.GroupNickname
	case opts.Group != "":
		return opts.Group
	case opts.IDFile != "":
		base := filepath.Base(opts.IDFile)
		return strings.TrimSuffix(base, filepath.Ext(base))
	default:
		return filepath.Base(opts.SourceDir)
	}
}

// gatherPatients resolves the Patient cohort into opts.Workdir, either by
// searching for explicitly-identified patients or by running a
// Patient-only bulk export against the Group.
func gatherPatients(ctx context.Context, bulkClient *fhir.Client, restClient *fhir.Client, filters *filtering.Filters, md *metadata.OutputMetadata, opts Options, processor *concurrency.ResourceWriterProcessor, callback concurrency.Callback, tt *transactionTimes) error {
	if opts.IDFile != "" || opts.IDList != "" {
		ids, err := LoadSpecifiedIDs(opts.IDList, opts.IDFile)
		if err != nil {
			return err
		}

		queryPrefix := "_id="
		if opts.IDSystem != "" {
			queryPrefix = "identifier=" + opts.IDSystem + "|"
		}
		urls := resourceURLs(restClient, resources.Patient, queryPrefix, ids, filters.Params(true, false))

		source := concurrency.Source{
			ResType: resources.Patient,
			Total:   int64(len(ids)),
			Produce: func(ctx context.Context, queue chan<- json.RawMessage) error {
				for _, url := range urls {
					err := Walk(ctx, restClient, url, func(_ string, raw json.RawMessage) error {
						select {
						case queue <- raw:
							return nil
						case <-ctx.Done():
							return ctx.Err()
						}
					})
					if err != nil {
						return err
					}
				}
				return nil
			},
		}
		return processor.Run(ctx, []concurrency.Source{source}, callback, nil)
	}

	exportURL := bulkexport.ExportURL(opts.FHIRURL, opts.Group)
	exporter := bulkexport.NewExporter(bulkClient, []string{resources.Patient}, exportURL, opts.Workdir, filters, md)
	if err := exporter.Export(ctx); err != nil {
		return err
	}
	return finishResource(md, opts, filters, resources.Patient, exporter.TransactionTime, tt)
}

// finishResource marks a resource type done, using the earlier of the
// crawl's start time and the latest updated/created date actually observed
// in the data, and for Patient specifically also computes new/deleted
// patient sets from link[type=replaces] merge history against the most
// recent prior export.
func finishResource(md *metadata.OutputMetadata, opts Options, filters *filtering.Filters, resType string, startedAt time.Time, tt *transactionTimes) error {
	timestamp := tt.earliestOrDefault(resType, startedAt)

	if resType == resources.Patient {
		newIDs, deletedIDs, err := managed.FindNewPatients(opts.Workdir, opts.ManagedDir, filters)
		if err != nil {
			return err
		}
		if err := md.NoteNewPatients(setToSlice(newIDs)); err != nil {
			return err
		}
		if err := managed.WriteDeletedFile(opts.Workdir, resources.Patient, deletedIDs, opts.Compress); err != nil {
			return err
		}
	}

	return md.MarkDone(resType, timestamp)
}

func setToSlice(ids map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// resourceURLsWithNewPatients partitions patientIDs into those the crawl
// should treat as historical (already covered by a since watermark in a
// previous export) versus newly-seen, and renders search URLs for each
// half using since-filtered and full-historical parameters respectively,
// since a newly-appearing patient needs its whole history pulled regardless
// of any --since watermark.
func resourceURLsWithNewPatients(client *fhir.Client, resType string, md *metadata.OutputMetadata, managedDir string, patientIDs map[string]bool, filters *filtering.Filters) (existing []string, fresh []string, err error) {
	newIDs := map[string]bool{}
	if filters.HasSince() {
		newIDs, err = managed.FindNewPatientsForResource(resType, md, managedDir, filters)
		if err != nil {
			return nil, nil, err
		}
	}

	existingIDs := map[string]bool{}
	freshIDs := map[string]bool{}
	for id := range patientIDs {
		if newIDs[id] {
			freshIDs[id] = true
		} else {
			existingIDs[id] = true
		}
	}

	existing = resourceURLs(client, resType, "patient=", existingIDs, filters.Params(true, false))
	fresh = resourceURLs(client, resType, "patient=", freshIDs, filters.Params(false, false))
	return existing, fresh, nil
}

func resourceURLs(client *fhir.Client, resType string, queryPrefix string, ids map[string]bool, params map[string][]string) []string {
	sortedIDs := make([]string, 0, len(ids))
	for id := range ids {
		sortedIDs = append(sortedIDs, id)
	}
	sort.Strings(sortedIDs)

	branches := params[resType]

	var urls []string
	for _, id := range sortedIDs {
		base := client.BaseURL()
		rawQuery := queryPrefix + id
		if len(branches) == 0 {
			u := base.JoinPath(resType)
			u.RawQuery = rawQuery
			urls = append(urls, u.String())
			continue
		}
		for _, branch := range branches {
			u := base.JoinPath(resType)
			u.RawQuery = rawQuery + "&" + branch
			urls = append(urls, u.String())
		}
	}
	return urls
}

// poolSet lazily creates a per-resource-type set of already-seen IDs, used
// to drop duplicate resources a crawl's overlapping OR-filter branches can
// produce for the same patient.
type poolSet struct {
	mu    sync.Mutex
	pools map[string]map[string]bool
}

func (p *poolSet) seen(resType, id string) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pools == nil {
		p.pools = map[string]map[string]bool{}
	}
	pool, ok := p.pools[resType]
	if !ok {
		pool = map[string]bool{}
		p.pools[resType] = pool
	}
	if pool[id] {
		return true
	}
	pool[id] = true
	return false
}

// transactionTimes tracks, per resource type, the latest updated/created
// date actually observed in crawled data, so a run's "done" mark can be the
// conservative earlier of that date and when the crawl started.
type transactionTimes struct {
	mu    sync.Mutex
	times map[string]time.Time
}

var timeLayouts = []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func (t *transactionTimes) note(resType string, raw string) {
	if raw == "" {
		return
	}
	var parsed time.Time
	var ok bool
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			parsed, ok = ts, true
			break
		}
	}
	if !ok || parsed.After(time.Now().UTC()) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.times[resType]; !ok || existing.Before(parsed) {
		t.times[resType] = parsed
	}
}

// earliestOrDefault returns the conservative done-timestamp for resType: if
// startedAt (when the crawl began) is earlier than the latest date actually
// observed in the data, startedAt wins, since the server may hold even
// newer data that was created after the crawl's searches ran.
func (t *transactionTimes) earliestOrDefault(resType string, startedAt time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if observed, ok := t.times[resType]; ok && observed.Before(startedAt) {
		return observed
	}
	return startedAt
}

func makeCallback(pools *poolSet, tt *transactionTimes, errWriter *ndjson.Writer) concurrency.Callback {
	return func(resType string, writer *ndjson.Writer, item json.RawMessage) error {
		var probe struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		_ = json.Unmarshal(item, &probe)

		if probe.ResourceType == resources.OperationOutcome {
			return errWriter.WriteRaw(item)
		}

		if pools.seen(probe.ResourceType, probe.ID) {
			return nil
		}

		tt.note(resType, resources.GetUpdatedDate(item))
		tt.note(resType, resources.GetCreatedDate(item))

		return writer.WriteRaw(item)
	}
}
