package concurrency

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/samply/fhirharvest/internal/ndjson"
)

// Source describes one producer of raw resource JSON for a single resource
// type: its item stream, an optional known total (for the progress bar; -1
// if unknown), and the ndjson file it should be written to (defaulting to
// "<folder>/<ResType>.ndjson.gz" when empty).
type Source struct {
	ResType    string
	Produce    func(ctx context.Context, queue chan<- json.RawMessage) error
	Total      int64
	OutputFile string
}

// Callback writes one item to the given writer, and is where a caller can
// apply per-resource transformation (inlining attachments, etc.) before the
// line is persisted.
type Callback func(resType string, writer *ndjson.Writer, item json.RawMessage) error

// FinishCallback runs once per resource type after every one of its sources
// has been fully drained, receiving the timestamp captured just before that
// type's sources started running (used as a conservative done-timestamp
// when the server never reports one directly).
type FinishCallback func(resType string, startedAt time.Time) error

// ResourceWriterProcessor runs one or more Sources per resource type
// through a bounded worker pool (C4), writing results to per-type ndjson
// files and reporting progress with a shared mpb progress bar, mirroring
// how the teacher's upload command reports per-file progress.
type ResourceWriterProcessor struct {
	folder   string
	desc     string
	appendFn bool
	workers  int
	progress *mpb.Progress
}

// NewResourceWriterProcessor constructs a processor that writes into
// folder, labels its progress bars with desc ("Downloading" etc.), appends
// to (rather than replaces) existing ndjson files when appendFiles is true,
// and runs workers goroutines per resource type.
func NewResourceWriterProcessor(folder string, desc string, appendFiles bool, workers int) *ResourceWriterProcessor {
	return &ResourceWriterProcessor{
		folder:   folder,
		desc:     desc,
		appendFn: appendFiles,
		workers:  workers,
		progress: mpb.New(),
	}
}

// Run processes every source in sources (multiple sources for the same
// ResType are run one after another, writing into independent or shared
// files depending on OutputFile), invoking callback per item and finish
// once each resource type's sources are all drained.
func (p *ResourceWriterProcessor) Run(ctx context.Context, sources []Source, callback Callback, finish FinishCallback) error {
	grouped := map[string][]Source{}
	var order []string
	for _, src := range sources {
		if _, ok := grouped[src.ResType]; !ok {
			order = append(order, src.ResType)
		}
		grouped[src.ResType] = append(grouped[src.ResType], src)
	}

	for _, resType := range order {
		group := grouped[resType]

		var total int64
		for _, src := range group {
			if src.Total < 0 {
				total = -1
				break
			}
			total += src.Total
		}
		if total < 0 {
			total = 0
		}

		bar := p.progress.AddBar(total,
			mpb.BarRemoveOnComplete(),
			mpb.PrependDecorators(decor.Name(fmt.Sprintf("%s %ss...", p.desc, resType))),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)

		startedAt := time.Now()

		for _, src := range group {
			outputFile := src.OutputFile
			if outputFile == "" {
				outputFile = filepath.Join(p.folder, resType+".ndjson.gz")
			}

			writer := ndjson.NewWriter(outputFile, p.appendFn)
			err := Process(ctx, p.workers, src.Produce, func(ctx context.Context, item json.RawMessage) error {
				if err := callback(resType, writer, item); err != nil {
					return err
				}
				bar.Increment()
				return nil
			})
			closeErr := writer.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}
		}

		if finish != nil {
			if err := finish(resType, startedAt); err != nil {
				return err
			}
		}
	}

	p.progress.Wait()
	return nil
}
