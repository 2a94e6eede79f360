package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/concurrency"
	"github.com/samply/fhirharvest/internal/ndjson"
)

// Run drives the fixed-point hydration scheduler: starting from
// startTypes (the resource types a crawl or bulk export just wrote),
// repeatedly runs every task whose InputType is in the current round's
// set, queuing each task's OutputType for the next round unless that type
// has already been processed in an earlier round. It terminates once a
// round produces nothing new, so a chain like
// MedicationRequest -> Medication, or a recursive Observation hasMember
// graph, is followed all the way down without being told its depth up
// front.
func Run(ctx context.Context, client *fhir.Client, workdir string, startTypes []string, tasks []Task, compress bool, workers int) error {
	done := map[string]bool{}
	loop := toSet(startTypes)

	for len(loop) > 0 {
		for t := range loop {
			done[t] = true
		}

		next := map[string]bool{}
		for _, task := range tasks {
			if !loop[task.InputType] {
				continue
			}
			if err := runTask(ctx, client, workdir, task, compress, workers); err != nil {
				return err
			}
			if !done[task.OutputType] {
				next[task.OutputType] = true
			}
		}
		loop = next
	}

	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// runTask executes one task over every existing InputType ndjson file:
// when the task rewrites resources of the same type it reads (no
// FileSlug, OutputType == InputType), each input file is its own output
// file, relying on ndjson.Writer's atomic replace-on-close; otherwise
// every input file appends into one shared
// "<OutputType>.<FileSlug>.ndjson" file, since C4 already guarantees
// sources of the same resource type run one after another rather than
// concurrently.
func runTask(ctx context.Context, client *fhir.Client, workdir string, task Task, compress bool, workers int) error {
	files, err := inputFiles(workdir, task.InputType)
	if err != nil || len(files) == 0 {
		return err
	}

	rewriteInPlace := task.OutputType == task.InputType && task.FileSlug == ""

	pool, err := loadIDPool(workdir, task.OutputType)
	if err != nil {
		return err
	}

	var sharedOutput string
	if !rewriteInPlace {
		sharedOutput = ndjson.Filename(workdir, fmt.Sprintf("%s.%s.ndjson", task.OutputType, outputSlug(task)), compress)
	}

	processor := concurrency.NewResourceWriterProcessor(workdir, "Hydrating", !rewriteInPlace, workers)

	var sources []concurrency.Source
	for _, file := range files {
		file := file
		total, _ := ndjson.CountLines(file)

		outputFile := sharedOutput
		if rewriteInPlace {
			outputFile = file
		}

		sources = append(sources, concurrency.Source{
			ResType:    task.OutputType,
			Total:      int64(total),
			OutputFile: outputFile,
			Produce: func(ctx context.Context, queue chan<- json.RawMessage) error {
				lines, err := ndjson.ReadLines(file)
				if err != nil {
					return err
				}
				for _, line := range lines {
					select {
					case queue <- line:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return nil
			},
		})
	}

	// A rewrite-in-place task (inlining) always returns the whole resource
	// as its first result, no matter what happened to its attachments, so
	// the line isn't silently dropped from the output; an append task only
	// contributes a line per reference that was newly resolved.
	callback := func(resType string, writer *ndjson.Writer, item json.RawMessage) error {
		results := task.Run(ctx, client, pool, item)
		if rewriteInPlace {
			if len(results) > 0 && results[0].Resource != nil {
				return writer.WriteRaw(results[0].Resource)
			}
			return nil
		}
		for _, result := range results {
			if result.Reason == NewlyDone && result.Resource != nil {
				if err := writer.WriteRaw(result.Resource); err != nil {
					return err
				}
			}
		}
		return nil
	}

	return processor.Run(ctx, sources, callback, nil)
}

func outputSlug(task Task) string {
	if task.FileSlug != "" {
		return task.FileSlug
	}
	return task.Name
}

// inputFiles returns every ndjson file in workdir holding resType
// resources, e.g. "Observation.ndjson.gz" or "Observation.001.ndjson.gz".
func inputFiles(workdir string, resType string) ([]string, error) {
	all, err := ndjson.ListResourceFiles(workdir)
	if err != nil {
		return nil, err
	}

	prefix := resType + "."
	var matches []string
	for _, path := range all {
		if strings.HasPrefix(filepath.Base(path), prefix) {
			matches = append(matches, path)
		}
	}
	return matches, nil
}

// loadIDPool seeds an IDPool with every "ResourceType/id" already present
// under outputType's existing files, so a re-run (or a task whose output
// overlaps another's) doesn't redownload what's already on disk.
func loadIDPool(workdir string, outputType string) (*IDPool, error) {
	files, err := inputFiles(workdir, outputType)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, file := range files {
		lines, err := ndjson.ReadLines(file)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			var probe struct {
				ResourceType string `json:"resourceType"`
				ID           string `json:"id"`
			}
			if err := json.Unmarshal(line, &probe); err != nil || probe.ID == "" {
				continue
			}
			seen[probe.ResourceType+"/"+probe.ID] = true
		}
	}
	return newIDPool(seen), nil
}
