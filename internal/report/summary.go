// Package report implements C9: summarizing a finished export run into a
// small human-readable artifact, grounded on the same CommandStats
// aggregation blazectl prints to the terminal but rendered as a YAML
// document next to the data instead of a one-off terminal report.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/samply/fhirharvest/internal/metadata"
	"github.com/samply/fhirharvest/internal/ndjson"
)

// ResourceSummary reports the line count and size this run wrote for one
// resource type.
type ResourceSummary struct {
	Type  string `yaml:"type"`
	Files int    `yaml:"files"`
	Lines int    `yaml:"lines"`
	Bytes int64  `yaml:"bytes"`
	Done  bool   `yaml:"done"`
}

// RunSummary is the top-level document written to summary.yaml.
type RunSummary struct {
	Workdir   string            `yaml:"workdir"`
	Generated string            `yaml:"generated"`
	Resources []ResourceSummary `yaml:"resources"`
}

// Generate inspects workdir's resource ndjson files and its .metadata
// "done" timestamps, producing a RunSummary describing what this run
// actually wrote.
func Generate(workdir string, now time.Time) (*RunSummary, error) {
	files, err := ndjson.ListResourceFiles(workdir)
	if err != nil {
		return nil, err
	}

	type accum struct {
		files int
		lines int
		bytes int64
	}
	byType := map[string]*accum{}

	for _, path := range files {
		resType := resourceTypeFromFilename(filepath.Base(path))
		if resType == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		lines, err := ndjson.CountLines(path)
		if err != nil {
			return nil, err
		}
		a, ok := byType[resType]
		if !ok {
			a = &accum{}
			byType[resType] = a
		}
		a.files++
		a.lines += lines
		a.bytes += info.Size()
	}

	md, err := metadata.NewOutputMetadata(workdir)
	if err != nil {
		return nil, err
	}

	types := make([]string, 0, len(byType))
	for resType := range byType {
		types = append(types, resType)
	}
	sort.Strings(types)

	summary := &RunSummary{
		Workdir:   workdir,
		Generated: now.UTC().Format(time.RFC3339),
	}
	for _, resType := range types {
		a := byType[resType]
		entry := ResourceSummary{Type: resType, Files: a.files, Lines: a.lines, Bytes: a.bytes, Done: md.IsDone(resType)}
		summary.Resources = append(summary.Resources, entry)
	}
	return summary, nil
}

// resourceTypeFromFilename extracts the leading "ResourceType" component
// from names like "Patient.ndjson", "Observation.results.ndjson.gz", or
// "Observation.003.ndjson".
func resourceTypeFromFilename(name string) string {
	resType, _, ok := strings.Cut(name, ".")
	if !ok {
		return ""
	}
	return resType
}

// WriteYAML renders summary as YAML to path, refusing to overwrite an
// existing file there.
func WriteYAML(path string, summary *RunSummary) error {
	encoded, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("error while rendering run summary: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("error while creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(encoded); err != nil {
		return fmt.Errorf("error while writing %s: %w", path, err)
	}
	return nil
}
