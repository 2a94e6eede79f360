package ndjson

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ListResourceFiles returns the ndjson (optionally gzipped) resource files
// directly inside folder, sorted by name. Infrastructure files that are
// never resource data (the event log, the error folder) are excluded.
func ListResourceFiles(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "log.ndjson" {
			continue
		}
		if strings.HasSuffix(name, ".ndjson") || strings.HasSuffix(name, ".ndjson.gz") {
			files = append(files, filepath.Join(folder, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// BundleFolder folds every resource ndjson file directly inside folder into
// a single collection Bundle document, then deletes the source ndjson
// files. It returns "" (with no error) if the folder held no resource
// files to bundle. now is stamped into Bundle.timestamp.
func BundleFolder(folder string, compress bool, now time.Time) (string, error) {
	outputPath := Filename(folder, "Bundle.json", compress)
	if _, err := os.Stat(outputPath); err == nil {
		return "", fmt.Errorf("bundle file %q already exists", outputPath)
	}

	files, err := ListResourceFiles(folder)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}

	writer := NewWriter(outputPath, false)
	if err := writeBundlePreamble(writer, now); err != nil {
		return "", err
	}

	first := true
	for _, path := range files {
		lines, err := ReadLines(path)
		if err != nil {
			return "", err
		}
		for _, line := range lines {
			if err := writeBundleEntry(writer, line, &first); err != nil {
				return "", err
			}
		}
	}

	if err := writeBundleSuffix(writer); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	for _, path := range files {
		if err := os.Remove(path); err != nil {
			return "", err
		}
	}

	return outputPath, nil
}

func writeBundlePreamble(w *Writer, now time.Time) error {
	preamble := "{\n" +
		"  \"resourceType\": \"Bundle\",\n" +
		"  \"meta\": {\n" +
		"    \"profile\": [\"http://hl7.org/fhir/R4/StructureDefinition/Bundle\"]\n" +
		"  },\n" +
		"  \"type\": \"collection\",\n" +
		"  \"timestamp\": \"" + now.UTC().Format(time.RFC3339) + "\",\n" +
		"  \"entry\": ["
	return w.WriteRaw([]byte(preamble))
}

func writeBundleEntry(w *Writer, resource []byte, first *bool) error {
	var buf bytes.Buffer
	if !*first {
		buf.WriteByte(',')
	}
	*first = false
	buf.WriteString("\n    {\"resource\": ")
	buf.Write(resource)
	buf.WriteByte('}')
	return w.WriteRaw(buf.Bytes())
}

func writeBundleSuffix(w *Writer) error {
	return w.WriteRaw([]byte("\n  ]\n}"))
}
