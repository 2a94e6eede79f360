package crawl

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadSpecifiedIDs resolves the cohort named by --id-list (a comma-separated
// value) and/or --id-file (a plain-text file of one ID per line, or a CSV
// with an "id" or "mrn" header column), returning their union with any
// blank entries dropped.
func LoadSpecifiedIDs(idList string, idFile string) (map[string]bool, error) {
	ids := map[string]bool{}
	for _, id := range strings.Split(idList, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids[id] = true
		}
	}

	if idFile == "" {
		return ids, nil
	}

	f, err := os.Open(idFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(idFile), ".csv") {
		reader := csv.NewReader(f)
		header, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("reading header of %s: %w", idFile, err)
		}

		column := -1
		for i, name := range header {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "id":
				column = i
			case "mrn":
				if column == -1 {
					column = i
				}
			}
		}
		if column == -1 {
			return nil, fmt.Errorf("ID file %s has no 'id' or 'mrn' header", idFile)
		}

		for {
			row, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			if column < len(row) {
				id := strings.TrimSpace(row[column])
				if id != "" {
					ids[id] = true
				}
			}
		}
		return ids, nil
	}

	lines, err := os.ReadFile(idFile)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(lines), "\n") {
		id := strings.TrimSpace(line)
		if id != "" {
			ids[id] = true
		}
	}
	return ids, nil
}
