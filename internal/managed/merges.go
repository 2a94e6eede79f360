package managed

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/metadata"
	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/internal/resources"
)

func resourceFiles(folder string, resType string) ([]string, error) {
	all, err := ndjson.ListResourceFiles(folder)
	if err != nil {
		return nil, err
	}

	var matches []string
	prefix := resType + "."
	for _, path := range all {
		base := filepath.Base(path)
		if strings.HasPrefix(base, prefix) {
			matches = append(matches, path)
		}
	}
	return matches, nil
}

type idHolder struct {
	ID string `json:"id"`
}

// ReadResourceIDs returns the set of resource IDs found in folder's ndjson
// files for resType, used to compare cohorts across runs.
func ReadResourceIDs(resType string, folder string) (map[string]bool, error) {
	files, err := resourceFiles(folder, resType)
	if err != nil {
		return nil, err
	}

	ids := map[string]bool{}
	for _, path := range files {
		lines, err := ndjson.ReadLines(path)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			var r idHolder
			if err := json.Unmarshal(line, &r); err != nil {
				continue
			}
			if r.ID != "" {
				ids[r.ID] = true
			}
		}
	}
	return ids, nil
}

type patientLink struct {
	ID   string `json:"id"`
	Link []struct {
		Type  string `json:"type"`
		Other struct {
			Reference string `json:"reference"`
		} `json:"other"`
	} `json:"link"`
}

// findReplacedLinks returns, for every Patient found in folder, the set of
// other Patient IDs its Patient.link entries of type "replaces" point at
// (i.e. replacing-ID -> replaced-IDs, new -> old).
func findReplacedLinks(folder string) (map[string]map[string]bool, error) {
	files, err := resourceFiles(folder, resources.Patient)
	if err != nil {
		return nil, err
	}

	replaced := map[string]map[string]bool{}
	for _, path := range files {
		lines, err := ndjson.ReadLines(path)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			var p patientLink
			if err := json.Unmarshal(line, &p); err != nil {
				continue
			}
			ids := replaced[p.ID]
			if ids == nil {
				ids = map[string]bool{}
				replaced[p.ID] = ids
			}
			for _, link := range p.Link {
				if link.Type != "replaces" {
					continue
				}
				ref := link.Other.Reference
				if rest, ok := strings.CutPrefix(ref, resources.Patient+"/"); ok {
					ids[rest] = true
				}
			}
		}
	}
	return replaced, nil
}

// FindNewPatients compares workdir's Patient cohort against the most recent
// previous export (under managedDir) covering the same filters, and
// returns patient IDs that are new to the cohort (or newly replacing
// another patient via a merge) and patient IDs that dropped out of it. Both
// sets are empty, with no error, if managedDir is "" or no prior matching
// export exists.
func FindNewPatients(workdir string, managedDir string, filters *filtering.Filters) (newIDs map[string]bool, deletedIDs map[string]bool, err error) {
	newIDs, deletedIDs = map[string]bool{}, map[string]bool{}
	if managedDir == "" {
		return newIDs, deletedIDs, nil
	}

	dirs, err := ListWorkdirs(managedDir)
	if err != nil {
		return nil, nil, err
	}

	filterParams := filters.Params(false, false)
	var previous map[string]map[string]bool
	found := false
	for _, d := range dirs {
		folder := filepath.Join(managedDir, d.Name)
		md, err := metadata.NewOutputMetadata(folder)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := md.GetMatchingTimestamps(filterParams, string(filters.SinceMode()))[resources.Patient]; ok {
			previous, err = findReplacedLinks(folder)
			if err != nil {
				return nil, nil, err
			}
			found = true
			break
		}
	}
	if !found {
		return newIDs, deletedIDs, nil
	}

	current, err := findReplacedLinks(workdir)
	if err != nil {
		return nil, nil, err
	}

	for id := range current {
		if _, ok := previous[id]; !ok {
			newIDs[id] = true
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			deletedIDs[id] = true
		}
	}

	for patient, currentReplacements := range current {
		prevReplacements := previous[patient]
		for replaced := range currentReplacements {
			if !prevReplacements[replaced] {
				newIDs[patient] = true
				break
			}
		}
	}

	return newIDs, deletedIDs, nil
}

// FindNewPatientsForResource resolves the new-patient ID set a dependent
// resource type's crawl should treat as historical (no since filter
// applied): the current subfolder's own recorded new patients if any were
// already computed this run, else the union of the new patients recorded by
// managedDir's subfolders, walked newest first and stopping (without adding
// its list) at the first one whose matching timestamps already cover resType.
func FindNewPatientsForResource(resType string, md *metadata.OutputMetadata, managedDir string, filters *filtering.Filters) (map[string]bool, error) {
	if ids := md.GetNewPatients(); len(ids) > 0 {
		return toSet(ids), nil
	}

	result := map[string]bool{}
	if managedDir == "" {
		return result, nil
	}

	dirs, err := ListWorkdirs(managedDir)
	if err != nil {
		return nil, err
	}

	filterParams := filters.Params(false, false)
	for _, d := range dirs {
		folder := filepath.Join(managedDir, d.Name)
		folderMD, err := metadata.NewOutputMetadata(folder)
		if err != nil {
			return nil, err
		}
		if _, ok := folderMD.GetMatchingTimestamps(filterParams, string(filters.SinceMode()))[resType]; ok {
			break
		}
		for _, id := range folderMD.GetNewPatients() {
			result[id] = true
		}
	}
	return result, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// WriteDeletedFile records deletedIDs (resource IDs no longer present in
// the latest export) as a synthetic FHIR transaction Bundle of DELETE
// entries under workdir/deleted, one entry per line, mirroring the shape a
// real bulk export deletion manifest would carry. A no-op if deletedIDs is
// empty.
func WriteDeletedFile(workdir string, resType string, deletedIDs map[string]bool, compress bool) error {
	if len(deletedIDs) == 0 {
		return nil
	}

	deletedDir := filepath.Join(workdir, "deleted")
	path := ndjson.Filename(deletedDir, resType+".ndjson", compress)
	writer := ndjson.NewWriter(path, false)
	for id := range deletedIDs {
		bundle := fhir.Bundle{
			Type: "transaction",
			Entry: []fhir.BundleEntry{
				{Request: &fhir.BundleEntryRequest{Method: "DELETE", URL: resType + "/" + id}},
			},
		}
		if err := writer.Write(bundle); err != nil {
			writer.Close()
			return err
		}
	}
	return writer.Close()
}

// FindPastResourceIDs walks managedDir backward from (but not including)
// workdir, accumulating resource IDs for resType from every subfolder whose
// recorded context matches filters, stopping once it reaches a subfolder
// that performed a full (non-since-filtered) fetch of that type.
func FindPastResourceIDs(resType string, workdir string, managedDir string, filters *filtering.Filters) (map[string]bool, error) {
	all := map[string]bool{}

	dirs, err := ListWorkdirs(managedDir)
	if err != nil {
		return nil, err
	}

	filterParams := filters.Params(false, false)
	for _, d := range dirs {
		folder := filepath.Join(managedDir, d.Name)
		if folder == workdir {
			continue
		}
		md, err := metadata.NewOutputMetadata(folder)
		if err != nil {
			return nil, err
		}
		if _, ok := md.GetMatchingTimestamps(filterParams, string(filters.SinceMode()))[resType]; ok {
			ids, err := ReadResourceIDs(resType, folder)
			if err != nil {
				return nil, err
			}
			for id := range ids {
				all[id] = true
			}
			if !md.GetSinceResources()[resType] {
				break
			}
		}
	}

	return all, nil
}
