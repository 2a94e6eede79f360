package managed

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samply/fhirharvest/internal/hydrate"
	"github.com/samply/fhirharvest/internal/metadata"
	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/internal/resources"
)

// ResetAllLinks regenerates the top-level "ResourceType.NNN.ndjson" symlinks
// for every in-scope resource type.
func ResetAllLinks(managedDir string) error {
	for resType := range resources.ScopeTypes {
		if err := ResetResLinks(managedDir, resType); err != nil {
			return err
		}
	}
	return nil
}

// ResetResLinks removes resType's existing top-level symlinks directly
// inside managedDir and relinks them against the current set of "active"
// files for resType: the most recent full export plus every since-export
// layered on top of it, across every workdir that could have produced
// resType either directly or via hydration.
func ResetResLinks(managedDir string, resType string) error {
	entries, err := os.ReadDir(managedDir)
	if err != nil {
		return err
	}

	prefix := resType + "."
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(managedDir, entry.Name())); err != nil {
			return err
		}
	}

	files, err := findActiveResourceFiles(managedDir, resType)
	if err != nil {
		return err
	}

	for i, path := range files {
		compressed := ndjson.IsCompressed(path)
		linkName := ndjson.Filename(fmt.Sprintf("%s.%03d.ndjson", resType, i+1), "", compressed)
		if err := os.Symlink(path, filepath.Join(managedDir, linkName)); err != nil {
			return err
		}
	}

	return nil
}

// exportTypesForResType returns every resource type whose own direct export
// (or, for resType itself, resType's export) could have produced resType:
// resType itself, plus the input type of any hydration task whose output is
// resType, restricted to the types a crawl or bulk export ever fetches
// directly.
func exportTypesForResType(resType string) map[string]bool {
	patientTypes := toSet(resources.PatientTypes)
	possible := map[string]bool{resType: true}
	for _, task := range hydrate.AllTasks(nil) {
		if task.OutputType == resType {
			possible[task.InputType] = true
		}
	}

	result := map[string]bool{}
	for t := range possible {
		if patientTypes[t] {
			result[t] = true
		}
	}
	return result
}

// findActiveResourceFiles reports every resource ndjson file (as a path
// relative to managedDir) holding active resType data, oldest first.
func findActiveResourceFiles(managedDir string, resType string) ([]string, error) {
	workdirSet := map[string]bool{}
	for exportType := range exportTypesForResType(resType) {
		workdirs, err := findActiveResourceWorkdirs(managedDir, exportType)
		if err != nil {
			return nil, err
		}
		for _, workdir := range workdirs {
			workdirSet[workdir] = true
		}
	}

	sortedWorkdirs := make([]string, 0, len(workdirSet))
	for workdir := range workdirSet {
		sortedWorkdirs = append(sortedWorkdirs, workdir)
	}
	sort.Strings(sortedWorkdirs)

	var relPaths []string
	for _, workdir := range sortedWorkdirs {
		folder := filepath.Join(managedDir, workdir)
		files, err := resourceFiles(folder, resType)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			rel, err := filepath.Rel(managedDir, path)
			if err != nil {
				return nil, err
			}
			relPaths = append(relPaths, rel)
		}
	}
	return relPaths, nil
}

// findActiveResourceWorkdirs reports every workdir (subfolder name) of
// managedDir that still contributes "active" data for resType, most recent
// first: the newest subfolder covering resType going back until (and
// including) the most recent full, unfiltered export of it. Subfolders
// whose recorded filter set is already subsumed by a newer full export are
// skipped, since their data is entirely superseded.
func findActiveResourceWorkdirs(managedDir string, resType string) ([]string, error) {
	dirs, err := ListWorkdirs(managedDir)
	if err != nil {
		return nil, err
	}

	fullExportFilters := map[string]bool{}
	var workdirs []string

	for _, d := range dirs {
		md, err := metadata.NewOutputMetadata(filepath.Join(managedDir, d.Name))
		if err != nil {
			return nil, err
		}

		filters, covered := md.GetResFilters(resType)
		if !covered {
			continue
		}
		if len(filters) > 0 && isSubsetOf(filters, fullExportFilters) {
			continue
		}

		workdirs = append(workdirs, d.Name)

		if !md.GetSinceResources()[resType] {
			if len(filters) == 0 {
				break
			}
			for _, f := range filters {
				fullExportFilters[f] = true
			}
		}
	}

	return workdirs, nil
}

func isSubsetOf(target []string, of map[string]bool) bool {
	for _, v := range target {
		if !of[v] {
			return false
		}
	}
	return true
}
