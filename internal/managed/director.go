// Package managed implements C8: the bookkeeping layer that lets repeated
// invocations share one output folder. A managed folder pins itself to a
// single FHIR server/Group, fans out into a sequence of numbered "NNN.
// nickname" subfolders (one per distinct filter/since context), tracks
// patient merges across those subfolders, and keeps a set of
// "<ResourceType>.NNN.ndjson" symlinks pointing at the subfolder files that
// together hold the current data for each resource type.
package managed

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/metadata"
)

var workdirPattern = regexp.MustCompile(`^(\d+)\.(.*)$`)

// Workdir names one numbered output subfolder of a managed extraction
// folder, e.g. "003.2026-01-15" parses to Num 3, Nickname "2026-01-15".
type Workdir struct {
	Name     string
	Num      int
	Nickname string
}

// ListWorkdirs returns every "NNN.nickname" subfolder directly inside
// sourceDir, newest (highest NNN) first, matching how the extraction engine
// always looks backward in time when reconciling cohorts and since values.
func ListWorkdirs(sourceDir string) ([]Workdir, error) {
	entries, err := os.ReadDir(sourceDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []Workdir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := workdirPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		dirs = append(dirs, Workdir{Name: entry.Name(), Num: num, Nickname: m[2]})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Num > dirs[j].Num })
	return dirs, nil
}

// FindWorkdir locates (or names) the subfolder of sourceDir that should
// hold this export: an exact nickname match takes priority, then a
// subfolder already recorded under the same filter/since context, and
// finally a freshly numbered one (nickname defaulting to today's date).
func FindWorkdir(sourceDir string, filterParams map[string][]string, since string, sinceMode filtering.SinceMode, nickname string) (string, error) {
	dirs, err := ListWorkdirs(sourceDir)
	if err != nil {
		return "", err
	}

	highestNum := 0
	for _, d := range dirs {
		if d.Num > highestNum {
			highestNum = d.Num
		}
		if nickname != "" && d.Nickname == nickname {
			return d.Name, nil
		}
	}

	for _, d := range dirs {
		md, err := metadata.NewOutputMetadata(filepath.Join(sourceDir, d.Name))
		if err != nil {
			return "", err
		}
		if md.HasSameContext(filterParams, since, string(sinceMode)) {
			return d.Name, nil
		}
	}

	chosenNickname := nickname
	if chosenNickname == "" {
		chosenNickname = time.Now().UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%03d.%s", highestNum+1, chosenNickname), nil
}

// CalculateSince resolves an "auto" --since request into a concrete
// timestamp: the oldest "done" timestamp recorded, across every workdir
// under sourceDir, for any resource type named in filterParams. Returns
// ok=false if no prior export covers any of them.
func CalculateSince(sourceDir string, filterParams map[string][]string, sinceMode filtering.SinceMode) (timestamp string, ok bool, err error) {
	dirs, err := ListWorkdirs(sourceDir)
	if err != nil {
		return "", false, err
	}

	var oldest time.Time
	found := false
	for _, d := range dirs {
		md, err := metadata.NewOutputMetadata(filepath.Join(sourceDir, d.Name))
		if err != nil {
			return "", false, err
		}
		for _, ts := range md.GetMatchingTimestamps(filterParams, string(sinceMode)) {
			if !found || ts.Before(oldest) {
				oldest = ts
				found = true
			}
		}
	}
	if !found {
		return "", false, nil
	}
	return oldest.UTC().Format(time.RFC3339), true, nil
}
