package metadata

import (
	"fmt"
	"sort"
	"time"
)

// OutputMetadata is the .metadata document living inside one managed
// output subfolder (an "NNN.nickname" folder). It records the filter/since
// context the subfolder was populated under and a "done" timestamp per
// resource type or hydration tag, so that resuming an export or computing
// an automatic --since value can find the right previous work.
type OutputMetadata struct {
	*metadata
}

// NewOutputMetadata opens (or initializes, if absent) the .metadata
// document inside folder.
func NewOutputMetadata(folder string) (*OutputMetadata, error) {
	m, err := newMetadata(folder, KindOutput)
	if err != nil {
		return nil, err
	}
	return &OutputMetadata{metadata: m}, nil
}

func orderFilters(filters map[string][]string) map[string][]string {
	ordered := make(map[string][]string, len(filters))
	for resType, params := range filters {
		sorted := append([]string(nil), params...)
		sort.Strings(sorted)
		ordered[resType] = sorted
	}
	return ordered
}

func filtersEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for resType, paramsA := range a {
		paramsB, ok := b[resType]
		if !ok || len(paramsA) != len(paramsB) {
			return false
		}
		for i := range paramsA {
			if paramsA[i] != paramsB[i] {
				return false
			}
		}
	}
	return true
}

func toStringMap(raw any) map[string][]string {
	result := map[string][]string{}
	obj, ok := raw.(map[string]any)
	if !ok {
		return result
	}
	for resType, v := range obj {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		params := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				params = append(params, s)
			}
		}
		result[resType] = params
	}
	return result
}

func stringMapToAny(m map[string][]string) map[string]any {
	result := make(map[string]any, len(m))
	for resType, params := range m {
		items := make([]any, len(params))
		for i, p := range params {
			items[i] = p
		}
		result[resType] = items
	}
	return result
}

// NoteContext records the filters/since/sinceMode this subfolder was
// created under the first time it's called, and verifies they still match
// on every later call (since a managed export always re-derives and
// re-asserts its context before writing into a possibly-reused subfolder).
func (m *OutputMetadata) NoteContext(filters map[string][]string, since string, sinceMode string) error {
	ordered := orderFilters(filters)

	if _, ok := m.contents["filters"]; !ok {
		m.contents["filters"] = stringMapToAny(ordered)
		m.contents["since"] = since
		if since != "" {
			m.contents["sinceMode"] = sinceMode
		} else {
			m.contents["sinceMode"] = nil
		}
		return m.write()
	}

	found := toStringMap(m.contents["filters"])
	if !filtersEqual(found, ordered) {
		return fmt.Errorf("folder %s is for a different set of types and/or filters", m.folder)
	}

	foundSince, _ := m.contents["since"].(string)
	if foundSince != since {
		return fmt.Errorf("folder %s is for a different --since time: expected %q but found %q", m.folder, since, foundSince)
	}

	foundSinceMode, _ := m.contents["sinceMode"].(string)
	if since != "" && foundSinceMode != sinceMode {
		return fmt.Errorf("folder %s is for a different --since-mode: expected %q but found %q", m.folder, sinceMode, foundSinceMode)
	}

	return nil
}

// HasSameContext reports whether this subfolder's recorded context exactly
// matches the given filters/since/sinceMode, used when deciding whether an
// existing subfolder can be reused for a new export instead of creating a
// new one.
func (m *OutputMetadata) HasSameContext(filters map[string][]string, since string, sinceMode string) bool {
	ordered := orderFilters(filters)
	found := toStringMap(m.contents["filters"])
	foundSince, _ := m.contents["since"].(string)
	foundSinceMode, _ := m.contents["sinceMode"].(string)

	return filtersEqual(found, ordered) &&
		foundSince == since &&
		(since == "" || foundSinceMode == sinceMode)
}

// GetMatchingTimestamps reports, for every resource type in filters that
// this subfolder also covers with a filter set that is a superset of (or
// equal to) the requested one, the "done" timestamp recorded for it. Since
// per-type filters are OR'd together, a subfolder that covers a superset of
// the requested filter values is still a valid match for computing a
// conservative automatic --since value.
func (m *OutputMetadata) GetMatchingTimestamps(filters map[string][]string, sinceMode string) map[string]time.Time {
	matches := map[string]time.Time{}

	if foundMode, ok := m.contents["sinceMode"].(string); ok && foundMode != "" && foundMode != sinceMode {
		return matches
	}

	foundFilters := toStringMap(m.contents["filters"])
	done := toStringMap2(m.contents["done"])

	for resType, foundParams := range foundFilters {
		targetParams, ok := filters[resType]
		if !ok {
			continue
		}

		foundSet := toSet(foundParams)
		bothEmpty := len(targetParams) == 0 && len(foundSet) == 0
		targetIsSubset := len(targetParams) > 0 && isSubset(targetParams, foundSet)
		if !bothEmpty && !targetIsSubset {
			continue
		}

		if raw, ok := done[resType]; ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				matches[resType] = ts
			}
		}
	}

	return matches
}

// GetResFilters returns the OR'd filter params this subfolder's context
// recorded for resType, and whether resType was covered by this subfolder's
// export at all. A covered-but-empty result means a full, unfiltered pull.
func (m *OutputMetadata) GetResFilters(resType string) (params []string, covered bool) {
	found := toStringMap(m.contents["filters"])
	params, covered = found[resType]
	return params, covered
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func isSubset(target []string, of map[string]bool) bool {
	for _, v := range target {
		if !of[v] {
			return false
		}
	}
	return true
}

func toStringMap2(raw any) map[string]string {
	result := map[string]string{}
	obj, ok := raw.(map[string]any)
	if !ok {
		return result
	}
	for k, v := range obj {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// IsDone reports whether tag (a resource type or a hydration task name) has
// already been marked done in this subfolder.
func (m *OutputMetadata) IsDone(tag string) bool {
	done := toStringMap2(m.contents["done"])
	_, ok := done[tag]
	return ok
}

// MarkDone records tag as done as of timestamp (ideally the server's
// transactionTime, to stay consistent with bulk export semantics).
func (m *OutputMetadata) MarkDone(tag string, timestamp time.Time) error {
	done, ok := m.contents["done"].(map[string]any)
	if !ok {
		done = map[string]any{}
	}
	done[tag] = timestamp.UTC().Format(time.RFC3339)
	m.contents["done"] = done
	return m.write()
}

// GetEarliestDoneDate returns the oldest of all recorded "done" timestamps,
// used as a conservative transaction time when none was reported by the
// server directly (e.g. during a crawl).
func (m *OutputMetadata) GetEarliestDoneDate() (time.Time, bool) {
	done := toStringMap2(m.contents["done"])
	var earliest time.Time
	found := false
	for _, raw := range done {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		if !found || ts.Before(earliest) {
			earliest = ts
			found = true
		}
	}
	return earliest, found
}

// SetBulkStatusURL records (or, given "", clears) the bulk export
// status/poll URL so an interrupted export can be resumed by polling it
// again instead of re-kicking-off.
func (m *OutputMetadata) SetBulkStatusURL(statusURL string) error {
	if statusURL != "" {
		m.contents["bulk-status"] = statusURL
	} else {
		delete(m.contents, "bulk-status")
	}
	return m.write()
}

// GetBulkStatusURL returns the previously recorded bulk status URL, or ""
// if none is set.
func (m *OutputMetadata) GetBulkStatusURL() string {
	url, _ := m.contents["bulk-status"].(string)
	return url
}

// NoteNewPatients records the set of patient IDs that this subfolder's
// crawl decided to treat as newly-appearing (freshly added to the cohort,
// or newly pointed at by a patient merge), so a later crawl of a dependent
// resource type can find them again via GetNewPatients without redoing the
// merge-link comparison.
func (m *OutputMetadata) NoteNewPatients(ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	items := make([]any, len(sorted))
	for i, id := range sorted {
		items[i] = id
	}
	m.contents["newPatients"] = items
	return m.write()
}

// GetNewPatients returns the patient IDs previously recorded by
// NoteNewPatients, or nil if none were.
func (m *OutputMetadata) GetNewPatients() []string {
	raw, ok := m.contents["newPatients"].([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}

// GetSinceResources returns the resource types this subfolder's context
// recorded a since-filtered (as opposed to full/historical) fetch for: every
// type in the recorded filters when a since value was recorded, none
// otherwise. A type absent here was fetched as a full historical pull.
func (m *OutputMetadata) GetSinceResources() map[string]bool {
	since, _ := m.contents["since"].(string)
	result := map[string]bool{}
	if since == "" {
		return result
	}
	for resType := range toStringMap(m.contents["filters"]) {
		result[resType] = true
	}
	return result
}
