// Package filtering implements C3: combining the caller's requested
// resource types, manual --type-filter search parameters, and a since
// watermark into the concrete search/typeFilter parameters each component
// sends to the server.
package filtering

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

// SinceMode selects which field stands in for "only data touched since X".
type SinceMode string

const (
	SinceAuto    SinceMode = "auto"
	SinceUpdated SinceMode = "updated"
	SinceCreated SinceMode = "created"
)

// Filters holds, for each requested resource type, the OR'd set of search
// parameter strings that should be applied to it, plus the since/sinceMode
// context used to derive the time-based parameters.
type Filters struct {
	serverType fhir.ServerType
	since      string
	sinceMode  SinceMode

	// detailedSince, when set, overrides Since with a per-resource-type
	// timestamp (or nil, meaning "no usable timestamp is known for this
	// type yet"), used by the crawl engine's per-type watermark tracking.
	detailedSince map[string]*time.Time

	filters map[string][]string
}

// New builds a Filters for resTypes. typeFilters entries must be in
// "ResourceType?params" form. since may be "" (no time filtering); when
// non-empty, sinceMode is resolved (auto -> created/updated based on
// serverType) and folded into Params().
func New(resTypes []string, typeFilters []string, serverType fhir.ServerType, since string, sinceMode SinceMode) (*Filters, error) {
	f := &Filters{
		serverType: serverType,
		since:      since,
		filters:    map[string][]string{},
	}
	if since != "" {
		f.sinceMode = calculateSinceMode(sinceMode, serverType)
	}

	for _, resType := range resTypes {
		f.filters[resType] = nil
	}

	for _, typeFilter := range typeFilters {
		resType, params, ok := strings.Cut(typeFilter, "?")
		if !ok {
			return nil, fmt.Errorf("type filter %q must be in the form 'Resource?params'", typeFilter)
		}
		if _, ok := f.filters[resType]; !ok {
			return nil, fmt.Errorf("type filter for %s but that type is not included in the requested types", resType)
		}
		f.filters[resType] = appendUnique(f.filters[resType], params)
	}

	if params, ok := f.filters[resources.Observation]; ok && len(params) == 0 {
		categories := "category=social-history,vital-signs,imaging,laboratory,survey,exam"
		if serverType != fhir.ServerEpic {
			categories += ",procedure,therapy,activity"
		}
		f.filters[resources.Observation] = []string{categories}
	}

	return f, nil
}

func calculateSinceMode(requested SinceMode, serverType fhir.ServerType) SinceMode {
	if requested == "" || requested == SinceAuto {
		if serverType == fhir.ServerEpic {
			return SinceCreated
		}
		return SinceUpdated
	}
	return requested
}

// SinceMode returns the resolved since mode (never "auto").
func (f *Filters) SinceMode() SinceMode {
	return f.sinceMode
}

// HasSince reports whether a --since watermark was given at all, as opposed
// to this being a full historical pull.
func (f *Filters) HasSince() bool {
	return f.since != ""
}

// SetDetailedSince overrides the single since value with a per-resource-type
// timestamp map, used once the crawl engine has computed an exact watermark
// for each type individually instead of one blanket value.
func (f *Filters) SetDetailedSince(detailed map[string]*time.Time) {
	f.detailedSince = detailed
}

// Resources returns the requested resource types, sorted.
func (f *Filters) Resources() []string {
	names := make([]string, 0, len(f.filters))
	for name := range f.filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params returns, per resource type, the OR'd set of search parameter
// strings to apply. With withSince, a since-derived parameter is folded in
// (per-type created-date fields in "created" mode, or _lastUpdated in
// "updated" mode for non-bulk calls — bulk calls use the server's native
// _since parameter instead, via GetBulkSince).
func (f *Filters) Params(withSince bool, bulk bool) map[string][]string {
	out := make(map[string][]string, len(f.filters))
	for resType, params := range f.filters {
		out[resType] = append([]string(nil), params...)
	}

	if f.since == "" || !withSince {
		return out
	}

	switch {
	case f.sinceMode == SinceCreated:
		for resType, field := range resources.CreatedSearchFields {
			f.addFilter(out, resType, field)
		}
	case !bulk:
		for resType := range out {
			f.addFilter(out, resType, "_lastUpdated")
		}
	}

	return out
}

func (f *Filters) addFilter(filters map[string][]string, resType string, field string) {
	if _, ok := filters[resType]; !ok {
		return
	}

	var resSince string
	if f.detailedSince != nil {
		ts, ok := f.detailedSince[resType]
		if !ok || ts == nil {
			return
		}
		resSince = ts.UTC().Format(time.RFC3339)
	} else {
		resSince = f.since
	}
	newParam := fmt.Sprintf("%s=gt%s", field, resSince)

	existing := filters[resType]
	if len(existing) == 0 {
		filters[resType] = []string{newParam}
		return
	}
	combined := make([]string, len(existing))
	for i, params := range existing {
		combined[i] = params + "&" + newParam
	}
	filters[resType] = combined
}

// GetBulkSince coalesces the since context down to a single _since value
// for the bulk export kickoff URL. Returns "" when no blanket value
// applies: either "created" mode (which uses per-type search params
// instead) or a detailedSince map with any unresolved (nil) entries.
func (f *Filters) GetBulkSince() string {
	if f.sinceMode == SinceCreated {
		return ""
	}

	if f.detailedSince != nil {
		var min time.Time
		first := true
		for _, ts := range f.detailedSince {
			if ts == nil {
				return ""
			}
			if first || ts.Before(min) {
				min = *ts
				first = false
			}
		}
		if first {
			return ""
		}
		return min.UTC().Format(time.RFC3339)
	}

	return f.since
}

// CombineForBulk renders this Filters' per-type parameters as the
// "_typeFilter" query values the bulk export kickoff URL needs: one entry
// per (resource type, OR-branch) pair, each percent-encoding any internal
// comma so it isn't mistaken for the top-level repeated-_typeFilter
// separator.
func (f *Filters) CombineForBulk(bulk bool) []string {
	params := f.Params(true, bulk)

	resTypes := make([]string, 0, len(params))
	for resType := range params {
		resTypes = append(resTypes, resType)
	}
	sort.Strings(resTypes)

	var combined []string
	for _, resType := range resTypes {
		values := append([]string(nil), params[resType]...)
		sort.Strings(values)
		for _, single := range values {
			combined = append(combined, quoteTypeFilter(resType+"?"+single))
		}
	}
	return combined
}

func quoteTypeFilter(typeFilter string) string {
	return strings.ReplaceAll(typeFilter, ",", "%2C")
}

func appendUnique(existing []string, value string) []string {
	for _, v := range existing {
		if v == value {
			return existing
		}
	}
	return append(existing, value)
}
