package hydrate

import "strings"

// extractReferences walks doc along a dotted path such as
// "hospitalization.origin" or "location*.location", returning every
// reference string (the "reference" field of a Reference object) found at
// the end of it. A path component suffixed with "*" names an array field:
// every element of that array is carried forward to the rest of the path
// instead of the field itself. The final component's values are expected to
// be Reference objects (or, for an array-valued final component, the array
// elements are themselves Reference objects).
func extractReferences(doc map[string]any, path string) []string {
	return walkRefPath([]any{doc}, strings.Split(path, "."))
}

func walkRefPath(values []any, parts []string) []string {
	if len(parts) == 0 {
		var refs []string
		for _, v := range values {
			obj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if ref, ok := obj["reference"].(string); ok && ref != "" {
				refs = append(refs, ref)
			}
		}
		return refs
	}

	part := parts[0]
	name := strings.TrimSuffix(part, "*")
	isArray := strings.HasSuffix(part, "*")

	var next []any
	for _, v := range values {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		field, present := obj[name]
		if !present {
			continue
		}
		if isArray {
			if items, ok := field.([]any); ok {
				next = append(next, items...)
			}
			continue
		}
		next = append(next, field)
	}

	return walkRefPath(next, parts[1:])
}
