package metadata

import (
	"fmt"
	"strings"
)

// ManagedMetadata is the .metadata document living at the root of a managed
// extraction folder (as opposed to inside one of its numbered subfolders).
// It pins the folder to a single FHIR server/Group for its whole lifetime.
type ManagedMetadata struct {
	*metadata
}

// NewManagedMetadata opens (or initializes) the .metadata document at the
// root of folder.
func NewManagedMetadata(folder string) (*ManagedMetadata, error) {
	m, err := newMetadata(folder, KindManaged)
	if err != nil {
		return nil, err
	}
	return &ManagedMetadata{metadata: m}, nil
}

// NoteContext records the FHIR server URL and Group the first time it's
// called, and verifies every later call against it, so a managed folder can
// never silently mix data from two different sources.
func (m *ManagedMetadata) NoteContext(fhirURL string, group string) error {
	if _, ok := m.contents["fhir-url"]; !ok {
		m.contents["fhir-url"] = fhirURL
		if group != "" {
			m.contents["group"] = group
		} else {
			m.contents["group"] = nil
		}
		return m.write()
	}

	foundURL, _ := m.contents["fhir-url"].(string)
	if strings.TrimSuffix(foundURL, "/") != strings.TrimSuffix(fhirURL, "/") {
		return fmt.Errorf("target folder is for a different FHIR URL: expected %s but found %s", fhirURL, foundURL)
	}

	foundGroup, _ := m.contents["group"].(string)
	if foundGroup != group {
		return fmt.Errorf("target folder is for a different Group: expected %q but found %q", group, foundGroup)
	}

	return nil
}
