// Package metadata implements C2: the small JSON-document store each
// managed folder and output subfolder carries about itself, written with
// the same lazily-created, atomically-replaced discipline as the ndjson
// package uses for resource files.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Kind distinguishes the two folder roles that carry a .metadata file.
type Kind string

const (
	KindManaged Kind = "managed"
	KindOutput  Kind = "output"
)

func (k Kind) article() string {
	if k == KindOutput {
		return "an"
	}
	return "a"
}

// FormatVersion is stamped into every .metadata write so a future version
// of this tool can detect and migrate older documents if the schema ever
// changes.
const FormatVersion = "1"

// metadata is the shared read-modify-atomic-write document backing both
// OutputMetadata and ManagedMetadata. Its contents are a loosely-typed JSON
// object rather than a fixed struct, since each Kind stores a different
// (and potentially evolving) set of fields and treats the document as the
// source of truth rather than this process's in-memory view of it.
type metadata struct {
	folder   string
	path     string
	kind     Kind
	contents map[string]any
}

func newMetadata(folder string, kind Kind) (*metadata, error) {
	m := &metadata{
		folder: folder,
		path:   filepath.Join(folder, ".metadata"),
		kind:   kind,
	}
	if err := m.read(); err != nil {
		return nil, err
	}
	if found, ok := m.contents["kind"].(string); ok && found != string(kind) {
		return nil, fmt.Errorf("folder %s is not %s %s folder, but %s %s folder",
			folder, kind.article(), kind, Kind(found).article(), found)
	}
	return m, nil
}

func (m *metadata) read() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.contents = map[string]any{}
		return nil
	}
	if err != nil {
		return err
	}
	var contents map[string]any
	if err := json.Unmarshal(data, &contents); err != nil {
		return err
	}
	m.contents = contents
	return nil
}

func (m *metadata) write() error {
	m.contents["kind"] = string(m.kind)
	m.contents["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	m.contents["version"] = FormatVersion

	if err := os.MkdirAll(m.folder, 0755); err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(m.contents, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := m.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, m.path)
}
