package ndjson

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleFolder(t *testing.T) {
	dir := t.TempDir()

	w := NewWriter(filepath.Join(dir, "Patient.001.ndjson"), false)
	require.NoError(t, w.WriteRaw([]byte(`{"resourceType":"Patient","id":"1"}`)))
	require.NoError(t, w.Close())

	w2 := NewWriter(filepath.Join(dir, "Encounter.001.ndjson"), false)
	require.NoError(t, w2.WriteRaw([]byte(`{"resourceType":"Encounter","id":"2"}`)))
	require.NoError(t, w2.Close())

	path, err := BundleFolder(dir, false, time.Unix(0, 0))
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = os.Stat(filepath.Join(dir, "Patient.001.ndjson"))
	assert.True(t, os.IsNotExist(err), "source file should be deleted after bundling")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"resourceType": "Bundle"`)
	assert.Contains(t, string(content), `"id":"1"`)
	assert.Contains(t, string(content), `"id":"2"`)
}

func TestBundleFolder_NoFiles(t *testing.T) {
	dir := t.TempDir()
	path, err := BundleFolder(dir, false, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestBundleFolder_AlreadyExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Bundle.json"), []byte("{}"), 0644))

	_, err := BundleFolder(dir, false, time.Unix(0, 0))
	assert.Error(t, err)
}
