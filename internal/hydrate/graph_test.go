package hydrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/internal/resources"
)

func TestRun_DeviceLocationIsDownloaded(t *testing.T) {
	dir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/Location/dev1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Location","id":"dev1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server)

	writeFixture(t, dir, "Device.ndjson",
		`{"resourceType":"Device","id":"1","location":{"reference":"Location/dev1"}}`,
	)

	err := Run(context.Background(), client, dir, []string{resources.Device}, AllTasks(nil), false, 2)
	require.NoError(t, err)

	lines, err := ndjson.ReadLines(filepath.Join(dir, "Location.referenced.ndjson"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"resourceType":"Location","id":"dev1"}`, string(lines[0]))
}

func TestRun_EncounterOrganizationAndLocationBothResolve(t *testing.T) {
	dir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/Location/enc3", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Location","id":"enc3"}`))
	})
	mux.HandleFunc("/Organization/org1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Organization","id":"org1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server)

	writeFixture(t, dir, "Encounter.ndjson",
		`{"resourceType":"Encounter","id":"1","serviceProvider":{"reference":"Organization/org1"},"location":[{"location":{"reference":"Location/enc3"}}]}`,
	)

	err := Run(context.Background(), client, dir, []string{resources.Encounter}, AllTasks(nil), false, 2)
	require.NoError(t, err)

	locLines, err := ndjson.ReadLines(filepath.Join(dir, "Location.referenced.ndjson"))
	require.NoError(t, err)
	require.Len(t, locLines, 1)
	assert.JSONEq(t, `{"resourceType":"Location","id":"enc3"}`, string(locLines[0]))

	orgLines, err := ndjson.ReadLines(filepath.Join(dir, "Organization.referenced.ndjson"))
	require.NoError(t, err)
	require.Len(t, orgLines, 1)
	assert.JSONEq(t, `{"resourceType":"Organization","id":"org1"}`, string(orgLines[0]))
}

func TestRun_PractitionerRoleSearchFindsRolesByPractitioner(t *testing.T) {
	dir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/PractitionerRole", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "practitioner=alice", r.URL.RawQuery)
		w.Write([]byte(`{
			"resourceType":"Bundle",
			"type":"searchset",
			"entry":[{"resource":{"resourceType":"PractitionerRole","id":"role1","practitioner":{"reference":"Practitioner/alice"}}}]
		}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server)

	writeFixture(t, dir, "Practitioner.ndjson",
		`{"resourceType":"Practitioner","id":"alice"}`,
	)

	err := Run(context.Background(), client, dir, []string{resources.Practitioner}, AllTasks(nil), false, 2)
	require.NoError(t, err)

	lines, err := ndjson.ReadLines(filepath.Join(dir, "PractitionerRole.searched.ndjson"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"resourceType":"PractitionerRole","id":"role1","practitioner":{"reference":"Practitioner/alice"}}`, string(lines[0]))
}
