package hydrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/internal/resources"
)

func writeFixture(t *testing.T, dir string, name string, lines ...string) {
	t.Helper()
	w := ndjson.NewWriter(filepath.Join(dir, name), false)
	for _, line := range lines {
		require.NoError(t, w.WriteRaw([]byte(line)))
	}
	require.NoError(t, w.Close())
}

func TestRun_MedicationRequestHydratesMedication(t *testing.T) {
	dir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/Medication/77", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Medication","id":"77"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server)

	writeFixture(t, dir, "MedicationRequest.ndjson",
		`{"resourceType":"MedicationRequest","id":"1","medicationReference":{"reference":"Medication/77"}}`,
	)

	err := Run(context.Background(), client, dir, []string{resources.MedicationRequest}, AllTasks(nil), false, 2)
	require.NoError(t, err)

	medFile := filepath.Join(dir, "Medication.meds.ndjson")
	lines, err := ndjson.ReadLines(medFile)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"resourceType":"Medication","id":"77"}`, string(lines[0]))
}

func TestRun_ObservationMembersRecurse(t *testing.T) {
	dir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/Observation/2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Observation","id":"2","hasMember":[{"reference":"Observation/3"}]}`))
	})
	mux.HandleFunc("/Observation/3", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Observation","id":"3"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server)

	writeFixture(t, dir, "Observation.ndjson",
		`{"resourceType":"Observation","id":"1","hasMember":[{"reference":"Observation/2"}]}`,
	)

	err := Run(context.Background(), client, dir, []string{resources.Observation}, AllTasks(nil), false, 2)
	require.NoError(t, err)

	membersFile := filepath.Join(dir, "Observation.members.ndjson")
	lines, err := ndjson.ReadLines(membersFile)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestRun_NoInputFilesIsNoop(t *testing.T) {
	dir := t.TempDir()
	client := newTestClient(t, httptest.NewServer(http.NewServeMux()))

	err := Run(context.Background(), client, dir, []string{resources.MedicationRequest}, AllTasks(nil), false, 2)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "Medication.meds.ndjson"))
	assert.True(t, os.IsNotExist(err))
}
