package bulkexport

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/metadata"
)

func newTestFilters(t *testing.T) *filtering.Filters {
	t.Helper()
	f, err := filtering.New([]string{"Patient", "Observation"}, nil, fhir.ServerUnknown, "", filtering.SinceUpdated)
	require.NoError(t, err)
	return f
}

func TestExporter_Export_HappyPath(t *testing.T) {
	dir := t.TempDir()

	var pollHits int
	mux := http.NewServeMux()
	mux.HandleFunc("/Group/42/$export", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "respond-async", r.Header.Get("Prefer"))
		w.Header().Set("Content-Location", "http://"+r.Host+"/poll/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/poll/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		pollHits++
		if pollHits == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactionTime": "2026-01-01T00:00:00Z",
			"output": []map[string]string{
				{"type": "Patient", "url": "http://" + r.Host + "/files/patient.ndjson"},
			},
		})
	})
	mux.HandleFunc("/files/patient.ndjson", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Patient","id":"1"}` + "\n"))
		w.Write([]byte(`{"resourceType":"Patient","id":"2"}` + "\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	baseURL, err := url.ParseRequestURI(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.ClientAuth{})

	md, err := metadata.NewOutputMetadata(dir)
	require.NoError(t, err)

	exporter := NewExporter(client, []string{"Patient"}, server.URL+"/Group/42", dir, newTestFilters(t), md)
	exporter.PollTimeout = time.Minute

	err = exporter.Export(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, pollHits)
	assert.Equal(t, "", md.GetBulkStatusURL())

	file, err := os.Open(filepath.Join(dir, "Patient.001.ndjson.gz"))
	require.NoError(t, err)
	defer file.Close()
	r, err := gzip.NewReader(file)
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(body), "\n"))

	assert.Equal(t, 1, exporter.stats.TotalPages)
	require.Len(t, exporter.stats.ResourcesPerPage, 1)
	assert.Equal(t, 2, exporter.stats.ResourcesPerPage[0])
	assert.Greater(t, exporter.stats.TotalBytesIn, int64(0))
	require.Len(t, exporter.stats.RequestDurations, 1)
}

func TestExporter_Export_KickoffRejected(t *testing.T) {
	dir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"resourceType":"OperationOutcome"}`))
	}))
	defer server.Close()

	baseURL, err := url.ParseRequestURI(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.ClientAuth{})

	md, err := metadata.NewOutputMetadata(dir)
	require.NoError(t, err)

	exporter := NewExporter(client, []string{"Patient"}, server.URL, dir, newTestFilters(t), md)
	err = exporter.Export(context.Background())
	require.Error(t, err)
	assert.Equal(t, "", md.GetBulkStatusURL())
}

func TestExporter_Export_ResumesFromRecordedStatusURL(t *testing.T) {
	dir := t.TempDir()

	var kickoffHits int
	mux := http.NewServeMux()
	mux.HandleFunc("/$export", func(w http.ResponseWriter, r *http.Request) {
		kickoffHits++
		w.Header().Set("Content-Location", "http://"+r.Host+"/poll/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/poll/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactionTime": "2026-01-01T00:00:00Z",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	baseURL, err := url.ParseRequestURI(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.ClientAuth{})

	md, err := metadata.NewOutputMetadata(dir)
	require.NoError(t, err)
	require.NoError(t, md.SetBulkStatusURL(server.URL+"/poll/1"))

	exporter := NewExporter(client, []string{"Patient"}, server.URL, dir, newTestFilters(t), md)
	err = exporter.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, kickoffHits)
}

func TestGatherMessages_SplitsFatalFromInfoAndFormatsViaErrorResponse(t *testing.T) {
	dir := t.TempDir()
	errorDir := filepath.Join(dir, "error")
	require.NoError(t, os.MkdirAll(errorDir, 0755))

	outcomes := strings.Join([]string{
		`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"processing","diagnostics":"patient 7 unreadable"}]}`,
		`{"resourceType":"OperationOutcome","issue":[{"severity":"information","code":"informational","diagnostics":"skipped 1 duplicate"}]}`,
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(errorDir, "Patient.ndjson"), []byte(outcomes+"\n"), 0644))

	e := &Exporter{destination: dir}
	fatal, info := e.gatherMessages()

	require.Len(t, fatal, 1)
	assert.Contains(t, fatal[0], "patient 7 unreadable")
	assert.Contains(t, fatal[0], "StatusCode")

	require.Len(t, info, 1)
	require.Len(t, info[0].Issue, 1)
	assert.Equal(t, "skipped 1 duplicate", *info[0].Issue[0].Diagnostics)
}

func TestBuildKickoffURL_MultipleTypeFiltersAreCommaJoinedNotRepeated(t *testing.T) {
	f, err := filtering.New(
		[]string{"Observation", "Patient"},
		[]string{"Observation?category=laboratory", "Observation?category=imaging"},
		fhir.ServerUnknown, "", filtering.SinceUpdated,
	)
	require.NoError(t, err)

	e := NewExporter(nil, []string{"Observation", "Patient"}, "http://x/fhir", t.TempDir(), f, nil)
	kickoffURL := e.buildKickoffURL()

	parsed, err := url.Parse(kickoffURL)
	require.NoError(t, err)
	query := parsed.Query()

	assert.Len(t, query["_typeFilter"], 1, "_typeFilter must appear exactly once, comma-joined")
	assert.Equal(t, "Observation?category=imaging,Observation?category=laboratory", query.Get("_typeFilter"))
	assert.Equal(t, "Observation,Patient", query.Get("_type"))
}

func TestExportURL(t *testing.T) {
	assert.Equal(t, "http://x/fhir", ExportURL("http://x/fhir", ""))
	assert.Equal(t, "http://x/fhir/Group/42", ExportURL("http://x/fhir", "42"))
}

func TestPerform_SkipsAlreadyDoneTypes(t *testing.T) {
	dir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("export should have been skipped entirely")
	}))
	defer server.Close()

	baseURL, err := url.ParseRequestURI(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.ClientAuth{})

	f, err := filtering.New([]string{"Patient"}, nil, fhir.ServerUnknown, "", filtering.SinceUpdated)
	require.NoError(t, err)

	md, err := metadata.NewOutputMetadata(dir)
	require.NoError(t, err)
	require.NoError(t, md.MarkDone("Patient", time.Now()))

	err = Perform(context.Background(), client, f, PerformOptions{
		FHIRURL: server.URL,
		Workdir: dir,
	})
	require.NoError(t, err)
}
