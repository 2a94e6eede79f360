package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/ndjson"
)

func bundleOf(resourceJSON ...string) string {
	entries := ""
	for i, r := range resourceJSON {
		if i > 0 {
			entries += ","
		}
		entries += fmt.Sprintf(`{"resource":%s}`, r)
	}
	return fmt.Sprintf(`{"resourceType":"Bundle","type":"searchset","entry":[%s]}`, entries)
}

func TestPerform_IDListCohortCrawlsObservations(t *testing.T) {
	dir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("_id")
		w.Write([]byte(bundleOf(fmt.Sprintf(`{"resourceType":"Patient","id":%q}`, id))))
	})
	mux.HandleFunc("/Observation", func(w http.ResponseWriter, r *http.Request) {
		patient := r.URL.Query().Get("patient")
		w.Write([]byte(bundleOf(fmt.Sprintf(`{"resourceType":"Observation","id":"obs-%s","subject":{"reference":"Patient/%s"}}`, patient, patient))))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	baseURL, err := url.ParseRequestURI(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.ClientAuth{})

	filters, err := filtering.New([]string{"Observation"}, nil, fhir.ServerUnknown, "", filtering.SinceUpdated)
	require.NoError(t, err)

	opts := Options{
		FHIRURL:       server.URL,
		GroupNickname: "study-a",
		IDList:        "1,2",
		Workdir:       dir,
		ManagedDir:    dir,
		Workers:       2,
	}

	var finished []string
	err = Perform(context.Background(), client, client, filters, opts, func(resType string) error {
		finished = append(finished, resType)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, finished, "Observation")

	obsLines, err := ndjson.ReadLines(filepath.Join(dir, "Observation.ndjson.gz"))
	require.NoError(t, err)
	assert.Len(t, obsLines, 2)

	patientLines, err := ndjson.ReadLines(filepath.Join(dir, "Patient.ndjson.gz"))
	require.NoError(t, err)
	assert.Len(t, patientLines, 2)

	_, err = os.Stat(filepath.Join(dir, "log.ndjson"))
	assert.NoError(t, err)
}

func TestPerform_NoCohortErrors(t *testing.T) {
	dir := t.TempDir()

	baseURL, err := url.ParseRequestURI("http://fhir.invalid")
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.ClientAuth{})

	filters, err := filtering.New([]string{"Observation"}, nil, fhir.ServerUnknown, "", filtering.SinceUpdated)
	require.NoError(t, err)

	opts := Options{
		FHIRURL:    "http://fhir.invalid",
		SourceDir:  filepath.Join(dir, "missing"),
		Workdir:    dir,
		ManagedDir: dir,
	}

	err = Perform(context.Background(), client, client, filters, opts, nil)
	assert.Error(t, err)
}
