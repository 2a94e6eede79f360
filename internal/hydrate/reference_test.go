package hydrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samply/fhirharvest/fhir"
	"github.com/samply/fhirharvest/internal/resources"
)

func newTestClient(t *testing.T, server *httptest.Server) *fhir.Client {
	t.Helper()
	baseURL, err := url.ParseRequestURI(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.ClientAuth{})
	return client
}

func TestDownloadReference_EmptyAndContained(t *testing.T) {
	pool := newIDPool(nil)
	client := fhir.NewClient(url.URL{}, fhir.ClientAuth{})

	assert.Equal(t, Ignored, DownloadReference(context.Background(), client, pool, "", resources.Medication).Reason)
	assert.Equal(t, Ignored, DownloadReference(context.Background(), client, pool, "#med1", resources.Medication).Reason)
	assert.Equal(t, Ignored, DownloadReference(context.Background(), client, pool, "Observation/1", resources.Medication).Reason)
}

func TestDownloadReference_AlreadyDone(t *testing.T) {
	pool := newIDPool(map[string]bool{"Medication/1": true})
	client := fhir.NewClient(url.URL{}, fhir.ClientAuth{})

	result := DownloadReference(context.Background(), client, pool, "Medication/1", resources.Medication)
	assert.Equal(t, AlreadyDone, result.Reason)
}

func TestDownloadReference_NewlyDone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Medication/1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Medication","id":"1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	pool := newIDPool(nil)

	result := DownloadReference(context.Background(), client, pool, "Medication/1", resources.Medication)
	require.Equal(t, NewlyDone, result.Reason)
	assert.JSONEq(t, `{"resourceType":"Medication","id":"1"}`, string(result.Resource))
	assert.True(t, pool.Has("Medication/1"))
}

func TestDownloadReference_WrongResourceTypeIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Medication/1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error"}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	pool := newIDPool(nil)

	result := DownloadReference(context.Background(), client, pool, "Medication/1", resources.Medication)
	assert.Equal(t, FatalError, result.Reason)
	assert.False(t, pool.Has("Medication/1"))
}

func TestDownloadReference_HTTPErrorIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Medication/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server)
	pool := newIDPool(nil)

	result := DownloadReference(context.Background(), client, pool, "Medication/1", resources.Medication)
	assert.Equal(t, FatalError, result.Reason)
}
