// Copyright 2019 - 2023 The Samply Community
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// ServerType captures the handful of server quirks this package needs to know
// about: whether meta.lastUpdated search is missing, whether some Observation
// categories are unsupported, and so on.
type ServerType int

const (
	ServerUnknown ServerType = iota
	ServerEpic
)

// A Client is a FHIR client which combines an HTTP client with the base URL of
// a FHIR server. Construct it with NewClient or NewClientInsecure, which set the
// base URL and configure the underlying HTTP client.
type Client struct {
	httpClient   http.Client
	baseURL      url.URL
	auth         ClientAuth
	capabilities *fm.CapabilityStatement
	serverType   ServerType
}

// ClientAuth comprises the authentication information used by the Client in
// order to communicate with a FHIR server.
type ClientAuth struct {
	BasicAuthUser     string
	BasicAuthPassword string
}

// NewClient creates a new Client with the given base URL and ClientAuth configuration.
func NewClient(fhirServerBaseUrl url.URL, auth ClientAuth) *Client {
	return createClient(fhirServerBaseUrl, auth, false)
}

// NewClientInsecure creates a new Client as NewClient does but disables TLS security checks. I.e. the client will
// accept any connection to a servers without verifying its certificate.
// Use this with great caution as it opens up man-in-the-middle attacks.
func NewClientInsecure(fhirServerBaseUrl url.URL, auth ClientAuth) *Client {
	return createClient(fhirServerBaseUrl, auth, true)
}

// MaxConnections is the size of the pool new clients are configured with. C4's
// worker count is defined as 2x this value.
const MaxConnections = 100

func createClient(fhirServerBaseUrl url.URL, auth ClientAuth, insecure bool) *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = MaxConnections
	t.MaxConnsPerHost = MaxConnections
	t.MaxIdleConnsPerHost = MaxConnections
	t.TLSClientConfig.InsecureSkipVerify = insecure

	return &Client{
		httpClient: http.Client{Transport: t},
		baseURL:    fhirServerBaseUrl,
		auth:       auth,
	}
}

const fhirJson = "application/fhir+json"
const fhirNdjson = "application/fhir+ndjson"

// BaseURL returns the server base URL this client was constructed with.
func (c *Client) BaseURL() url.URL {
	return c.baseURL
}

// ServerType reports the server quirks detected from the last FetchCapabilities
// call, or ServerUnknown if capabilities were never fetched.
func (c *Client) ServerType() ServerType {
	return c.serverType
}

// Capabilities returns the cached capability statement, if FetchCapabilities
// has already been called.
func (c *Client) Capabilities() *fm.CapabilityStatement {
	return c.capabilities
}

// FetchCapabilities requests and caches the server's capability statement, and
// uses it to detect a handful of known server quirks (currently: Epic).
func (c *Client) FetchCapabilities(ctx context.Context) (*fm.CapabilityStatement, error) {
	req, err := c.NewCapabilitiesRequest()
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("could not fetch capability statement: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capability statement request returned status %d", resp.StatusCode)
	}

	statement, err := ReadCapabilityStatement(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not parse capability statement: %w", err)
	}

	c.capabilities = &statement
	c.serverType = detectServerType(&statement)
	return c.capabilities, nil
}

func detectServerType(statement *fm.CapabilityStatement) ServerType {
	if statement.Software != nil && statement.Software.Name != "" {
		if strings.Contains(strings.ToLower(statement.Software.Name), "epic") {
			return ServerEpic
		}
	}
	return ServerUnknown
}

// SupportedResourceTypes returns the set of resource types the server's
// capability statement advertises for the "server" rest mode, or nil if
// capabilities have not been fetched or don't include a resource list.
func (c *Client) SupportedResourceTypes() map[string]bool {
	if c.capabilities == nil {
		return nil
	}
	for _, rest := range c.capabilities.Rest {
		if rest.Mode == fm.RestfulCapabilityModeServer {
			types := make(map[string]bool, len(rest.Resource))
			for _, res := range rest.Resource {
				types[res.Type] = true
			}
			return types
		}
	}
	return nil
}

// NewCapabilitiesRequest creates a new capabilities interaction request. Uses
// the base URL from the FHIR client and sets JSON Accept header. Otherwise it's
// identical to http.NewRequest.
func (c *Client) NewCapabilitiesRequest() (*http.Request, error) {
	req, err := http.NewRequest("GET", c.baseURL.JoinPath("metadata").String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	return req, nil
}

// NewSearchTypeRequest creates a new search type interaction request that will use GET with a
// FHIR search query in the query params of the URL.
func (c *Client) NewSearchTypeRequest(resourceType string, searchQuery url.Values) (*http.Request, error) {
	_url := c.baseURL.JoinPath(resourceType)
	_url.RawQuery = searchQuery.Encode()
	req, err := http.NewRequest("GET", _url.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	return req, nil
}

// NewPostSearchTypeRequest creates a new search type interaction request that will use POST with a
// FHIR search query in the body.
func (c *Client) NewPostSearchTypeRequest(resourceType string, searchQuery url.Values) (*http.Request, error) {
	req, err := http.NewRequest("POST", c.baseURL.JoinPath(resourceType, "_search").String(),
		strings.NewReader(searchQuery.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// NewPaginatedRequest creates a new resource interaction request based on
// a pagination link received from a FHIR server. It sets JSON Accept header and is
// otherwise identical to http.NewRequest.
func (c *Client) NewPaginatedRequest(paginationURL string) (*http.Request, error) {
	req, err := http.NewRequest("GET", paginationURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	return req, nil
}

// NewTypeOperationRequest creates a new operation request that will use GET with parameters in the query params of the URL.
func (c *Client) NewTypeOperationRequest(resourceType string, operationName string, parameters url.Values) (*http.Request, error) {
	_url := c.baseURL.JoinPath(resourceType, "$"+operationName)
	_url.RawQuery = parameters.Encode()
	req, err := http.NewRequest("GET", _url.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	return req, nil
}

// NewBulkKickoffRequest creates a bulk export kickoff request against the
// given (already fully composed) export URL.
func (c *Client) NewBulkKickoffRequest(exportURL string) (*http.Request, error) {
	req, err := http.NewRequest("GET", exportURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	req.Header.Add("Prefer", "respond-async")
	return req, nil
}

// NewBulkStatusRequest creates a request to poll a bulk export status/poll URL.
func (c *Client) NewBulkStatusRequest(pollURL string) (*http.Request, error) {
	req, err := http.NewRequest("GET", pollURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	return req, nil
}

// NewBulkDeleteRequest creates a courtesy DELETE request for a bulk export
// status/poll URL, issued after a successful download.
func (c *Client) NewBulkDeleteRequest(pollURL string) (*http.Request, error) {
	return http.NewRequest("DELETE", pollURL, nil)
}

// NewBulkFileRequest creates a streaming download request for one bulk export
// manifest file.
func (c *Client) NewBulkFileRequest(fileURL string) (*http.Request, error) {
	req, err := http.NewRequest("GET", fileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirNdjson)
	return req, nil
}

// NewReferenceRequest creates a request for a relative FHIR reference (e.g.
// "Medication/123"), used by the hydration task runner.
func (c *Client) NewReferenceRequest(reference string) (*http.Request, error) {
	_url := c.baseURL.JoinPath(reference)
	req, err := http.NewRequest("GET", _url.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", fhirJson)
	return req, nil
}

// NewAttachmentRequest creates a request for a Binary/attachment URL, asking
// for the raw media type rather than a Binary FHIR resource wrapper.
func (c *Client) NewAttachmentRequest(attachmentURL string, mimeType string) (*http.Request, error) {
	req, err := http.NewRequest("GET", attachmentURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", mimeType)
	return req, nil
}

// Do calls Do on the HTTP client of the FHIR client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if len(c.auth.BasicAuthUser) != 0 {
		req.SetBasicAuth(c.auth.BasicAuthUser, c.auth.BasicAuthPassword)
	}

	return c.httpClient.Do(req)
}

// CloseIdleConnections calls CloseIdleConnections on the HTTP client of the
// FHIR client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ReadCapabilityStatement reads and unmarshals a capability statement.
func ReadCapabilityStatement(r io.Reader) (fm.CapabilityStatement, error) {
	var capabilityStatement fm.CapabilityStatement
	body, err := io.ReadAll(r)
	if err != nil {
		return capabilityStatement, err
	}
	if err := json.Unmarshal(body, &capabilityStatement); err != nil {
		return capabilityStatement, err
	}
	return capabilityStatement, nil
}

// ReadBundle reads and unmarshals a bundle.
func ReadBundle(r io.Reader) (fm.Bundle, error) {
	var bundle fm.Bundle
	body, err := io.ReadAll(r)
	if err != nil {
		return bundle, err
	}
	return fm.UnmarshalBundle(body)
}

// ReadOperationOutcome reads and unmarshals an OperationOutcome.
func ReadOperationOutcome(body []byte) (fm.OperationOutcome, error) {
	return fm.UnmarshalOperationOutcome(body)
}
