// Copyright 2019 - 2025 The Samply Community
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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_InvalidServerAddress(t *testing.T) {
	server = "not a url"
	defer func() { server = "" }()

	_, err := newClient()
	assert.Error(t, err)
}

func TestNewClient_ValidServerAddress(t *testing.T) {
	server = "http://localhost:9200/fhir"
	defer func() { server = "" }()

	client, err := newClient()
	require.NoError(t, err)
	baseURL := client.BaseURL()
	assert.Equal(t, "http://localhost:9200/fhir", baseURL.String())
}

func TestNewClient_WithBasicAuth(t *testing.T) {
	server = "http://localhost:9200/fhir"
	basicAuthUser = "alice"
	basicAuthPassword = "secret"
	defer func() {
		server = ""
		basicAuthUser = ""
		basicAuthPassword = ""
	}()

	client, err := newClient()
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestRootCmd_DefinesServerFlag(t *testing.T) {
	rootCmd.SetArgs([]string{"--help"})
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("server"))
}
