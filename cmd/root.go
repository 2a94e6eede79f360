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
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/samply/fhirharvest/fhir"
)

var (
	server            string
	basicAuthUser     string
	basicAuthPassword string
	insecure          bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fhirharvest",
	Short: "Extract a patient-level FHIR dataset from a server",
	Long: `fhirharvest pulls a cohort's FHIR resources off a server, either
through Bulk Data Export or, as a fallback, by crawling one patient search
at a time, then hydrates the result with referenced Medications,
DiagnosticReport results, Observation members and inlined attachments.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "the base URL of the FHIR server to use")
	rootCmd.PersistentFlags().StringVar(&basicAuthUser, "basic-auth-user", "", "HTTP Basic Auth user")
	rootCmd.PersistentFlags().StringVar(&basicAuthPassword, "basic-auth-password", "", "HTTP Basic Auth password")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	rootCmd.MarkPersistentFlagRequired("server")
}

// newClient builds the *fhir.Client shared by every subcommand from the
// persistent --server/--basic-auth-*/--insecure flags.
func newClient() (*fhir.Client, error) {
	baseURL, err := url.ParseRequestURI(server)
	if err != nil {
		return nil, fmt.Errorf("invalid --server URL %q: %w", server, err)
	}

	auth := fhir.ClientAuth{BasicAuthUser: basicAuthUser, BasicAuthPassword: basicAuthPassword}
	if insecure {
		return fhir.NewClientInsecure(*baseURL, auth), nil
	}
	return fhir.NewClient(*baseURL, auth), nil
}
