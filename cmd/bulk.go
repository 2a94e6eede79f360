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
	"context"

	"github.com/spf13/cobra"

	"github.com/samply/fhirharvest/internal/bulkexport"
	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/resources"
)

var (
	bulkGroup      string
	bulkWorkdir    string
	bulkTypes      []string
	bulkTypeFilter []string
	bulkSince      string
	bulkSinceMode  string
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Export a Group's cohort with FHIR Bulk Data Export",
	Long: `bulk drives a full kickoff/poll/download cycle against a Group-level
$export endpoint (or a system-level export when --group is empty), writing
the resulting ndjson files into --workdir. Running it again against the
same --workdir resumes an export still in flight and skips resource types
a previous run already completed.`,
	RunE: runBulk,
}

func init() {
	rootCmd.AddCommand(bulkCmd)

	bulkCmd.Flags().StringVar(&bulkGroup, "group", "", "the Group/id to export; omit for a system-level export")
	bulkCmd.Flags().StringVar(&bulkWorkdir, "workdir", "", "directory to write the export into")
	bulkCmd.Flags().StringSliceVar(&bulkTypes, "type", resources.PatientTypes, "resource types to request (repeatable)")
	bulkCmd.Flags().StringSliceVar(&bulkTypeFilter, "type-filter", nil, "a 'Resource?params' search restriction (repeatable)")
	bulkCmd.Flags().StringVar(&bulkSince, "since", "", "only include resources touched since this timestamp")
	bulkCmd.Flags().StringVar(&bulkSinceMode, "since-mode", string(filtering.SinceAuto), "auto, updated, or created")
	bulkCmd.MarkFlagRequired("workdir")
}

func runBulk(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := client.FetchCapabilities(ctx); err != nil {
		return err
	}

	filters, err := filtering.New(bulkTypes, bulkTypeFilter, client.ServerType(), bulkSince, filtering.SinceMode(bulkSinceMode))
	if err != nil {
		return err
	}

	return bulkexport.Perform(ctx, client, filters, bulkexport.PerformOptions{
		FHIRURL:   server,
		Group:     bulkGroup,
		Workdir:   bulkWorkdir,
		Since:     bulkSince,
		SinceMode: filtering.SinceMode(bulkSinceMode),
	})
}
