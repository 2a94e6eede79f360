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

	"github.com/samply/fhirharvest/internal/hydrate"
	"github.com/samply/fhirharvest/internal/resources"
)

var (
	hydrateWorkdir    string
	hydrateStartTypes []string
	hydrateMimetypes  string
	hydrateCompress   bool
	hydrateWorkers    int
)

var hydrateCmd = &cobra.Command{
	Use:   "hydrate",
	Short: "Fill in referenced Medications, Observation members, and inlined attachments",
	Long: `hydrate rounds out a crawl or bulk export already sitting in --workdir:
it downloads the Medication a MedicationRequest only references, the result
Observations a DiagnosticReport points at (recursing through Observation
hasMember chains), and inlines text/plain, text/html or application/xhtml+xml
attachments (whatever their size) found on DocumentReference and
DiagnosticReport resources.`,
	RunE: runHydrate,
}

func init() {
	rootCmd.AddCommand(hydrateCmd)

	hydrateCmd.Flags().StringVar(&hydrateWorkdir, "workdir", "", "directory holding the export to hydrate")
	hydrateCmd.Flags().StringSliceVar(&hydrateStartTypes, "start-type", []string{resources.MedicationRequest, resources.DiagnosticReport, resources.DocumentReference}, "resource types already present in --workdir to hydrate from")
	hydrateCmd.Flags().StringVar(&hydrateMimetypes, "inline-mimetypes", "", "comma-separated attachment content types to inline (defaults to text/plain,text/html,application/xhtml+xml)")
	hydrateCmd.Flags().BoolVar(&hydrateCompress, "compress", false, "gzip the resulting ndjson files")
	hydrateCmd.Flags().IntVar(&hydrateWorkers, "workers", 10, "number of concurrent hydration workers")
	hydrateCmd.MarkFlagRequired("workdir")
}

func runHydrate(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	mimetypes := hydrate.ParseMimetypes(hydrateMimetypes)
	tasks := hydrate.AllTasks(mimetypes)

	return hydrate.Run(context.Background(), client, hydrateWorkdir, hydrateStartTypes, tasks, hydrateCompress, hydrateWorkers)
}
