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

	"github.com/samply/fhirharvest/internal/crawl"
	"github.com/samply/fhirharvest/internal/filtering"
	"github.com/samply/fhirharvest/internal/managed"
	"github.com/samply/fhirharvest/internal/resources"
)

var (
	crawlGroup         string
	crawlGroupNickname string
	crawlIDFile        string
	crawlIDList        string
	crawlIDSystem      string
	crawlSourceDir     string
	crawlWorkdir       string
	crawlManagedDir    string
	crawlTypes         []string
	crawlTypeFilter    []string
	crawlSince         string
	crawlSinceMode     string
	crawlCompress      bool
	crawlWorkers       int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Resolve a patient cohort and crawl its resources one search at a time",
	Long: `crawl fetches a patient cohort, either from --id-file/--id-list, a
Group's bulk-exported Patient set, or a previous export's Patient ndjson in
--source-dir, then searches every other requested resource type once per
(patient, filter) pair. Use this as a fallback when a server doesn't
support Bulk Data Export.`,
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	crawlCmd.Flags().StringVar(&crawlGroup, "group", "", "the Group/id identifying the cohort")
	crawlCmd.Flags().StringVar(&crawlGroupNickname, "group-nickname", "", "a short label recorded alongside the Group id")
	crawlCmd.Flags().StringVar(&crawlIDFile, "id-file", "", "a file of patient ids, one per line")
	crawlCmd.Flags().StringVar(&crawlIDList, "id-list", "", "a comma-separated list of patient ids")
	crawlCmd.Flags().StringVar(&crawlIDSystem, "id-system", "", "the identifier system --id-file/--id-list values belong to")
	crawlCmd.Flags().StringVar(&crawlSourceDir, "source-dir", "", "a previous export's managed folder to reuse the Patient cohort from")
	crawlCmd.Flags().StringVar(&crawlWorkdir, "workdir", "", "directory to write the crawl into")
	crawlCmd.Flags().StringVar(&crawlManagedDir, "managed-dir", "", "managed folder to relink active files into as each type finishes")
	crawlCmd.Flags().StringSliceVar(&crawlTypes, "type", resources.PatientTypes, "resource types to request (repeatable)")
	crawlCmd.Flags().StringSliceVar(&crawlTypeFilter, "type-filter", nil, "a 'Resource?params' search restriction (repeatable)")
	crawlCmd.Flags().StringVar(&crawlSince, "since", "", "only include resources touched since this timestamp")
	crawlCmd.Flags().StringVar(&crawlSinceMode, "since-mode", string(filtering.SinceAuto), "auto, updated, or created")
	crawlCmd.Flags().BoolVar(&crawlCompress, "compress", false, "gzip the resulting ndjson files")
	crawlCmd.Flags().IntVar(&crawlWorkers, "workers", 10, "number of concurrent patient workers")
	crawlCmd.MarkFlagRequired("workdir")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := client.FetchCapabilities(ctx); err != nil {
		return err
	}

	filters, err := filtering.New(crawlTypes, crawlTypeFilter, client.ServerType(), crawlSince, filtering.SinceMode(crawlSinceMode))
	if err != nil {
		return err
	}

	opts := crawl.Options{
		FHIRURL:       server,
		Group:         crawlGroup,
		GroupNickname: crawlGroupNickname,
		IDFile:        crawlIDFile,
		IDList:        crawlIDList,
		IDSystem:      crawlIDSystem,
		SourceDir:     crawlSourceDir,
		Workdir:       crawlWorkdir,
		ManagedDir:    crawlManagedDir,
		Since:         crawlSince,
		SinceMode:     filtering.SinceMode(crawlSinceMode),
		Compress:      crawlCompress,
		Workers:       crawlWorkers,
	}

	var onFinish crawl.FinishFunc
	if crawlManagedDir != "" {
		onFinish = func(resType string) error {
			return managed.ResetResLinks(crawlManagedDir, resType)
		}
	}

	return crawl.Perform(ctx, client, client, filters, opts, onFinish)
}
