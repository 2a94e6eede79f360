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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samply/fhirharvest/internal/crawl"
	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/util"
)

var (
	singleQuery    string
	singleWorkdir  string
	singleCompress bool
)

var singleCmd = &cobra.Command{
	Use:   "single RESOURCE_TYPE",
	Short: "Run one ad-hoc search against the server and save its results",
	Long: `single performs one paginated FHIR search for RESOURCE_TYPE and writes
every page's entries into --workdir/RESOURCE_TYPE.ndjson. --query accepts
either a literal query string ("category=laboratory") or an @file reference
whose contents are parsed the same way blazectl's --data-file flag is.`,
	Args: cobra.ExactArgs(1),
	RunE: runSingle,
}

func init() {
	rootCmd.AddCommand(singleCmd)

	singleCmd.Flags().StringVar(&singleQuery, "query", "", "search query string, or @file to read one from a file")
	singleCmd.Flags().StringVar(&singleWorkdir, "workdir", "", "directory to write the result into")
	singleCmd.Flags().BoolVar(&singleCompress, "compress", false, "gzip the resulting ndjson file")
	singleCmd.MarkFlagRequired("workdir")
}

func runSingle(cmd *cobra.Command, args []string) error {
	resType := args[0]

	client, err := newClient()
	if err != nil {
		return err
	}

	query := singleQuery
	if strings.HasPrefix(query, "@") {
		values, err := util.ReadQueryFromFile(query)
		if err != nil {
			return err
		}
		query = values.Encode()
	}

	base := client.BaseURL()
	searchURL := base.JoinPath(resType)
	if query != "" {
		searchURL.RawQuery = query
	}

	writer := ndjson.NewWriter(ndjson.Filename(singleWorkdir, resType+".ndjson", singleCompress), false)

	err = crawl.Walk(context.Background(), client, searchURL.String(), func(resourceType string, raw json.RawMessage) error {
		return writer.WriteRaw(raw)
	})
	if err != nil {
		writer.Close()
		return fmt.Errorf("search for %s failed: %w", resType, err)
	}
	return writer.Close()
}
