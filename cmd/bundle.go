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
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/samply/fhirharvest/internal/ndjson"
	"github.com/samply/fhirharvest/util"
)

var (
	bundleFolder   string
	bundleCompress bool
	bundleOutput   string
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Fold a folder's ndjson resource files into one collection Bundle",
	Long: `bundle combines every resource ndjson file directly inside --workdir
into a single FHIR Bundle document and removes the original files. With
--output, the bundle is additionally copied out to a standalone file,
which (like blazectl's output files) must not already exist.`,
	RunE: runBundle,
}

func init() {
	rootCmd.AddCommand(bundleCmd)

	bundleCmd.Flags().StringVar(&bundleFolder, "workdir", "", "folder whose ndjson resource files should be bundled")
	bundleCmd.Flags().BoolVar(&bundleCompress, "compress", false, "gzip the resulting bundle file")
	bundleCmd.Flags().StringVar(&bundleOutput, "output", "", "also copy the bundle to this standalone file")
	bundleCmd.MarkFlagRequired("workdir")
}

func runBundle(cmd *cobra.Command, args []string) error {
	bundlePath, err := ndjson.BundleFolder(bundleFolder, bundleCompress, time.Now().UTC())
	if err != nil {
		return err
	}
	if bundlePath == "" {
		fmt.Println("No resource files found to bundle.")
		return nil
	}
	fmt.Printf("Wrote %s\n", bundlePath)

	if bundleOutput == "" {
		return nil
	}

	source, err := os.Open(bundlePath)
	if err != nil {
		return err
	}
	defer source.Close()

	dest := util.CreateOutputFileOrDie(bundleOutput)
	defer dest.Close()

	if _, err := io.Copy(dest, source); err != nil {
		return fmt.Errorf("error while copying bundle to %s: %w", bundleOutput, err)
	}
	return nil
}
