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
	"github.com/spf13/cobra"

	"github.com/samply/fhirharvest/internal/managed"
)

var (
	resetSymlinksManagedDir string
	resetSymlinksType       string
)

var resetSymlinksCmd = &cobra.Command{
	Use:   "reset-symlinks",
	Short: "Recompute a managed folder's <ResourceType>.NNN.ndjson symlinks",
	Long: `reset-symlinks rebuilds the "<ResourceType>.NNN.ndjson" symlinks
directly inside --managed-dir, useful after manually editing or removing a
subfolder. With --type, only that resource type's links are rebuilt;
otherwise every known resource type is recomputed.`,
	RunE: runResetSymlinks,
}

func init() {
	rootCmd.AddCommand(resetSymlinksCmd)

	resetSymlinksCmd.Flags().StringVar(&resetSymlinksManagedDir, "managed-dir", "", "the managed folder to relink")
	resetSymlinksCmd.Flags().StringVar(&resetSymlinksType, "type", "", "restrict to a single resource type")
	resetSymlinksCmd.MarkFlagRequired("managed-dir")
}

func runResetSymlinks(cmd *cobra.Command, args []string) error {
	if resetSymlinksType != "" {
		return managed.ResetResLinks(resetSymlinksManagedDir, resetSymlinksType)
	}
	return managed.ResetAllLinks(resetSymlinksManagedDir)
}
