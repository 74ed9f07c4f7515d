// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sift post-processes taint analysis output.
//
// sift parses analysis output files, assembles them into an in-memory
// trace graph, trims the graph down to the issues and traces touching a
// configured set of files, and persists the trimmed run to an embedded
// BadgerDB store.
//
// Usage:
//
//	sift trim --config sift.yaml
//	sift stats --config sift.yaml --run <run-id>
package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/sift/pkg/retry"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if ue, ok := retry.AsUserError(err); ok {
			fmt.Fprintln(os.Stderr, "error:", ue.Error())
		} else {
			fmt.Fprintln(os.Stderr, "internal error:", err)
		}
		os.Exit(1)
	}
}
