// Package main provides tabletd, a single-node tablet server that runs
// background compaction over the tablets under one root directory.
//
// Usage:
//
//	tabletd [--config=<file>] [--root=<dir>] <command> [options]
//
// Commands:
//
//	serve                   Open every tablet, run compaction and the admin server
//	create <id>             Create an empty tablet
//	ingest <id> <version>   Load a CSV rowset or a delete predicate at one version
//	versions <id>           List the rowsets of a tablet
//	scan <id>               Print the merged rows of a tablet as CSV
//	compact <id>...         Compact tablets offline until the policy finds nothing to do
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
