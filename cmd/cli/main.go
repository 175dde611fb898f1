// Package main is the entry point for buildctl.
// The CLI is the operator terminal tool for interacting with a buildhook server.
package main

import (
	"os"

	"buildhook/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
