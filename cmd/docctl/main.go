// Package main provides the entry point for the docctl operator CLI.
package main

import (
	"fmt"
	"os"

	"pdf-ingest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
