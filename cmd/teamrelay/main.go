// Package main is the entry point for the teamrelay CLI.
package main

import (
	"os"

	"github.com/teamrelay/teamrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
