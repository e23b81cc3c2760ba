// Package main provides the entry point for the specmem CLI.
package main

import (
	"os"

	"github.com/specmem/specmem/cmd/specmem/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
