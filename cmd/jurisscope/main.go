// Package main provides the entry point for the jurisscope CLI.
package main

import (
	"os"

	"github.com/amelia751/jurisscope/cmd/jurisscope/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
