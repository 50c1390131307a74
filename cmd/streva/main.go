// Package main is the entry point for the streva application.
package main

import (
	"os"

	"github.com/streva/streva/cmd/streva/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
