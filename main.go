// Package main is the entry point for the Argus detection engine.
package main

import (
	"os"

	"argus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
