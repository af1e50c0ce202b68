// Package main is the entry point for the osdrelay application.
package main

import (
	"os"

	"github.com/jmylchreest/osdrelay/cmd/osdrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
