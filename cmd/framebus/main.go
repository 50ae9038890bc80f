// Package main is the entry point for the framebus orchestrator.
package main

import (
	"errors"
	"os"

	"github.com/jmylchreest/framebus/cmd/framebus/cmd"
	"github.com/jmylchreest/framebus/internal/ingest"
)

func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}
	// Persistent stream-read failure is a runtime fault: exit 2 so a
	// supervisor can tell it apart from bad configuration.
	if errors.Is(err, ingest.ErrReadsFatal) {
		os.Exit(2)
	}
	os.Exit(1)
}
