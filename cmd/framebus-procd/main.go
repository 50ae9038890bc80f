// Package main is the entry point for the framebus-procd daemon.
//
// framebus-procd is a reference frame processor: it registers with a
// framebus orchestrator, consumes its assigned work queue, and publishes a
// synthetic detection result for every frame. It exists for smoke-testing
// deployments and as a working example of the processor client library.
package main

import (
	"errors"
	"os"

	"github.com/jmylchreest/framebus/cmd/framebus-procd/cmd"
	"github.com/jmylchreest/framebus/pkg/procclient"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, procclient.ErrReadsFatal) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
