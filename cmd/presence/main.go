// Command presence reconstructs online sessions from periodic presence
// snapshots and serves reports over them.
package main

import (
	"os"

	"github.com/runnerr0/presence/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// The parser prints the error.
	if err := cli.Run(version); err != nil {
		os.Exit(1)
	}
}
