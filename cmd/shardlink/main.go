// shardlink - encrypted transfers to and from a storage bridge
package main

import (
	"os"

	"github.com/rescale/shardlink/internal/cli"
	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/version"
)

// Version information, set by ldflags
var (
	Version   = ""
	BuildTime = ""
)

func main() {
	if Version != "" {
		version.Version = Version
	}
	if BuildTime != "" {
		version.BuildTime = BuildTime
	}

	if err := cli.Execute(); err != nil {
		if storage.IsAborted(err) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
