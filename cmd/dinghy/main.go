/*
This command provides an executable version of the dinghy forwarding
proxy.

For the list of command line options, run:

	dinghy -help

For details about the usage, see the documentation of the root dinghy
package.
*/
package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dinghy-proxy/dinghy"
	"github.com/dinghy-proxy/dinghy/config"
)

var (
	version string
	commit  string
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	if cfg.PrintVersion {
		fmt.Printf("Dinghy version %s (commit: %s)\n", version, commit)
		return
	}

	log.Fatal(dinghy.Run(cfg.ToOptions()))
}
