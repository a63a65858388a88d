// Command climatoology runs the platform gateway.
package main

import (
	"os"

	"github.com/climatoology/climatoology/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
