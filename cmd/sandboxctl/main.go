// sandboxctl is the command line client for sandboxd.
package main

import (
	"os"

	"github.com/seantiz/sandboxd/cmd/sandboxctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
