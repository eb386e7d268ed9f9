package main

import (
	"os"

	"github.com/interceptlabs/sandboxinit/cmd/sandbox-init/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
