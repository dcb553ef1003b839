package main

import (
	"os"

	"github.com/blikh/awg-exporter/cmd/awg-exporter/commands"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
