// Package main implements the meshwire CLI.
package main

import (
	"os"

	"github.com/WebFirstLanguage/meshwire/cmd/meshwire/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
