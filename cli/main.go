package main

import (
	"os"

	"github.com/ember-sh/ember/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
