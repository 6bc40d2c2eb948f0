package main

import (
	"os"

	"github.com/psantana5/agent-guardian/cmd/guardian/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
