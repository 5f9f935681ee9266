package main

import (
	"os"

	"github.com/reefworks/reefworks/cmd/reefctl/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
