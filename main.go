package main

import (
	"os"

	"github.com/agentrun/agentrun/cmd/root"
)

func main() {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
