// Package main is the entry point for the agentctl CLI.
// It talks to the agent's /api/a2a endpoint.
package main

import (
	"os"
	"podagent/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
