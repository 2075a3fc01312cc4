package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version, buildTime, and gitCommit are overridden at build time via
// -ldflags "-X main.version=... -X main.buildTime=... -X main.gitCommit=...".
var (
	version   = "0.0.0-dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentjobsctl %s (build: %s, commit: %s)\n", version, buildTime, gitCommit)
	},
}
