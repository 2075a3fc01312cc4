// Package main implements agentjobsctl, the operator CLI that talks to
// agentjobsd's HTTP façade from a terminal.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL     string
	requestTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentjobsctl",
	Short: "Operator CLI for agentjobsd",
	Long:  `agentjobsctl submits, inspects, and controls agent jobs against a running agentjobsd instance.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "agentjobsd base URL")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(versionCmd)
}
