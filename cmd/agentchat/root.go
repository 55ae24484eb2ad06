package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "Conversational agent backend with durable chat memory",
	Long: `agentchat serves a chat endpoint backed by an agent runtime.

Each turn loads a bounded window of prior messages for the session,
invokes the agent with the tool plugins installed, records which tools
ran, and persists the user and assistant messages.

Quick Start:
  agentchat serve                          # Start the HTTP and websocket server
  agentchat history --session <id>         # Print stored messages for a session`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
