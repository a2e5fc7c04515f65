package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Tool-server orchestration pipeline",
	Long: `Conductor turns a natural-language request into a plan of work items and
drives each item through server selection, tool-call planning, validation,
execution and verification against a set of locally spawned tool servers.

Failed items are adjusted, decomposed or skipped by a deep replan, and every
run ends with a summary of what was completed and what was not.

Configuration is read from ~/.config/conductor/config.yaml, with project
overrides in .conductor.yaml and CONDUCTOR_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
