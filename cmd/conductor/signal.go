package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/signals"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Hold the running pipeline between items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(signals.Pause, "!", "Pause requested; run `conductor resume` to continue", color.FgYellow)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let a paused pipeline continue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(signals.Resume, "▸", "Resumed", color.FgGreen)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel the running pipeline",
	Long: `Cancel the pipeline running in this project. Items in flight get the
configured cancel grace to finish, and the run ends with a summary.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(signals.Kill, "✗", "Stop requested", color.FgRed)
	},
}

// sendSignal applies op to the project's signals directory.
func sendSignal(op func(dir string) error, symbol, msg string, attr color.Attribute) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	root, err := projectRoot()
	if err != nil {
		return err
	}
	if err := op(cfg.SignalsDir(root)); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	printStatus(symbol, msg, attr)
	return nil
}
