package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display the effective configuration after defaults, the user config,
the project config and environment overrides have been applied.

User configuration lives at ~/.config/conductor/config.yaml.
Project-specific overrides can be placed in .conductor.yaml.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		root, err := projectRoot()
		if err != nil {
			return err
		}
		displayPaths(cfg, root)
		fmt.Println()
		displayAllConfig(cfg)
		return nil
	},
}

// displayPaths prints where configuration and state are read from.
func displayPaths(cfg *config.Config, root string) {
	project := config.GetProjectConfigPath()
	if project == "" {
		project = "(none)"
	}
	fmt.Printf("user config:    %s\n", config.GetUserConfigPath())
	fmt.Printf("project config: %s\n", project)
	fmt.Printf("history db:     %s\n", cfg.StatePath(root))
	fmt.Printf("signals dir:    %s\n", cfg.SignalsDir(root))
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	apiKeyDisplay := "(not set)"
	if key, err := config.GetAPIKey(cfg); err == nil && key != "" {
		apiKeyDisplay = config.MaskAPIKey(key)
	}

	fmt.Printf("oracle.provider: %s\n", cfg.Oracle.Provider)
	fmt.Printf("oracle.api_key: %s (source: %s)\n", apiKeyDisplay, config.GetAPIKeySource(cfg))
	fmt.Printf("oracle.fast_model: %s\n", cfg.Oracle.FastModel)
	fmt.Printf("oracle.strong_model: %s\n", cfg.Oracle.StrongModel)
	fmt.Printf("oracle.max_tokens: %d\n", cfg.Oracle.MaxTokens)
	if cfg.Oracle.AWSRegion != "" {
		fmt.Printf("oracle.aws_region: %s\n", cfg.Oracle.AWSRegion)
	}
	if cfg.Oracle.AWSProfile != "" {
		fmt.Printf("oracle.aws_profile: %s\n", cfg.Oracle.AWSProfile)
	}

	fmt.Printf("pipeline.max_attempts: %d\n", cfg.Pipeline.MaxAttempts)
	fmt.Printf("pipeline.max_replan_depth: %d\n", cfg.Pipeline.MaxReplanDepth)
	fmt.Printf("pipeline.allow_skip: %t\n", cfg.Pipeline.AllowSkip)
	fmt.Printf("pipeline.parallel: %t\n", cfg.Pipeline.Parallel)
	fmt.Printf("pipeline.workers: %d\n", cfg.Pipeline.Workers)
	fmt.Printf("pipeline.cancel_grace: %s\n", cfg.Pipeline.CancelGrace)

	fmt.Printf("timeouts.planning: %s\n", cfg.Timeouts.Planning)
	fmt.Printf("timeouts.execution: %s\n", cfg.Timeouts.Execution)
	fmt.Printf("timeouts.verification: %s\n", cfg.Timeouts.Verification)
	fmt.Printf("timeouts.startup: %s\n", cfg.Timeouts.Startup)

	fmt.Printf("gateway.base_delay: %s\n", cfg.Gateway.BaseDelay)
	fmt.Printf("gateway.min_delay: %s\n", cfg.Gateway.MinDelay)
	fmt.Printf("gateway.max_delay: %s\n", cfg.Gateway.MaxDelay)
	fmt.Printf("gateway.backoff_multiplier: %g\n", cfg.Gateway.BackoffMultiplier)
	fmt.Printf("gateway.jitter: %g\n", cfg.Gateway.Jitter)
	fmt.Printf("gateway.max_retries: %d\n", cfg.Gateway.MaxRetries)
	fmt.Printf("gateway.max_queue_size: %d\n", cfg.Gateway.MaxQueueSize)
	fmt.Printf("gateway.batch_window: %s\n", cfg.Gateway.BatchWindow)
	fmt.Printf("gateway.max_batch_size: %d\n", cfg.Gateway.MaxBatchSize)

	fmt.Printf("validation.repetition_threshold: %d\n", cfg.Validation.RepetitionThreshold)
	fmt.Printf("validation.max_calls_per_capability: %d\n", cfg.Validation.MaxCallsPerCapability)
	fmt.Printf("validation.history_size: %d\n", cfg.Validation.HistorySize)
	fmt.Printf("validation.block_risk_at: %s\n", cfg.Validation.BlockRiskAt)
	fmt.Printf("validation.fail_open: %t\n", cfg.Validation.FailOpen)
	fmt.Printf("validation.repetition_action: %s\n", cfg.Validation.RepetitionAction)

	fmt.Printf("verification.confidence_floor: %g\n", cfg.Verification.ConfidenceFloor)
	fmt.Printf("verification.perception_to_data: %t\n", cfg.Verification.PerceptionToData)
	fmt.Printf("verification.data_to_perception: %t\n", cfg.Verification.DataToPerception)
	fmt.Printf("verification.capture: %s\n", orNone(cfg.CaptureCapability()))

	fmt.Printf("supervision.max_restarts: %d\n", cfg.Supervision.MaxRestarts)
	fmt.Printf("supervision.stop_timeout: %s\n", cfg.Supervision.StopTimeout)

	fmt.Printf("state.enabled: %t\n", cfg.State.Enabled)
	fmt.Printf("state.driver: %s\n", cfg.State.Driver)
	fmt.Printf("log.debug_file: %s\n", orNone(cfg.Log.DebugFile))

	fmt.Printf("servers: %d\n", len(cfg.Servers))
	for _, s := range cfg.Servers {
		line := fmt.Sprintf("  - %s: %s", s.Name, strings.TrimSpace(s.Command+" "+strings.Join(s.Args, " ")))
		if s.Required {
			line += " (required)"
		}
		fmt.Println(line)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
