// Package config handles configuration loading and management for conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/validation"
	"github.com/ShayCichocki/conductor/internal/verification"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ProjectConfigName is the project-level config file searched upward from the cwd.
const ProjectConfigName = ".conductor.yaml"

// Config holds all configuration for conductor.
type Config struct {
	Oracle       OracleConfig       `mapstructure:"oracle"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Timeouts     TimeoutsConfig     `mapstructure:"timeouts"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Validation   ValidationConfig   `mapstructure:"validation"`
	Verification VerificationConfig `mapstructure:"verification"`
	Servers      []mcp.ServerConfig `mapstructure:"servers"`
	Supervision  SupervisionConfig  `mapstructure:"supervision"`
	State        StateConfig        `mapstructure:"state"`
	Signals      SignalsConfig      `mapstructure:"signals"`
	Log          LogConfig          `mapstructure:"log"`
}

// OracleConfig holds language-model backend settings.
type OracleConfig struct {
	Provider    string `mapstructure:"provider"`
	APIKey      string `mapstructure:"api_key"`
	FastModel   string `mapstructure:"fast_model"`
	StrongModel string `mapstructure:"strong_model"`
	AWSRegion   string `mapstructure:"aws_region"`
	AWSProfile  string `mapstructure:"aws_profile"`
	MaxTokens   int64  `mapstructure:"max_tokens"`
	BaseURL     string `mapstructure:"base_url"`
}

// PipelineConfig holds stage pipeline policy.
type PipelineConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxReplanDepth int           `mapstructure:"max_replan_depth"`
	AllowSkip      bool          `mapstructure:"allow_skip"`
	Parallel       bool          `mapstructure:"parallel"`
	Workers        int           `mapstructure:"workers"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`
}

// TimeoutsConfig holds timeout settings per call class.
type TimeoutsConfig struct {
	Planning     time.Duration `mapstructure:"planning"`
	Execution    time.Duration `mapstructure:"execution"`
	Verification time.Duration `mapstructure:"verification"`
	Startup      time.Duration `mapstructure:"startup"`
}

// GatewayConfig holds rate-limiter settings.
type GatewayConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
	MaxRetries        int           `mapstructure:"max_retries"`
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
	BatchWindow       time.Duration `mapstructure:"batch_window"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
}

// ValidationConfig holds validation pipeline thresholds.
type ValidationConfig struct {
	RepetitionThreshold   int    `mapstructure:"repetition_threshold"`
	MaxCallsPerCapability int    `mapstructure:"max_calls_per_capability"`
	HistorySize           int    `mapstructure:"history_size"`
	BlockRiskAt           string `mapstructure:"block_risk_at"`
	FailOpen              bool   `mapstructure:"fail_open"`
	RepetitionAction      string `mapstructure:"repetition_action"`
}

// VerificationConfig holds verification engine settings.
type VerificationConfig struct {
	ConfidenceFloor   float64 `mapstructure:"confidence_floor"`
	PerceptionToData  bool    `mapstructure:"perception_to_data"`
	DataToPerception  bool    `mapstructure:"data_to_perception"`
	CaptureServer     string  `mapstructure:"capture_server"`
	CaptureCapability string  `mapstructure:"capture_capability"`
}

// SupervisionConfig holds tool-server supervision settings.
type SupervisionConfig struct {
	MaxRestarts int           `mapstructure:"max_restarts"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// StateConfig holds run-history settings.
type StateConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	Path    string `mapstructure:"path"`
}

// SignalsConfig holds the signal directory.
type SignalsConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	DebugFile string `mapstructure:"debug_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, CONDUCTOR_*)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("oracle.api_key", "CONDUCTOR_ORACLE_API_KEY", "ANTHROPIC_API_KEY")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Oracle.APIKey = expandEnv(cfg.Oracle.APIKey)
	for i := range cfg.Servers {
		for k, val := range cfg.Servers[i].Env {
			cfg.Servers[i].Env[k] = expandEnv(val)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.fast_model", d.Oracle.FastModel)
	v.SetDefault("oracle.strong_model", d.Oracle.StrongModel)
	v.SetDefault("oracle.aws_region", "")
	v.SetDefault("oracle.aws_profile", "")
	v.SetDefault("oracle.max_tokens", d.Oracle.MaxTokens)
	v.SetDefault("oracle.base_url", "")

	v.SetDefault("pipeline.max_attempts", d.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.max_replan_depth", d.Pipeline.MaxReplanDepth)
	v.SetDefault("pipeline.allow_skip", d.Pipeline.AllowSkip)
	v.SetDefault("pipeline.parallel", d.Pipeline.Parallel)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.cancel_grace", d.Pipeline.CancelGrace.String())

	v.SetDefault("timeouts.planning", d.Timeouts.Planning.String())
	v.SetDefault("timeouts.execution", d.Timeouts.Execution.String())
	v.SetDefault("timeouts.verification", d.Timeouts.Verification.String())
	v.SetDefault("timeouts.startup", d.Timeouts.Startup.String())

	v.SetDefault("gateway.base_delay", d.Gateway.BaseDelay.String())
	v.SetDefault("gateway.min_delay", d.Gateway.MinDelay.String())
	v.SetDefault("gateway.max_delay", d.Gateway.MaxDelay.String())
	v.SetDefault("gateway.backoff_multiplier", d.Gateway.BackoffMultiplier)
	v.SetDefault("gateway.jitter", d.Gateway.Jitter)
	v.SetDefault("gateway.max_retries", d.Gateway.MaxRetries)
	v.SetDefault("gateway.max_queue_size", d.Gateway.MaxQueueSize)
	v.SetDefault("gateway.batch_window", d.Gateway.BatchWindow.String())
	v.SetDefault("gateway.max_batch_size", d.Gateway.MaxBatchSize)

	v.SetDefault("validation.repetition_threshold", d.Validation.RepetitionThreshold)
	v.SetDefault("validation.max_calls_per_capability", d.Validation.MaxCallsPerCapability)
	v.SetDefault("validation.history_size", d.Validation.HistorySize)
	v.SetDefault("validation.block_risk_at", d.Validation.BlockRiskAt)
	v.SetDefault("validation.fail_open", d.Validation.FailOpen)
	v.SetDefault("validation.repetition_action", d.Validation.RepetitionAction)

	v.SetDefault("verification.confidence_floor", d.Verification.ConfidenceFloor)
	v.SetDefault("verification.perception_to_data", d.Verification.PerceptionToData)
	v.SetDefault("verification.data_to_perception", d.Verification.DataToPerception)
	v.SetDefault("verification.capture_server", "")
	v.SetDefault("verification.capture_capability", d.Verification.CaptureCapability)

	v.SetDefault("supervision.max_restarts", d.Supervision.MaxRestarts)
	v.SetDefault("supervision.stop_timeout", d.Supervision.StopTimeout.String())

	v.SetDefault("state.enabled", d.State.Enabled)
	v.SetDefault("state.driver", d.State.Driver)
	v.SetDefault("state.path", "")

	v.SetDefault("signals.dir", "")
	v.SetDefault("log.debug_file", "")
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	gw := gateway.DefaultConfig()
	pol := policy.Default()
	val := validation.DefaultConfig()
	ver := verification.DefaultConfig()

	return &Config{
		Oracle: OracleConfig{
			Provider:    oracle.ProviderAnthropic,
			FastModel:   "claude-3-5-haiku-latest",
			StrongModel: "claude-sonnet-4-5",
			MaxTokens:   4096,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    pol.Attempts.MaxAttempts,
			MaxReplanDepth: pol.Replan.MaxDepth,
			AllowSkip:      pol.Replan.AllowSkip,
			Parallel:       pol.Parallel.Enabled,
			Workers:        pol.Parallel.Workers,
			CancelGrace:    gw.CancelGrace,
		},
		Timeouts: TimeoutsConfig{
			Planning:     gw.Timeouts[gateway.ClassPlanning],
			Execution:    gw.Timeouts[gateway.ClassExecution],
			Verification: gw.Timeouts[gateway.ClassVerification],
			Startup:      gw.Timeouts[gateway.ClassStartup],
		},
		Gateway: GatewayConfig{
			BaseDelay:         gw.BaseDelay,
			MinDelay:          gw.MinDelay,
			MaxDelay:          gw.MaxDelay,
			BackoffMultiplier: gw.BackoffMultiplier,
			Jitter:            gw.JitterFraction,
			MaxRetries:        gw.MaxRetries,
			MaxQueueSize:      gw.MaxQueueSize,
			BatchWindow:       gw.BatchWindow,
			MaxBatchSize:      gw.MaxBatchSize,
		},
		Validation: ValidationConfig{
			RepetitionThreshold:   val.RepetitionThreshold,
			MaxCallsPerCapability: val.MaxCallsPerCapability,
			HistorySize:           val.HistorySize,
			BlockRiskAt:           string(val.BlockRiskAt),
			FailOpen:              val.FailOpen,
			RepetitionAction:      string(val.RepetitionAction),
		},
		Verification: VerificationConfig{
			ConfidenceFloor:   ver.ConfidenceFloor,
			PerceptionToData:  ver.PerceptionToData,
			DataToPerception:  ver.DataToPerception,
			CaptureCapability: "screenshot",
		},
		Supervision: SupervisionConfig{
			MaxRestarts: 1,
			StopTimeout: 5 * time.Second,
		},
		State: StateConfig{
			Enabled: true,
			Driver:  "sqlite",
		},
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Verification.ConfidenceFloor < 0 || c.Verification.ConfidenceFloor > 100 {
		return fmt.Errorf("verification.confidence_floor must be within 0-100, got %g", c.Verification.ConfidenceFloor)
	}
	if c.Gateway.MinDelay > c.Gateway.MaxDelay {
		return fmt.Errorf("gateway.min_delay (%s) exceeds gateway.max_delay (%s)", c.Gateway.MinDelay, c.Gateway.MaxDelay)
	}
	if c.Gateway.MaxQueueSize <= 0 {
		return fmt.Errorf("gateway.max_queue_size must be positive, got %d", c.Gateway.MaxQueueSize)
	}
	if c.Gateway.BackoffMultiplier < 1 {
		return fmt.Errorf("gateway.backoff_multiplier must be at least 1, got %g", c.Gateway.BackoffMultiplier)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if _, ok := models.ParseRiskLevel(c.Validation.BlockRiskAt); !ok {
		return fmt.Errorf("validation.block_risk_at: unknown risk level %q", c.Validation.BlockRiskAt)
	}
	switch validation.RepetitionAction(c.Validation.RepetitionAction) {
	case validation.RepetitionReject, validation.RepetitionFlag:
	default:
		return fmt.Errorf("validation.repetition_action must be %q or %q, got %q",
			validation.RepetitionReject, validation.RepetitionFlag, c.Validation.RepetitionAction)
	}
	switch c.State.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("state.driver must be sqlite or sqlite3, got %q", c.State.Driver)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("servers: %w", err)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// GatewayConfig converts the gateway and timeout sections.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		BaseDelay:         c.Gateway.BaseDelay,
		MinDelay:          c.Gateway.MinDelay,
		MaxDelay:          c.Gateway.MaxDelay,
		BackoffMultiplier: c.Gateway.BackoffMultiplier,
		JitterFraction:    c.Gateway.Jitter,
		MaxRetries:        c.Gateway.MaxRetries,
		MaxQueueSize:      c.Gateway.MaxQueueSize,
		BatchWindow:       c.Gateway.BatchWindow,
		MaxBatchSize:      c.Gateway.MaxBatchSize,
		Timeouts: map[gateway.CallClass]time.Duration{
			gateway.ClassPlanning:     c.Timeouts.Planning,
			gateway.ClassExecution:    c.Timeouts.Execution,
			gateway.ClassVerification: c.Timeouts.Verification,
			gateway.ClassStartup:      c.Timeouts.Startup,
		},
		CancelGrace: c.Pipeline.CancelGrace,
	}
}

// PolicyConfig converts the pipeline section.
func (c *Config) PolicyConfig() *policy.Config {
	p := policy.Default()
	p.Attempts.MaxAttempts = c.Pipeline.MaxAttempts
	p.Replan.MaxDepth = c.Pipeline.MaxReplanDepth
	p.Replan.AllowSkip = c.Pipeline.AllowSkip
	p.Parallel.Enabled = c.Pipeline.Parallel
	p.Parallel.Workers = c.Pipeline.Workers
	_ = p.Validate()
	return p
}

// ValidationConfig converts the validation section.
func (c *Config) ValidationConfig() validation.Config {
	level, _ := models.ParseRiskLevel(c.Validation.BlockRiskAt)
	return validation.Config{
		RepetitionThreshold:   c.Validation.RepetitionThreshold,
		MaxCallsPerCapability: c.Validation.MaxCallsPerCapability,
		HistorySize:           c.Validation.HistorySize,
		BlockRiskAt:           level,
		FailOpen:              c.Validation.FailOpen,
		RepetitionAction:      validation.RepetitionAction(c.Validation.RepetitionAction),
	}
}

// VerificationConfig converts the verification section.
func (c *Config) VerificationConfig() verification.Config {
	return verification.Config{
		ConfidenceFloor:  c.Verification.ConfidenceFloor,
		PerceptionToData: c.Verification.PerceptionToData,
		DataToPerception: c.Verification.DataToPerception,
	}
}

// CaptureCapability returns the qualified snapshot capability, or "" when
// no capture server is configured.
func (c *Config) CaptureCapability() string {
	if c.Verification.CaptureServer == "" || c.Verification.CaptureCapability == "" {
		return ""
	}
	return mcp.Qualify(c.Verification.CaptureServer, c.Verification.CaptureCapability)
}

// ServerConfigs returns the configured tool servers, applying the startup
// timeout default.
func (c *Config) ServerConfigs() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, len(c.Servers))
	for i, s := range c.Servers {
		if s.StartupTimeout <= 0 {
			s.StartupTimeout = c.Timeouts.Startup
		}
		out[i] = s
	}
	return out
}

// ManagerConfig converts the supervision section.
func (c *Config) ManagerConfig(version string) mcp.ManagerConfig {
	return mcp.ManagerConfig{
		MaxRestarts:    c.Supervision.MaxRestarts,
		StartupTimeout: c.Timeouts.Startup,
		StopTimeout:    c.Supervision.StopTimeout,
		Client:         mcp.ClientInfo{Name: "conductor", Version: version},
	}
}

// AnthropicConfig converts the oracle section.
func (c *Config) AnthropicConfig() oracle.AnthropicConfig {
	return oracle.AnthropicConfig{
		Provider:    c.Oracle.Provider,
		APIKey:      c.Oracle.APIKey,
		FastModel:   c.Oracle.FastModel,
		StrongModel: c.Oracle.StrongModel,
		AWSRegion:   c.Oracle.AWSRegion,
		AWSProfile:  c.Oracle.AWSProfile,
		MaxTokens:   c.Oracle.MaxTokens,
		BaseURL:     c.Oracle.BaseURL,
	}
}

// StatePath returns the run-history database path, defaulting to
// <projectRoot>/.conductor/history.db.
func (c *Config) StatePath(projectRoot string) string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return state.ProjectDBPath(projectRoot)
}

// SignalsDir returns the signal base directory, defaulting to
// <projectRoot>/.conductor.
func (c *Config) SignalsDir(projectRoot string) string {
	if c.Signals.Dir != "" {
		return c.Signals.Dir
	}
	return filepath.Join(projectRoot, ".conductor")
}
