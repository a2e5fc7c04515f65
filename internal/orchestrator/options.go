package orchestrator

import (
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/state"
)

// RequiredConfig contains the collaborators every pipeline needs.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Strategies are the planning decisions dispatched per stage.
	Strategies Strategies
	// Servers executes tool calls.
	Servers ServerPool
	// Validator gates every batch before execution.
	Validator Validator
	// Verifier checks each executed item.
	Verifier Verifier
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	policy     *policy.Config
	saturation SaturationProbe
	logger     logging.Logger
	recorder   state.Recorder
	pauseGate  PauseGate
	metrics    *Metrics
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policy = p }
}

// WithGateway lets the pipeline abort when every gateway endpoint is saturated.
func WithGateway(g SaturationProbe) Option {
	return func(o *orchestratorOptions) { o.saturation = g }
}

// WithLogger sets the debug logger.
func WithLogger(l logging.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithRecorder persists run progress and the final summary.
func WithRecorder(r state.Recorder) Option {
	return func(o *orchestratorOptions) { o.recorder = r }
}

// WithPauseGate sets the gate consulted between items.
func WithPauseGate(g PauseGate) Option {
	return func(o *orchestratorOptions) { o.pauseGate = g }
}

// WithMetrics records pipeline activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}
