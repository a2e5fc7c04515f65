// Package policy defines configurable policy parameters for pipeline behavior.
// This centralizes the attempt ceilings, replan budgets and loop settings
// used by the stage pipeline, enabling configuration and testing.
package policy

// Config contains all configurable policy parameters for the pipeline.
type Config struct {
	// Attempt policies
	Attempts AttemptPolicy

	// Replan policies
	Replan ReplanPolicy

	// Parallel execution policies
	Parallel ParallelPolicy

	// Loop policies
	Loop LoopPolicy
}

// AttemptPolicy controls per-item retries.
type AttemptPolicy struct {
	// MaxAttempts is the number of tool-call planning attempts per item
	// before the item enters deep replanning.
	MaxAttempts int

	// FeedbackReplans is how many validation rejections per attempt are fed
	// back to the tool-call planner before the attempt counts as failed.
	FeedbackReplans int
}

// ReplanPolicy controls deep replanning.
type ReplanPolicy struct {
	// MaxDepth is the ceiling on decomposition generations. The effective
	// depth also scales with the graph's complexity.
	MaxDepth int

	// MaxAdjusts is the number of parameter adjustments allowed per item.
	MaxAdjusts int

	// AllowSkip lets the run continue past a failed non-critical item.
	// When false, any item that cannot be recovered aborts the run.
	AllowSkip bool
}

// ParallelPolicy controls the optional parallel item mode.
type ParallelPolicy struct {
	// Enabled runs mutually independent eligible items concurrently.
	Enabled bool

	// Workers bounds concurrently running items.
	Workers int
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// EventBuffer is the buffer size of the event channel.
	EventBuffer int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Attempts: AttemptPolicy{
			MaxAttempts:     3,
			FeedbackReplans: 1,
		},
		Replan: ReplanPolicy{
			MaxDepth:   2,
			MaxAdjusts: 1,
			AllowSkip:  true,
		},
		Parallel: ParallelPolicy{
			Enabled: false,
			Workers: 4,
		},
		Loop: LoopPolicy{
			EventBuffer: 256,
		},
	}
}

// Validate checks that policy values are within acceptable ranges,
// replacing out-of-range values with defaults.
func (c *Config) Validate() error {
	if c.Attempts.MaxAttempts < 1 {
		c.Attempts.MaxAttempts = 3
	}
	if c.Attempts.FeedbackReplans < 0 {
		c.Attempts.FeedbackReplans = 1
	}
	if c.Replan.MaxDepth < 0 {
		c.Replan.MaxDepth = 2
	}
	if c.Replan.MaxAdjusts < 0 {
		c.Replan.MaxAdjusts = 1
	}
	if c.Parallel.Workers < 1 {
		c.Parallel.Workers = 4
	}
	if c.Loop.EventBuffer < 1 {
		c.Loop.EventBuffer = 256
	}
	return nil
}
