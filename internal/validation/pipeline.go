package validation

import (
	"context"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/internal/protect"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// RepetitionAction decides what happens when the repetition check trips.
type RepetitionAction string

const (
	// RepetitionReject rejects the batch.
	RepetitionReject RepetitionAction = "reject"
	// RepetitionFlag allows the batch and marks the outcome Flagged.
	RepetitionFlag RepetitionAction = "flag"
)

// Config configures the pipeline.
type Config struct {
	// RepetitionThreshold is the number of consecutive identical calls allowed.
	RepetitionThreshold int
	// MaxCallsPerCapability caps proposals of one capability per item.
	MaxCallsPerCapability int
	// HistorySize bounds the number of items with tracked history.
	HistorySize int
	// BlockRiskAt is the lowest risk level that is blocked.
	BlockRiskAt models.RiskLevel
	// FailOpen lets batches through on the static floor when the oracle fails.
	FailOpen         bool
	RepetitionAction RepetitionAction
}

// DefaultConfig returns the default validation settings.
func DefaultConfig() Config {
	return Config{
		RepetitionThreshold:   3,
		MaxCallsPerCapability: 10,
		HistorySize:           256,
		BlockRiskAt:           models.RiskHigh,
		RepetitionAction:      RepetitionReject,
	}
}

// Catalog exposes the advertised capabilities of each server.
// *mcp.Manager implements it.
type Catalog interface {
	ListCapabilities(server string) ([]mcp.Capability, error)
}

// Batch is one proposed set of tool calls for an item.
type Batch struct {
	RunID  string
	ItemID string
	// Intent is a short statement of what the user wants, given to the risk check.
	Intent  string
	Servers []string
	Calls   []models.ToolCall
}

// RiskDetail is the risk verdict for one call.
type RiskDetail struct {
	Index      int
	Capability string
	// Level is the effective level: the maximum of Oracle and Floor.
	Level     models.RiskLevel
	Oracle    models.RiskLevel
	Floor     models.RiskLevel
	Rationale string
	Blocked   bool
}

// Outcome is the result of validating one batch.
type Outcome struct {
	Allowed       bool
	RejectedStage Stage
	Reason        string
	RiskDetails   []RiskDetail
	// Flagged is set when repetition was tolerated in flag mode.
	Flagged    bool
	FlagReason string
	Duration   time.Duration

	rejection *Rejection
}

// Err returns the rejection as an error, or nil when the batch is allowed.
func (o *Outcome) Err() error {
	if o.Allowed || o.rejection == nil {
		return nil
	}
	return o.rejection
}

// Rejected returns the outcome of a batch stopped by rej.
func Rejected(rej *Rejection) *Outcome {
	return &Outcome{RejectedStage: rej.Stage, Reason: rej.Reason, rejection: rej}
}

// Rejection returns the rejection, or nil.
func (o *Outcome) Rejection() *Rejection {
	return o.rejection
}

// Check is one stage of the pipeline. A non-nil Rejection stops the batch.
type Check interface {
	Stage() Stage
	Check(ctx context.Context, b Batch, out *Outcome) *Rejection
}

// Pipeline runs its checks in order and short-circuits on the first rejection.
type Pipeline struct {
	checks     []Check
	repetition *RepetitionCheck
	logger     logging.Logger
}

// Option configures a Pipeline.
type Option func(*pipelineOptions)

type pipelineOptions struct {
	detector *protect.Detector
	logger   logging.Logger
}

// WithDetector sets the static risk floor. protect.New() is used by default.
func WithDetector(d *protect.Detector) Option {
	return func(o *pipelineOptions) { o.detector = d }
}

// WithLogger sets the debug logger.
func WithLogger(l logging.Logger) Option {
	return func(o *pipelineOptions) { o.logger = l }
}

// NewPipeline builds the structural, repetition and risk checks.
func NewPipeline(cfg Config, catalog Catalog, o oracle.Oracle, opts ...Option) *Pipeline {
	po := pipelineOptions{}
	for _, opt := range opts {
		opt(&po)
	}
	if po.detector == nil {
		po.detector = protect.New()
	}
	logger := logging.Component(logging.OrNop(po.logger), "validation")

	rep := NewRepetitionCheck(cfg)
	return &Pipeline{
		checks: []Check{
			NewStructuralCheck(catalog),
			rep,
			NewRiskCheck(cfg, o, po.detector, logger),
		},
		repetition: rep,
		logger:     logger,
	}
}

// New builds a pipeline from explicit checks.
func New(logger logging.Logger, checks ...Check) *Pipeline {
	p := &Pipeline{checks: checks, logger: logging.OrNop(logger)}
	for _, c := range checks {
		if rc, ok := c.(*RepetitionCheck); ok {
			p.repetition = rc
		}
	}
	return p
}

// Validate runs every check against b.
func (p *Pipeline) Validate(ctx context.Context, b Batch) *Outcome {
	start := time.Now()
	out := &Outcome{}

	for _, c := range p.checks {
		if rej := c.Check(ctx, b, out); rej != nil {
			out.Allowed = false
			out.RejectedStage = rej.Stage
			out.Reason = rej.Reason
			out.rejection = rej
			out.Duration = time.Since(start)
			p.logger.Log("item %s: batch of %d rejected at %s: %s", b.ItemID, len(b.Calls), rej.Stage, rej.Reason)
			return out
		}
	}

	out.Allowed = true
	out.Duration = time.Since(start)
	p.logger.Log("item %s: batch of %d allowed in %v", b.ItemID, len(b.Calls), out.Duration)
	return out
}

// Forget drops the repetition history of one item.
func (p *Pipeline) Forget(runID, itemID string) {
	if p.repetition != nil {
		p.repetition.Forget(runID, itemID)
	}
}
