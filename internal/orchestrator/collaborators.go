package orchestrator

import (
	"context"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/planner"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/validation"
	"github.com/ShayCichocki/conductor/internal/verification"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Classifier decides whether a request is conversation or work.
type Classifier interface {
	Classify(ctx context.Context, request string) (*planner.Intent, error)
}

// Planner turns a task request into the initial work items.
type Planner interface {
	Plan(ctx context.Context, request, language string, servers []mcp.ServerSummary) (*planner.Plan, error)
}

// Selector picks the capability servers for one item.
type Selector interface {
	SelectServers(ctx context.Context, item *models.WorkItem, servers []mcp.ServerSummary) ([]string, error)
}

// ToolPlanner proposes the tool-call batch for one attempt of an item.
type ToolPlanner interface {
	PlanToolCalls(ctx context.Context, req planner.ToolRequest) ([]models.ToolCall, error)
}

// Replanner chooses a recovery for an item that exhausted its attempts.
type Replanner interface {
	Replan(ctx context.Context, req planner.ReplanRequest) (*planner.Decision, error)
}

// Strategies are the stateless decision strategies the pipeline dispatches
// to by stage.
type Strategies struct {
	Classifier  Classifier
	Planner     Planner
	Selector    Selector
	ToolPlanner ToolPlanner
	Replanner   Replanner
}

// FromPlanner adapts the oracle-backed planner strategies.
func FromPlanner(s planner.Strategies) Strategies {
	return Strategies{
		Classifier:  s.Classifier,
		Planner:     s.Planner,
		Selector:    s.Selector,
		ToolPlanner: s.ToolPlanner,
		Replanner:   s.Replanner,
	}
}

func (s Strategies) complete() bool {
	return s.Classifier != nil && s.Planner != nil && s.Selector != nil &&
		s.ToolPlanner != nil && s.Replanner != nil
}

// ServerPool is the pipeline's view of the capability servers.
// *mcp.Manager implements it.
type ServerPool interface {
	Catalog() []mcp.ServerSummary
	ListCapabilities(server string) ([]mcp.Capability, error)
	InvokeQualified(ctx context.Context, qualified string, params map[string]any) (*mcp.ToolCallResult, error)
	LostRequired() []string
}

// Validator gates tool-call batches before execution.
// *validation.Pipeline implements it.
type Validator interface {
	Validate(ctx context.Context, b validation.Batch) *validation.Outcome
	Forget(runID, itemID string)
}

// Verifier judges whether an executed item met its success criteria.
// *verification.Engine implements it.
type Verifier interface {
	Verify(ctx context.Context, item *models.WorkItem) (*verification.Verdict, error)
}

// PauseGate holds the pipeline between items. *signals.Watcher implements it.
type PauseGate interface {
	WaitIfPaused(ctx context.Context) error
}

// SaturationProbe reports infrastructure-wide overload.
// *gateway.Gateway implements it.
type SaturationProbe interface {
	AllSaturated() bool
}

var (
	_ ServerPool      = (*mcp.Manager)(nil)
	_ Validator       = (*validation.Pipeline)(nil)
	_ Verifier        = (*verification.Engine)(nil)
	_ PauseGate       = (*signals.Watcher)(nil)
	_ SaturationProbe = (*gateway.Gateway)(nil)
)
