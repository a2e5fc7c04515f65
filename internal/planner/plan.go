package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Plan is the initial decomposition of a request.
type Plan struct {
	Complexity int
	Items      []*models.WorkItem
}

// PlanSchema is the plan response shape.
var PlanSchema = oracle.Schema{
	Name: "task_plan",
	Fields: []oracle.Field{
		{Name: "complexity", Type: oracle.TypeInteger, Required: true, Min: 1, Max: 10},
		{Name: "items", Type: oracle.TypeArray, Required: true,
			Description: `array of {"id", "action", "display_action", "success_criteria", "criteria_expr", "dependencies", "critical", "fallback_eligible"}`},
	},
}

// plannedItem is one step as answered by the oracle.
type plannedItem struct {
	ID               looseString   `json:"id"`
	Action           string        `json:"action"`
	DisplayAction    string        `json:"display_action"`
	SuccessCriteria  string        `json:"success_criteria"`
	CriteriaExpr     string        `json:"criteria_expr"`
	Dependencies     []looseString `json:"dependencies"`
	Critical         bool          `json:"critical"`
	FallbackEligible bool          `json:"fallback_eligible"`
}

func (p plannedItem) toWorkItem(now time.Time) *models.WorkItem {
	return &models.WorkItem{
		ID:               string(p.ID),
		Action:           strings.TrimSpace(p.Action),
		DisplayAction:    strings.TrimSpace(p.DisplayAction),
		SuccessCriteria:  strings.TrimSpace(p.SuccessCriteria),
		CriteriaExpr:     strings.TrimSpace(p.CriteriaExpr),
		Dependencies:     looseStrings(p.Dependencies),
		Critical:         p.Critical,
		FallbackEligible: p.FallbackEligible,
		Status:           models.ItemStatusPending,
		CreatedAt:        now,
	}
}

// Planner turns a task request into work items.
type Planner struct {
	oracle oracle.Oracle
	logger logging.Logger
}

// NewPlanner creates a planner.
func NewPlanner(o oracle.Oracle, logger logging.Logger) *Planner {
	return &Planner{oracle: o, logger: logging.OrNop(logger)}
}

// Plan plans request against the available servers. language is the display
// language of the user.
func (p *Planner) Plan(ctx context.Context, request, language string, servers []mcp.ServerSummary) (*Plan, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User request:\n%s\n\n", request)
	fmt.Fprintf(&sb, "User language: %s\n\n", language)
	if len(servers) > 0 {
		sb.WriteString("Available tool servers:\n")
		sb.WriteString(describeServers(servers))
		sb.WriteString("\n")
	}
	sb.WriteString(planGuidelines)

	res, err := p.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposePlan,
		Class:       gateway.ClassPlanning,
		System:      planSystem,
		Prompt:      sb.String(),
		Schema:      PlanSchema,
		ModelHint:   oracle.ModelStrong,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}

	var answer struct {
		Items []plannedItem `json:"items"`
	}
	if err := res.Decode(&answer); err != nil {
		return nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: fmt.Sprintf("decode items: %v", err)}
	}

	now := time.Now()
	plan := &Plan{Complexity: res.Int("complexity")}
	for i, it := range answer.Items {
		if strings.TrimSpace(it.Action) == "" {
			return nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: fmt.Sprintf("item %d has no action", i+1)}
		}
		plan.Items = append(plan.Items, it.toWorkItem(now))
	}
	if len(plan.Items) == 0 {
		return nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: "plan has no items"}
	}

	p.logger.Log("planned %d items, complexity %d", len(plan.Items), plan.Complexity)
	return plan, nil
}
