package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ReplanAction is the recovery chosen for an exhausted item.
type ReplanAction string

const (
	ReplanAdjust    ReplanAction = "adjust"
	ReplanDecompose ReplanAction = "decompose"
	ReplanSkip      ReplanAction = "skip"
)

// MaxChildren caps how many children one decomposition may insert.
const MaxChildren = 5

// ReplanRequest is the input to deep replanning.
type ReplanRequest struct {
	Item           *models.WorkItem
	Intent         string
	Failures       []string
	AllowAdjust    bool
	AllowDecompose bool
}

// Decision is the replanner's answer.
type Decision struct {
	Action   ReplanAction
	Params   map[string]any
	Children []*models.WorkItem
	Reason   string
}

// ReplanSchema returns the replan response shape restricted to actions.
func ReplanSchema(actions []ReplanAction) oracle.Schema {
	enum := make([]string, len(actions))
	for i, a := range actions {
		enum[i] = string(a)
	}
	return oracle.Schema{
		Name: "replan",
		Fields: []oracle.Field{
			{Name: "action", Type: oracle.TypeString, Required: true, Enum: enum},
			{Name: "params", Type: oracle.TypeObject, Description: "changed hints, only for adjust"},
			{Name: "children", Type: oracle.TypeArray,
				Description: `only for decompose: array of {"action", "display_action", "success_criteria", "criteria_expr", "fallback_eligible"}`},
			{Name: "reason", Type: oracle.TypeString, Required: true},
		},
	}
}

// Replanner decides how to recover a failed item.
type Replanner struct {
	oracle oracle.Oracle
	logger logging.Logger
}

// NewReplanner creates a replanner.
func NewReplanner(o oracle.Oracle, logger logging.Logger) *Replanner {
	return &Replanner{oracle: o, logger: logging.OrNop(logger)}
}

// Actions returns the actions allowed for req, skip always last.
func (req ReplanRequest) Actions() []ReplanAction {
	var out []ReplanAction
	if req.AllowAdjust {
		out = append(out, ReplanAdjust)
	}
	if req.AllowDecompose {
		out = append(out, ReplanDecompose)
	}
	return append(out, ReplanSkip)
}

// Replan asks the oracle for a recovery. When only skip is allowed the
// oracle is not consulted.
func (r *Replanner) Replan(ctx context.Context, req ReplanRequest) (*Decision, error) {
	actions := req.Actions()
	if len(actions) == 1 {
		return &Decision{Action: ReplanSkip, Reason: "replan budget exhausted"}, nil
	}

	res, err := r.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposeReplan,
		Class:       gateway.ClassPlanning,
		System:      replanSystem,
		Prompt:      replanPrompt(req, actions),
		Schema:      ReplanSchema(actions),
		ModelHint:   oracle.ModelStrong,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("replan %s: %w", req.Item.ID, err)
	}

	d := &Decision{
		Action: ReplanAction(res.String("action")),
		Params: res.Object("params"),
		Reason: res.String("reason"),
	}

	if d.Action == ReplanDecompose {
		var answer struct {
			Children []plannedItem `json:"children"`
		}
		if err := res.Decode(&answer); err != nil {
			return nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: fmt.Sprintf("decode children: %v", err)}
		}
		now := time.Now()
		for _, c := range answer.Children {
			if strings.TrimSpace(c.Action) == "" {
				continue
			}
			// Ids and dependencies are assigned by the graph on insert.
			c.ID = ""
			c.Dependencies = nil
			d.Children = append(d.Children, c.toWorkItem(now))
		}
		if len(d.Children) == 0 {
			return nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: "decompose without children"}
		}
		if len(d.Children) > MaxChildren {
			d.Children = d.Children[:MaxChildren]
		}
	}

	r.logger.Log("item %s: replan %s (%s)", req.Item.ID, d.Action, d.Reason)
	return d, nil
}

func replanPrompt(req ReplanRequest, actions []ReplanAction) string {
	it := req.Item
	var sb strings.Builder
	if req.Intent != "" {
		fmt.Fprintf(&sb, "User request:\n%s\n\n", req.Intent)
	}
	fmt.Fprintf(&sb, "Failed step %s: %s\n", it.ID, it.Action)
	if it.SuccessCriteria != "" {
		fmt.Fprintf(&sb, "Success criteria: %s\n", it.SuccessCriteria)
	}
	fmt.Fprintf(&sb, "Attempts made: %d\n", it.Attempts)
	if len(req.Failures) > 0 {
		sb.WriteString("\nFailures:\n")
		for i, f := range req.Failures {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, f)
		}
	}
	sb.WriteString("\n")
	sb.WriteString(replanGuidelines)
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	fmt.Fprintf(&sb, "\n\nAllowed now: %s", strings.Join(names, ", "))
	if it.Critical {
		sb.WriteString("\nThe step is critical: skipping it aborts the whole run.")
	}
	return sb.String()
}
