package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ToolRequest is the input to tool-call planning.
type ToolRequest struct {
	Item *models.WorkItem
	// Intent is the original user request.
	Intent       string
	Capabilities []mcp.Capability
	// Failures are the reasons earlier attempts of the item failed.
	Failures []string
	// Feedback is the validation rejection of the previous batch, if any.
	Feedback string
}

// ToolCallSchema returns the tool-call response shape over the given
// qualified capability names.
func ToolCallSchema(names []string) oracle.Schema {
	return oracle.Schema{
		Name: "tool_calls",
		Fields: []oracle.Field{
			{Name: "capability_names", Type: oracle.TypeArray, Required: true, Enum: names,
				Description: "capabilities to call, in execution order"},
			{Name: "parameters", Type: oracle.TypeArray,
				Description: "one parameter object per capability, same order"},
			{Name: "reasoning", Type: oracle.TypeString},
		},
	}
}

// ToolPlanner turns a work item into a batch of tool calls.
type ToolPlanner struct {
	oracle oracle.Oracle
	logger logging.Logger
}

// NewToolPlanner creates a tool-call planner.
func NewToolPlanner(o oracle.Oracle, logger logging.Logger) *ToolPlanner {
	return &ToolPlanner{oracle: o, logger: logging.OrNop(logger)}
}

// PlanToolCalls plans the calls for req.Item. The capability names in the
// answer are drawn from req.Capabilities by construction. An empty batch is
// returned as-is so validation can reject it with feedback.
func (p *ToolPlanner) PlanToolCalls(ctx context.Context, req ToolRequest) ([]models.ToolCall, error) {
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("plan tool calls for %s: %w", req.Item.ID, ErrNoServers)
	}

	names := make([]string, len(req.Capabilities))
	for i, c := range req.Capabilities {
		names[i] = c.QualifiedName()
	}

	res, err := p.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposeToolCalls,
		Class:       gateway.ClassPlanning,
		System:      toolCallSystem,
		Prompt:      toolCallPrompt(req),
		Schema:      ToolCallSchema(names),
		ModelHint:   oracle.ModelStrong,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("plan tool calls for %s: %w", req.Item.ID, err)
	}

	capNames := res.Strings("capability_names")
	var answer struct {
		Parameters []map[string]any `json:"parameters"`
	}
	if err := res.Decode(&answer); err != nil {
		return nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: fmt.Sprintf("decode parameters: %v", err)}
	}
	if len(answer.Parameters) > len(capNames) {
		return nil, &oracle.MalformedResponseError{
			Raw:    res.Raw,
			Reason: fmt.Sprintf("%d parameter objects for %d capabilities", len(answer.Parameters), len(capNames)),
		}
	}

	calls := make([]models.ToolCall, len(capNames))
	for i, name := range capNames {
		params := map[string]any{}
		if i < len(answer.Parameters) && answer.Parameters[i] != nil {
			params = answer.Parameters[i]
		}
		calls[i] = models.ToolCall{Capability: name, Parameters: params}
	}

	p.logger.Log("item %s: planned %d tool calls", req.Item.ID, len(calls))
	return calls, nil
}

func toolCallPrompt(req ToolRequest) string {
	it := req.Item
	var sb strings.Builder
	if req.Intent != "" {
		fmt.Fprintf(&sb, "User request:\n%s\n\n", req.Intent)
	}
	fmt.Fprintf(&sb, "Step %s: %s\n", it.ID, it.Action)
	if it.SuccessCriteria != "" {
		fmt.Fprintf(&sb, "Success criteria: %s\n", it.SuccessCriteria)
	}
	if len(it.Params) > 0 {
		sb.WriteString("\nHints for this step:\n")
		keys := make([]string, 0, len(it.Params))
		for k := range it.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, _ := json.Marshal(it.Params[k])
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
	}

	sb.WriteString("\nAvailable capabilities:\n")
	for _, c := range req.Capabilities {
		sb.WriteString(describeCapability(c))
	}

	if len(req.Failures) > 0 {
		sb.WriteString("\nEarlier attempts failed:\n")
		for i, f := range req.Failures {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, f)
		}
		sb.WriteString("Plan a different approach.\n")
	}
	if req.Feedback != "" {
		sb.WriteString("\nYour previous proposal was rejected before execution.\n")
		sb.WriteString(req.Feedback)
		sb.WriteString("\n")
	}
	return sb.String()
}
