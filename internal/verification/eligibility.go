package verification

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// EligibilitySchema returns the routing decision requested from the oracle.
// Server and capability hints are limited to the given sets when non-empty.
func EligibilitySchema(servers, capabilities []string) oracle.Schema {
	return oracle.Schema{
		Name: "verify_eligibility",
		Fields: []oracle.Field{
			{Name: "method", Type: oracle.TypeString, Required: true,
				Enum:        []string{string(models.VerifyPerception), string(models.VerifyDataProbe)},
				Description: "perception checks a screenshot, data_probe queries a tool server"},
			{Name: "target_server", Type: oracle.TypeString, Enum: servers,
				Description: "server best placed to probe the outcome, for data_probe"},
			{Name: "suggested_capability", Type: oracle.TypeString, Enum: capabilities,
				Description: "qualified capability that can read the outcome, for data_probe"},
			{Name: "capture_target", Type: oracle.TypeString,
				Description: "window or application to capture, for perception"},
			{Name: "fallback_eligible", Type: oracle.TypeBoolean,
				Description: "whether the other method may be tried if this one is inconclusive"},
			{Name: "reason", Type: oracle.TypeString},
		},
	}
}

// DecisionSource records who made a routing decision.
type DecisionSource string

const (
	SourceHeuristic DecisionSource = "heuristic"
	SourceOracle    DecisionSource = "oracle"
	SourceForced    DecisionSource = "forced"
)

// Decision routes one item to a verification method.
type Decision struct {
	Method              models.VerifyMethod
	TargetServer        string
	SuggestedCapability string
	CaptureTarget       string
	FallbackEligible    bool
	Reason              string
	Source              DecisionSource
}

// Eligibility confirms or overrides the heuristic with one cheap oracle call.
type Eligibility struct {
	oracle oracle.Oracle
	// servers lists the available capability servers.
	servers func() []string
	// capabilities lists the qualified capabilities of the given servers.
	capabilities func(servers []string) []string
	logger       logging.Logger
}

// NewEligibility creates an eligibility router. servers and capabilities may
// be nil, which leaves the matching hint unconstrained.
func NewEligibility(o oracle.Oracle, servers func() []string, capabilities func([]string) []string, logger logging.Logger) *Eligibility {
	return &Eligibility{oracle: o, servers: servers, capabilities: capabilities, logger: logging.OrNop(logger)}
}

// Route decides the method for item. A non-empty force pins the method but
// still asks the oracle for hints. On oracle failure the heuristic (or the
// forced method) is used.
func (e *Eligibility) Route(ctx context.Context, item *models.WorkItem, rec Recommendation, force models.VerifyMethod) Decision {
	fallback := Decision{
		Method: rec.Method,
		Reason: fmt.Sprintf("heuristic: %s (%.0f%%)", rec.Category, rec.Confidence*100),
		Source: SourceHeuristic,
	}
	if force != "" {
		fallback.Method = force
		fallback.Source = SourceForced
		fallback.Reason = "forced " + string(force)
	}
	if e == nil || e.oracle == nil {
		return fallback
	}

	var servers, capabilities []string
	if e.servers != nil {
		servers = e.servers()
	}
	if e.capabilities != nil && len(servers) > 0 {
		capabilities = e.capabilities(servers)
	}

	res, err := e.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposeEligibility,
		Class:       gateway.ClassVerification,
		Prompt:      e.buildPrompt(item, rec, force, servers),
		Schema:      EligibilitySchema(servers, capabilities),
		ModelHint:   oracle.ModelFast,
		Temperature: 0.1,
	})
	if err != nil {
		e.logger.Log("eligibility for item %s failed, using %s: %v", item.ID, fallback.Method, err)
		return fallback
	}

	d := Decision{
		Method:              models.VerifyMethod(res.String("method")),
		TargetServer:        res.String("target_server"),
		SuggestedCapability: res.String("suggested_capability"),
		CaptureTarget:       res.String("capture_target"),
		Reason:              res.String("reason"),
		Source:              SourceOracle,
	}
	d.FallbackEligible, _ = res.Bool("fallback_eligible")
	if force != "" {
		d.Method = force
		d.Source = SourceForced
	}
	if d.Method != models.VerifyPerception && d.Method != models.VerifyDataProbe {
		d.Method = fallback.Method
	}
	return d
}

func (e *Eligibility) buildPrompt(item *models.WorkItem, rec Recommendation, force models.VerifyMethod, servers []string) string {
	var sb strings.Builder
	sb.WriteString("Decide how to verify that an automation step succeeded.\n\n")
	fmt.Fprintf(&sb, "Action: %s\n", item.Action)
	fmt.Fprintf(&sb, "Success criteria: %s\n", item.SuccessCriteria)
	if len(item.ToolCalls) > 0 {
		sb.WriteString("Executed calls:\n")
		for _, tc := range item.ToolCalls {
			fmt.Fprintf(&sb, "- %s\n", tc.Capability)
		}
	}
	fmt.Fprintf(&sb, "\nKeyword heuristic suggests %s (category %s", rec.Method, rec.Category)
	if rec.Matched != "" {
		fmt.Fprintf(&sb, ", matched %q", rec.Matched)
	}
	sb.WriteString(").\n")
	if len(servers) > 0 {
		fmt.Fprintf(&sb, "Available servers: %s\n", strings.Join(servers, ", "))
	}
	if force != "" {
		fmt.Fprintf(&sb, "\nThe method is fixed to %s; provide the best hints for it.\n", force)
	}
	return sb.String()
}
