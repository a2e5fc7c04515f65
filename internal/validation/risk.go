package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/internal/protect"
	"github.com/ShayCichocki/conductor/pkg/models"
)

func riskEnum() []string {
	out := make([]string, len(models.RiskLevels))
	for i, l := range models.RiskLevels {
		out[i] = string(l)
	}
	return out
}

// RiskSchema is the decision shape requested from the oracle.
var RiskSchema = oracle.Schema{
	Name: "risk_assessment",
	Fields: []oracle.Field{
		{Name: "levels", Type: oracle.TypeArray, Enum: riskEnum(), Required: true,
			Description: "risk level of each proposed call, in the order given"},
		{Name: "rationales", Type: oracle.TypeArray,
			Description: "one short rationale per call, in the same order"},
		{Name: "rationale", Type: oracle.TypeString, Required: true,
			Description: "overall reasoning for the assessment"},
	},
}

const riskSystemPrompt = `You are the safety reviewer of an automation agent.
You judge proposed tool calls before they run. Rate actions that destroy data,
leak secrets, spend money or change system configuration as high or critical.
Read-only actions are none or low.`

// RiskCheck asks the oracle to score every call, raises each score to the
// static floor of the protect detector, and blocks levels at or above
// Config.BlockRiskAt.
type RiskCheck struct {
	cfg      Config
	oracle   oracle.Oracle
	detector *protect.Detector
	logger   logging.Logger
}

// NewRiskCheck creates a risk check.
func NewRiskCheck(cfg Config, o oracle.Oracle, detector *protect.Detector, logger logging.Logger) *RiskCheck {
	if detector == nil {
		detector = protect.New()
	}
	if cfg.BlockRiskAt == "" {
		cfg.BlockRiskAt = models.RiskHigh
	}
	return &RiskCheck{cfg: cfg, oracle: o, detector: detector, logger: logging.OrNop(logger)}
}

// Stage implements Check.
func (c *RiskCheck) Stage() Stage { return StageRisk }

// Check implements Check.
func (c *RiskCheck) Check(ctx context.Context, b Batch, out *Outcome) *Rejection {
	details := make([]RiskDetail, len(b.Calls))
	for i, call := range b.Calls {
		a := c.detector.Assess(call)
		details[i] = RiskDetail{
			Index:      i,
			Capability: call.Capability,
			Floor:      a.Level,
			Oracle:     models.RiskNone,
			Rationale:  strings.Join(a.Reasons, "; "),
		}
	}

	levels, rationales, err := c.score(ctx, b)
	if err != nil {
		if !c.cfg.FailOpen {
			out.RiskDetails = details
			return reject(StageRisk, -1, "", "risk assessment unavailable: %v", err)
		}
		logging.Warn(c.logger, "validation", "risk assessment unavailable for item %s, using static floor: %v", b.ItemID, err)
	}

	var rej *Rejection
	for i := range details {
		d := &details[i]
		if levels != nil {
			d.Oracle = levels[i]
			if rationales[i] != "" {
				d.Rationale = joinNonEmpty(rationales[i], d.Rationale)
			}
		}
		d.Level = models.MaxRisk(d.Oracle, d.Floor)
		d.Blocked = d.Level.AtLeast(c.cfg.BlockRiskAt)

		switch {
		case d.Blocked:
			if rej == nil {
				rej = reject(StageRisk, i, d.Capability, "risk %s is at or above the blocking level %s: %s", d.Level, c.cfg.BlockRiskAt, d.Rationale)
			}
		case d.Level == models.RiskMedium:
			c.logger.Log("item %s: medium-risk call %s allowed: %s", b.ItemID, d.Capability, d.Rationale)
		}
	}
	out.RiskDetails = details
	return rej
}

// score returns one oracle level and rationale per call.
func (c *RiskCheck) score(ctx context.Context, b Batch) ([]models.RiskLevel, []string, error) {
	if c.oracle == nil {
		return nil, nil, fmt.Errorf("no oracle configured")
	}

	res, err := c.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposeRisk,
		Class:       gateway.ClassPlanning,
		System:      riskSystemPrompt,
		Prompt:      buildRiskPrompt(b),
		Schema:      RiskSchema,
		ModelHint:   oracle.ModelFast,
		Temperature: 0,
	})
	if err != nil {
		return nil, nil, err
	}

	raw := res.Strings("levels")
	if len(raw) != len(b.Calls) {
		return nil, nil, &oracle.MalformedResponseError{
			Raw:    res.Raw,
			Reason: fmt.Sprintf("expected %d risk levels, got %d", len(b.Calls), len(raw)),
		}
	}
	levels := make([]models.RiskLevel, len(raw))
	for i, s := range raw {
		l, ok := models.ParseRiskLevel(s)
		if !ok {
			return nil, nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: fmt.Sprintf("unknown risk level %q", s)}
		}
		levels[i] = l
	}

	rationales := make([]string, len(b.Calls))
	copy(rationales, res.Strings("rationales"))
	if overall := res.String("rationale"); overall != "" {
		for i := range rationales {
			if rationales[i] == "" {
				rationales[i] = overall
			}
		}
	}
	return levels, rationales, nil
}

func buildRiskPrompt(b Batch) string {
	var sb strings.Builder
	sb.WriteString("## User intent\n")
	sb.WriteString(b.Intent)
	sb.WriteString("\n\n## Proposed tool calls\n")
	for i, call := range b.Calls {
		params, err := json.Marshal(call.Parameters)
		if err != nil {
			params = []byte("{}")
		}
		fmt.Fprintf(&sb, "%d. %s %s\n", i+1, call.Capability, params)
	}
	sb.WriteString("\nRate the risk of each call.\n")
	return sb.String()
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}
