package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ProbeIDPrefix prefixes the id of every one-off verification item.
const ProbeIDPrefix = "verify-"

// ProbeCall is one executed call of a probe item.
type ProbeCall struct {
	Capability string
	Output     string
	IsError    bool
}

// ProbeResult is what a probe item produced.
type ProbeResult struct {
	Item  *models.WorkItem
	Calls []ProbeCall
}

// ProbeRunner runs a one-off verification item through server selection,
// tool-call planning, validation and execution. The stage pipeline
// implements it.
type ProbeRunner interface {
	RunProbe(ctx context.Context, probe *models.WorkItem) (*ProbeResult, error)
}

// AnalysisSchema is the judgement requested over probe results.
var AnalysisSchema = oracle.Schema{
	Name: "verify_analysis",
	Fields: []oracle.Field{
		{Name: "passed", Type: oracle.TypeBoolean, Required: true,
			Description: "true if the tool results show the success criteria are met"},
		{Name: "confidence", Type: oracle.TypeNumber, Required: true, Min: 0, Max: 100},
		{Name: "reason", Type: oracle.TypeString, Required: true},
	},
}

// DataProbe verifies an item by querying tool servers directly.
type DataProbe struct {
	runner ProbeRunner
	oracle oracle.Oracle
	floor  float64
	logger logging.Logger
}

// NewDataProbe creates a data-probe path.
func NewDataProbe(runner ProbeRunner, o oracle.Oracle, floor float64, logger logging.Logger) *DataProbe {
	return &DataProbe{runner: runner, oracle: o, floor: floor, logger: logging.OrNop(logger)}
}

// ProbeItem builds the one-off verification item for item.
func ProbeItem(item *models.WorkItem, d Decision) *models.WorkItem {
	probe := &models.WorkItem{
		ID:              ProbeIDPrefix + item.ID,
		Action:          "Read back the current state to check: " + item.SuccessCriteria,
		DisplayAction:   item.DisplayAction,
		SuccessCriteria: item.SuccessCriteria,
		Status:          models.ItemStatusPending,
		CreatedAt:       time.Now(),
		Params: map[string]any{
			"verifies":  item.ID,
			"read_only": true,
		},
	}
	if d.TargetServer != "" {
		probe.Servers = []string{d.TargetServer}
	}
	if d.SuggestedCapability != "" {
		probe.Params["suggested_capability"] = d.SuggestedCapability
	}
	return probe
}

// Check runs the probe item and judges its results. A CriteriaExpr on the
// item is authoritative; otherwise the oracle analyses the results.
func (p *DataProbe) Check(ctx context.Context, item *models.WorkItem, d Decision) (*Verdict, error) {
	if p == nil || p.runner == nil {
		return nil, inconclusive(item.ID, models.VerifyDataProbe, "no probe runner configured")
	}

	res, err := p.runner.RunProbe(ctx, ProbeItem(item, d))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, inconclusive(item.ID, models.VerifyDataProbe, "probe failed: %v", err)
	}
	if len(res.Calls) == 0 {
		return nil, inconclusive(item.ID, models.VerifyDataProbe, "probe produced no results")
	}

	if item.CriteriaExpr != "" {
		passed, err := EvaluateCriteria(item.CriteriaExpr, res.Calls)
		if err != nil {
			p.logger.Log("item %s: %v, falling back to analysis", item.ID, err)
		} else {
			return &Verdict{
				Passed:     passed,
				Method:     models.VerifyDataProbe,
				Confidence: 100,
				Reason:     fmt.Sprintf("criteria %q evaluated to %t", item.CriteriaExpr, passed),
			}, nil
		}
	}
	return p.analyse(ctx, item, res.Calls)
}

func (p *DataProbe) analyse(ctx context.Context, item *models.WorkItem, calls []ProbeCall) (*Verdict, error) {
	if p.oracle == nil {
		return nil, inconclusive(item.ID, models.VerifyDataProbe, "no oracle for analysis")
	}

	res, err := p.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposeAnalysis,
		Class:       gateway.ClassVerification,
		Prompt:      analysisPrompt(item, calls),
		Schema:      AnalysisSchema,
		ModelHint:   oracle.ModelFast,
		Temperature: 0,
	})
	if err != nil {
		return nil, inconclusive(item.ID, models.VerifyDataProbe, "analysis failed: %v", err)
	}
	if res.Repaired {
		return nil, inconclusive(item.ID, models.VerifyDataProbe, "analysis produced an unstructured answer")
	}
	confidence, _ := res.Number("confidence")
	if confidence < p.floor {
		return nil, inconclusive(item.ID, models.VerifyDataProbe, "analysis confidence %.0f below floor %.0f", confidence, p.floor)
	}
	passed, _ := res.Bool("passed")
	return &Verdict{
		Passed:     passed,
		Method:     models.VerifyDataProbe,
		Confidence: confidence,
		Reason:     res.String("reason"),
	}, nil
}

const maxOutputInPrompt = 4000

func analysisPrompt(item *models.WorkItem, calls []ProbeCall) string {
	var sb strings.Builder
	sb.WriteString("Tool calls were made to read back the state after an automation step.\n\n")
	fmt.Fprintf(&sb, "Step: %s\n", item.Action)
	fmt.Fprintf(&sb, "Success criteria: %s\n\n## Results\n", item.SuccessCriteria)
	for i, c := range calls {
		out := runewidth.Truncate(c.Output, maxOutputInPrompt, "...")
		status := "ok"
		if c.IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n%s\n", i+1, c.Capability, status, out)
	}
	sb.WriteString("\nDecide whether the success criteria are met.\n")
	return sb.String()
}
