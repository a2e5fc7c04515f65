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

// PerceptionSchema is the judgement requested for a snapshot.
var PerceptionSchema = oracle.Schema{
	Name: "verify_perception",
	Fields: []oracle.Field{
		{Name: "match", Type: oracle.TypeBoolean, Required: true,
			Description: "true if the snapshot shows the success criteria are met"},
		{Name: "confidence", Type: oracle.TypeNumber, Required: true, Min: 0, Max: 100,
			Description: "confidence in the match flag, 0-100"},
		{Name: "reason", Type: oracle.TypeString, Required: true,
			Description: "what in the snapshot supports the verdict"},
	},
}

// Verdict is a confident verification result.
type Verdict struct {
	Passed     bool
	Method     models.VerifyMethod
	Confidence float64
	Reason     string
	// Fallback is set when the verdict came from the fallback path.
	Fallback bool
}

// perceptionAttempt describes one escalation step.
type perceptionAttempt struct {
	model   oracle.ModelHint
	capture CaptureRequest
}

// Perception judges captured snapshots with the oracle.
type Perception struct {
	capturer Capturer
	oracle   oracle.Oracle
	floor    float64
	logger   logging.Logger
}

// NewPerception creates a perception path. floor is the minimum confidence
// (0-100) for a verdict to count.
func NewPerception(capturer Capturer, o oracle.Oracle, floor float64, logger logging.Logger) *Perception {
	return &Perception{capturer: capturer, oracle: o, floor: floor, logger: logging.OrNop(logger)}
}

// attempts escalates from a narrow capture on the fast model to a full
// capture on the strong model.
func (p *Perception) attempts(d Decision) []perceptionAttempt {
	first := CaptureRequest{Mode: ModeWindow, Target: d.CaptureTarget, Display: "primary"}
	if first.Target == "" {
		first.Mode = ModeScreen
		first.Target = "active"
	}
	return []perceptionAttempt{
		{model: oracle.ModelFast, capture: first},
		{model: oracle.ModelStrong, capture: CaptureRequest{Mode: ModeScreen, Target: "full", Display: "all"}},
	}
}

// Check runs up to two escalating attempts. It returns InconclusiveError when
// neither yields a structured answer at or above the confidence floor.
func (p *Perception) Check(ctx context.Context, item *models.WorkItem, d Decision) (*Verdict, error) {
	if p == nil || p.capturer == nil {
		return nil, inconclusive(item.ID, models.VerifyPerception, "no snapshot capturer configured")
	}

	var reasons []string
	for i, a := range p.attempts(d) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, reason := p.attempt(ctx, item, a)
		if v != nil {
			return v, nil
		}
		p.logger.Log("item %s: perception attempt %d rejected: %s", item.ID, i+1, reason)
		reasons = append(reasons, fmt.Sprintf("attempt %d: %s", i+1, reason))
	}
	return nil, inconclusive(item.ID, models.VerifyPerception, "%s", strings.Join(reasons, "; "))
}

func (p *Perception) attempt(ctx context.Context, item *models.WorkItem, a perceptionAttempt) (*Verdict, string) {
	snap, err := p.capturer.CaptureSnapshot(ctx, a.capture)
	if err != nil {
		return nil, "capture failed: " + err.Error()
	}
	data, mediaType, err := snap.Image()
	if err != nil {
		return nil, err.Error()
	}

	res, err := p.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposePerception,
		Class:       gateway.ClassVerification,
		Prompt:      perceptionPrompt(item, a.capture),
		Schema:      PerceptionSchema,
		ModelHint:   a.model,
		Temperature: 0,
		Attachments: []oracle.Attachment{{MediaType: mediaType, Data: data}},
	})
	if err != nil {
		return nil, "oracle: " + err.Error()
	}
	if res.Repaired {
		return nil, "oracle produced an unstructured answer"
	}

	confidence, _ := res.Number("confidence")
	if confidence < p.floor {
		return nil, fmt.Sprintf("confidence %.0f below floor %.0f", confidence, p.floor)
	}
	match, _ := res.Bool("match")
	return &Verdict{
		Passed:     match,
		Method:     models.VerifyPerception,
		Confidence: confidence,
		Reason:     res.String("reason"),
	}, ""
}

func perceptionPrompt(item *models.WorkItem, c CaptureRequest) string {
	var sb strings.Builder
	sb.WriteString("The attached snapshot was taken after an automation step.\n\n")
	fmt.Fprintf(&sb, "Step: %s\n", item.Action)
	fmt.Fprintf(&sb, "Success criteria: %s\n", item.SuccessCriteria)
	fmt.Fprintf(&sb, "Capture: mode=%s target=%s display=%s\n\n", c.Mode, c.Target, c.Display)
	sb.WriteString("Judge whether the snapshot shows the success criteria are met.\n")
	return sb.String()
}
