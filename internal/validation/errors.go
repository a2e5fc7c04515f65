package validation

import (
	"fmt"
	"strings"
)

// Stage names one check of the pipeline.
type Stage string

const (
	StageStructural Stage = "structural"
	StageRepetition Stage = "repetition"
	StageRisk       Stage = "risk"
)

// Rejection is a ValidationRejection. It is never retried by the gateway;
// the stage pipeline feeds it back to tool-call planning once.
type Rejection struct {
	Stage  Stage
	Reason string
	// Index is the offending call within the batch, or -1 for the whole batch.
	Index      int
	Capability string
}

func (r *Rejection) Error() string {
	if r.Capability != "" {
		return fmt.Sprintf("validation rejected at %s stage: %s: %s", r.Stage, r.Capability, r.Reason)
	}
	return fmt.Sprintf("validation rejected at %s stage: %s", r.Stage, r.Reason)
}

// Retryable reports false so the gateway never retries a rejection.
func (r *Rejection) Retryable() bool { return false }

// Feedback renders the rejection as planner guidance.
func (r *Rejection) Feedback() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The previous tool-call batch was rejected by the %s check.\n", r.Stage)
	if r.Index >= 0 {
		fmt.Fprintf(&sb, "Offending call #%d", r.Index+1)
		if r.Capability != "" {
			fmt.Fprintf(&sb, " (%s)", r.Capability)
		}
		sb.WriteString(".\n")
	}
	fmt.Fprintf(&sb, "Reason: %s\n", r.Reason)
	switch r.Stage {
	case StageStructural:
		sb.WriteString("Use only the listed capabilities and supply every required parameter.\n")
	case StageRepetition:
		sb.WriteString("Do not repeat the same call again; try a different approach.\n")
	case StageRisk:
		sb.WriteString("Propose a safer way to reach the goal, or fewer destructive calls.\n")
	}
	return sb.String()
}

func reject(stage Stage, index int, capability, format string, args ...any) *Rejection {
	return &Rejection{Stage: stage, Index: index, Capability: capability, Reason: fmt.Sprintf(format, args...)}
}
