package models

import "time"

// ItemStatus represents the current state of a work item.
type ItemStatus string

const (
	// ItemStatusPending indicates the item has not started and may run once eligible.
	ItemStatusPending ItemStatus = "pending"
	// ItemStatusInProgress indicates the item is being executed.
	ItemStatusInProgress ItemStatus = "in_progress"
	// ItemStatusCompleted indicates the item was verified successfully.
	ItemStatusCompleted ItemStatus = "completed"
	// ItemStatusFailed indicates the item failed and will not be retried.
	ItemStatusFailed ItemStatus = "failed"
	// ItemStatusBlocked indicates the item is waiting on unmet dependencies.
	ItemStatusBlocked ItemStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusInProgress, ItemStatusCompleted, ItemStatusFailed, ItemStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses an item never leaves.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// VerifyMethod names the strategy used to check an item's outcome.
type VerifyMethod string

const (
	// VerifyPerception judges a captured state snapshot.
	VerifyPerception VerifyMethod = "perception"
	// VerifyDataProbe inspects tool results from a one-off verification item.
	VerifyDataProbe VerifyMethod = "data_probe"
)

// ToolCall is one proposed capability invocation.
type ToolCall struct {
	// Capability is the qualified capability name ("<server>__<name>").
	Capability string `json:"capability_name"`
	// Parameters is the argument object passed to the capability.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WorkItem is one planned unit of intent within a task graph.
type WorkItem struct {
	// ID is the hierarchical dotted identifier (e.g. "2", "2.1").
	ID string `json:"id"`
	// Action is the intent in the processing language.
	Action string `json:"action"`
	// DisplayAction is the intent in the user-facing language.
	DisplayAction string `json:"display_action,omitempty"`
	// SuccessCriteria is the free-text condition checked by verification.
	SuccessCriteria string `json:"success_criteria,omitempty"`
	// CriteriaExpr is an optional boolean expression over probe results.
	CriteriaExpr string `json:"criteria_expr,omitempty"`
	// Status is the current lifecycle state.
	Status ItemStatus `json:"status"`
	// Dependencies lists item IDs that must complete before this item.
	Dependencies []string `json:"dependencies,omitempty"`
	// Attempts counts planning/execution attempts made so far.
	Attempts int `json:"attempts"`
	// ToolCalls is the most recently planned batch.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Servers are the capability servers selected for this item.
	Servers []string `json:"servers,omitempty"`
	// Critical items cannot be skipped; their failure aborts the run.
	Critical bool `json:"critical,omitempty"`
	// FallbackEligible allows verification to switch strategies when inconclusive.
	FallbackEligible bool `json:"fallback_eligible,omitempty"`
	// Params carries replan adjustments forwarded to tool-call planning.
	Params map[string]any `json:"params,omitempty"`
	// LastError is the last recorded failure reason.
	LastError string `json:"last_error,omitempty"`
	// VerifyMethod is the strategy that produced the last verdict.
	VerifyMethod VerifyMethod `json:"verify_method,omitempty"`
	// VerifyReason is the last verification explanation.
	VerifyReason string `json:"verify_reason,omitempty"`
	// CreatedAt is when the item was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the item reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Label returns the display text, falling back to the processing text.
func (w *WorkItem) Label() string {
	if w.DisplayAction != "" {
		return w.DisplayAction
	}
	return w.Action
}

// Clone returns a deep copy of the item.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	c.Dependencies = append([]string(nil), w.Dependencies...)
	c.Servers = append([]string(nil), w.Servers...)
	if w.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(w.ToolCalls))
		for i, tc := range w.ToolCalls {
			c.ToolCalls[i] = ToolCall{Capability: tc.Capability, Parameters: copyMap(tc.Parameters)}
		}
	}
	c.Params = copyMap(w.Params)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
