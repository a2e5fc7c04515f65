package models

import (
	"testing"
	"time"
)

func TestItemStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status ItemStatus
		want   bool
	}{
		{"pending is valid", ItemStatusPending, true},
		{"in_progress is valid", ItemStatusInProgress, true},
		{"completed is valid", ItemStatusCompleted, true},
		{"failed is valid", ItemStatusFailed, true},
		{"blocked is valid", ItemStatusBlocked, true},
		{"empty string is invalid", ItemStatus(""), false},
		{"done is invalid", ItemStatus("done"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("ItemStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestItemStatus_Terminal(t *testing.T) {
	terminal := map[ItemStatus]bool{
		ItemStatusPending:    false,
		ItemStatusInProgress: false,
		ItemStatusBlocked:    false,
		ItemStatusCompleted:  true,
		ItemStatusFailed:     true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestWorkItem_CloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &WorkItem{
		ID:           "1",
		Action:       "open the report",
		Dependencies: []string{"0"},
		ToolCalls: []ToolCall{
			{Capability: "fs__read", Parameters: map[string]any{"path": "/tmp/a"}},
		},
		Params:      map[string]any{"retry": true},
		CompletedAt: &now,
	}

	c := orig.Clone()
	c.Dependencies[0] = "x"
	c.ToolCalls[0].Parameters["path"] = "/tmp/b"
	c.Params["retry"] = false
	*c.CompletedAt = now.Add(time.Hour)

	if orig.Dependencies[0] != "0" {
		t.Errorf("dependencies shared with clone")
	}
	if orig.ToolCalls[0].Parameters["path"] != "/tmp/a" {
		t.Errorf("tool call parameters shared with clone")
	}
	if orig.Params["retry"] != true {
		t.Errorf("params shared with clone")
	}
	if !orig.CompletedAt.Equal(now) {
		t.Errorf("completed_at shared with clone")
	}
}

func TestWorkItem_Label(t *testing.T) {
	w := &WorkItem{Action: "open settings"}
	if w.Label() != "open settings" {
		t.Errorf("Label() = %q, want action fallback", w.Label())
	}
	w.DisplayAction = "打开设置"
	if w.Label() != "打开设置" {
		t.Errorf("Label() = %q, want display action", w.Label())
	}
}

func TestRiskLevel_Ordering(t *testing.T) {
	if !RiskCritical.AtLeast(RiskHigh) {
		t.Error("critical should be at least high")
	}
	if RiskMedium.AtLeast(RiskHigh) {
		t.Error("medium should not be at least high")
	}
	if got := MaxRisk(RiskLow, RiskHigh); got != RiskHigh {
		t.Errorf("MaxRisk(low, high) = %s, want high", got)
	}

	if l, ok := ParseRiskLevel(" Critical "); !ok || l != RiskCritical {
		t.Errorf("ParseRiskLevel(Critical) = %s, %v", l, ok)
	}
	if _, ok := ParseRiskLevel("dangerous"); ok {
		t.Error("unknown level should not parse")
	}
}

func TestRunSummary_FailedItems(t *testing.T) {
	s := &RunSummary{Items: []*WorkItem{
		{ID: "1", Status: ItemStatusCompleted},
		{ID: "2", Status: ItemStatusFailed},
		{ID: "2.1", Status: ItemStatusFailed},
	}}
	failed := s.FailedItems()
	if len(failed) != 2 || failed[0].ID != "2" || failed[1].ID != "2.1" {
		t.Errorf("FailedItems() = %v", failed)
	}
}
