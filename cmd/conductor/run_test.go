package main

import (
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/state"
)

func TestEventLine(t *testing.T) {
	tests := []struct {
		name     string
		ev       orchestrator.Event
		wantOK   bool
		wantAttr color.Attribute
		contains string
	}{
		{
			name:     "completed shows attempt",
			ev:       orchestrator.Event{Type: orchestrator.EventItemCompleted, ItemID: "1", ItemLabel: "write file", Attempt: 2},
			wantOK:   true,
			wantAttr: color.FgGreen,
			contains: "1 write file (attempt 2)",
		},
		{
			name:     "failed shows reason",
			ev:       orchestrator.Event{Type: orchestrator.EventItemFailed, ItemID: "2", Message: "blocked: dependency 1 failed"},
			wantOK:   true,
			wantAttr: color.FgRed,
			contains: "2: blocked: dependency 1 failed",
		},
		{
			name:     "decomposition lists children",
			ev:       orchestrator.Event{Type: orchestrator.EventItemReplanned, ItemID: "3", Message: "decomposed", Children: []string{"3.1", "3.2"}},
			wantOK:   true,
			wantAttr: color.FgMagenta,
			contains: "3.1, 3.2",
		},
		{
			name:     "rejection",
			ev:       orchestrator.Event{Type: orchestrator.EventValidationRejected, ItemID: "4", Message: "risk: too dangerous"},
			wantOK:   true,
			wantAttr: color.FgYellow,
			contains: "4 rejected: risk: too dangerous",
		},
		{
			name:   "run done is not printed",
			ev:     orchestrator.Event{Type: orchestrator.EventRunDone},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, attr, msg, ok := eventLine(tt.ev)
			if ok != tt.wantOK {
				t.Fatalf("eventLine() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if attr != tt.wantAttr {
				t.Errorf("eventLine() attr = %v, want %v", attr, tt.wantAttr)
			}
			if !strings.Contains(msg, tt.contains) {
				t.Errorf("eventLine() msg = %q, want it to contain %q", msg, tt.contains)
			}
		})
	}
}

func TestCapabilityParams(t *testing.T) {
	c := mcp.Capability{
		Server: "fs",
		Name:   "write",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"path"},
		},
	}
	got := capabilityParams(c)
	if !strings.Contains(got, "path*") {
		t.Errorf("capabilityParams() = %q, want required path marked", got)
	}
	if !strings.Contains(got, "content") || strings.Contains(got, "content*") {
		t.Errorf("capabilityParams() = %q, want optional content unmarked", got)
	}
	if got := capabilityParams(mcp.Capability{Name: "ping"}); got != "" {
		t.Errorf("capabilityParams() without schema = %q, want empty", got)
	}
}

func TestItemCounts(t *testing.T) {
	if got := itemCounts(state.RunRecord{ItemsCompleted: 3}); got != "3 done" {
		t.Errorf("itemCounts() = %q, want %q", got, "3 done")
	}
	if got := itemCounts(state.RunRecord{ItemsCompleted: 2, ItemsFailed: 1}); got != "2 done, 1 failed" {
		t.Errorf("itemCounts() = %q, want %q", got, "2 done, 1 failed")
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 10); got != "short" {
		t.Errorf("truncateText() = %q, want unchanged", got)
	}
	got := truncateText("archivé les tickets de la semaine", 10)
	if len([]rune(got)) != 10 || !strings.HasSuffix(got, "…") {
		t.Errorf("truncateText() = %q, want 10 runes ending in an ellipsis", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID() = %q, want %q", got, "01234567")
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID() = %q, want %q", got, "abc")
	}
}
