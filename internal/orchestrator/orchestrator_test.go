package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/planner"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/validation"
	"github.com/ShayCichocki/conductor/internal/verification"
	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	s := newFakeStrategies()
	full := RequiredConfig{
		Strategies: s.strategies(),
		Servers:    &fakeServers{},
		Validator:  &fakeValidator{},
		Verifier:   &fakeVerifier{},
	}

	tests := []struct {
		name   string
		mutate func(*RequiredConfig)
	}{
		{"missing replanner", func(c *RequiredConfig) { c.Strategies.Replanner = nil }},
		{"missing servers", func(c *RequiredConfig) { c.Servers = nil }},
		{"missing validator", func(c *RequiredConfig) { c.Validator = nil }},
		{"missing verifier", func(c *RequiredConfig) { c.Verifier = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	orch, err := New(full)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer orch.Close()
	if got := orch.Policy().Attempts.MaxAttempts; got != 3 {
		t.Errorf("default MaxAttempts = %d, want 3", got)
	}
}

func TestRun_EmptyRequest(t *testing.T) {
	h := newHarness(t, newFakeStrategies())
	if _, err := h.orch.Run(context.Background(), "   "); err == nil {
		t.Error("expected error for empty request")
	}
}

func TestRun_ChatRespondsDirectly(t *testing.T) {
	s := newFakeStrategies()
	s.intent = &planner.Intent{Kind: planner.IntentChat, Reply: "Hi there!"}
	h := newHarness(t, s, WithPolicy(testPolicy()))

	summary, err := h.orch.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunCompleted {
		t.Errorf("status = %s, want completed", summary.Status)
	}
	if summary.Reply != "Hi there!" {
		t.Errorf("reply = %q", summary.Reply)
	}
	if s.planCalls != 0 {
		t.Errorf("planner called %d times for chat", s.planCalls)
	}

	var stages []Stage
	for _, ev := range eventsOfType(drain(h.orch), EventStage) {
		stages = append(stages, ev.Stage)
	}
	want := []Stage{StageIntentClassify, StageRespond, StageSummarize}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestRun_SequentialCompletesInDependencyOrder(t *testing.T) {
	s := newFakeStrategies(item("1"), item("2", "1"), item("3", "2"))
	h := newHarness(t, s, WithPolicy(testPolicy()))

	summary, err := h.orch.Run(context.Background(), "do three things")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunCompleted {
		t.Fatalf("status = %s, want completed (abort: %q)", summary.Status, summary.AbortReason)
	}
	if summary.ItemsCompleted != 3 || summary.ItemsFailed != 0 {
		t.Errorf("completed/failed = %d/%d, want 3/0", summary.ItemsCompleted, summary.ItemsFailed)
	}
	for _, it := range summary.Items {
		if it.Attempts != 1 {
			t.Errorf("item %s attempts = %d, want 1", it.ID, it.Attempts)
		}
		if len(it.Servers) != 1 || it.Servers[0] != "fs" {
			t.Errorf("item %s servers = %v", it.ID, it.Servers)
		}
		if it.VerifyMethod != models.VerifyPerception {
			t.Errorf("item %s verify method = %s", it.ID, it.VerifyMethod)
		}
	}

	completed := eventsOfType(drain(h.orch), EventItemCompleted)
	order := make([]string, len(completed))
	for i, ev := range completed {
		order[i] = ev.ItemID
	}
	if strings.Join(order, ",") != "1,2,3" {
		t.Errorf("completion order = %v, want 1,2,3", order)
	}
	if got := len(h.validator.forgotten); got != 3 {
		t.Errorf("validator forgot %d items, want 3", got)
	}
}

func TestRun_DecomposeAfterExhaustedAttempts(t *testing.T) {
	s := newFakeStrategies(item("1"), item("2", "1"))
	s.replanFn = func(req planner.ReplanRequest) (*planner.Decision, error) {
		return &planner.Decision{
			Action:   planner.ReplanDecompose,
			Children: []*models.WorkItem{{Action: "smaller step", SuccessCriteria: "smaller step done"}},
			Reason:   "too big",
		}, nil
	}
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.verifier.fn = func(it *models.WorkItem) (*verification.Verdict, error) {
		if it.ID == "1" {
			return failed("nothing changed"), nil
		}
		return passed(), nil
	}

	summary, err := h.orch.Run(context.Background(), "two steps")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	parent := itemByID(summary, "1")
	if parent.Status != models.ItemStatusFailed {
		t.Errorf("item 1 status = %s, want failed", parent.Status)
	}
	if parent.Attempts != 3 {
		t.Errorf("item 1 attempts = %d, want 3", parent.Attempts)
	}
	if !strings.Contains(parent.LastError, "1.1") {
		t.Errorf("item 1 last error = %q, want the child id", parent.LastError)
	}
	if got := h.verifier.callsFor("1"); got != 3 {
		t.Errorf("item 1 verified %d times, want 3", got)
	}

	child := itemByID(summary, "1.1")
	if child == nil || child.Status != models.ItemStatusCompleted {
		t.Fatalf("child 1.1 = %+v, want completed", child)
	}
	second := itemByID(summary, "2")
	if second.Status != models.ItemStatusCompleted {
		t.Errorf("item 2 status = %s, want completed", second.Status)
	}
	if len(second.Dependencies) != 1 || second.Dependencies[0] != "1.1" {
		t.Errorf("item 2 deps = %v, want [1.1]", second.Dependencies)
	}
	if summary.Status != models.RunPartial {
		t.Errorf("status = %s, want partial", summary.Status)
	}

	reqs := s.toolRequestsFor("1")
	if len(reqs) != 3 {
		t.Fatalf("tool requests for item 1 = %d, want 3", len(reqs))
	}
	if len(reqs[2].Failures) != 2 {
		t.Errorf("third attempt saw %d failures, want 2", len(reqs[2].Failures))
	}
	if len(s.replanReqs) != 1 || !s.replanReqs[0].AllowDecompose || !s.replanReqs[0].AllowAdjust {
		t.Errorf("replan requests = %+v", s.replanReqs)
	}

	replanned := eventsOfType(drain(h.orch), EventItemReplanned)
	if len(replanned) != 1 || len(replanned[0].Children) != 1 || replanned[0].Children[0] != "1.1" {
		t.Errorf("replanned events = %+v", replanned)
	}
}

func TestRun_RiskRejectionNeverExecutes(t *testing.T) {
	s := newFakeStrategies(item("1"))
	s.toolFn = func(planner.ToolRequest) ([]models.ToolCall, error) {
		return []models.ToolCall{{Capability: "shell__delete_all", Parameters: map[string]any{}}}, nil
	}
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.validator.fn = func(b validation.Batch) *validation.Outcome {
		return validation.Rejected(&validation.Rejection{
			Stage:      validation.StageRisk,
			Reason:     "critical risk",
			Index:      0,
			Capability: "shell__delete_all",
		})
	}

	summary, err := h.orch.Run(context.Background(), "clean up")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.servers.invocations(); len(got) != 0 {
		t.Errorf("invoked %v, want nothing", got)
	}

	it := itemByID(summary, "1")
	if it.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", it.Attempts)
	}
	if it.Status != models.ItemStatusFailed {
		t.Errorf("status = %s, want failed", it.Status)
	}
	if !strings.Contains(it.LastError, "risk") {
		t.Errorf("last error = %q", it.LastError)
	}

	// One feedback re-plan per attempt.
	if got := len(h.validator.batches); got != 6 {
		t.Errorf("validated %d batches, want 6", got)
	}
	reqs := s.toolRequestsFor("1")
	if len(reqs) != 6 {
		t.Fatalf("tool requests = %d, want 6", len(reqs))
	}
	if reqs[0].Feedback != "" || !strings.Contains(reqs[1].Feedback, "risk") {
		t.Errorf("feedback = %q then %q", reqs[0].Feedback, reqs[1].Feedback)
	}

	rejected := eventsOfType(drain(h.orch), EventValidationRejected)
	if len(rejected) != 6 {
		t.Errorf("rejection events = %d, want 6", len(rejected))
	}
	if summary.Status != models.RunPartial {
		t.Errorf("run status = %s, want partial", summary.Status)
	}
}

func TestRun_AdjustResetsAttempts(t *testing.T) {
	s := newFakeStrategies(item("1"))
	s.replanFn = func(req planner.ReplanRequest) (*planner.Decision, error) {
		return &planner.Decision{Action: planner.ReplanAdjust, Params: map[string]any{"mode": "safe"}, Reason: "use safe mode"}, nil
	}
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.verifier.fn = func(it *models.WorkItem) (*verification.Verdict, error) {
		if it.Params["mode"] == "safe" {
			return passed(), nil
		}
		return failed("wrong mode"), nil
	}

	summary, err := h.orch.Run(context.Background(), "adjust me")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	it := itemByID(summary, "1")
	if it.Status != models.ItemStatusCompleted {
		t.Fatalf("status = %s, want completed", it.Status)
	}
	if it.Attempts != 1 {
		t.Errorf("attempts after adjust = %d, want 1", it.Attempts)
	}
	if it.Params["mode"] != "safe" {
		t.Errorf("params = %v", it.Params)
	}
	if len(s.replanReqs) != 1 {
		t.Errorf("replans = %d, want 1", len(s.replanReqs))
	}
	if summary.Status != models.RunCompleted {
		t.Errorf("run status = %s", summary.Status)
	}
}

func TestRun_AdjustBudgetIsPerItem(t *testing.T) {
	s := newFakeStrategies(item("1"))
	s.replanFn = func(req planner.ReplanRequest) (*planner.Decision, error) {
		if req.AllowAdjust {
			return &planner.Decision{Action: planner.ReplanAdjust, Params: map[string]any{"try": 2}}, nil
		}
		return &planner.Decision{Action: planner.ReplanSkip, Reason: "no budget"}, nil
	}
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.verifier.fn = func(*models.WorkItem) (*verification.Verdict, error) { return failed("never"), nil }

	summary, err := h.orch.Run(context.Background(), "never works")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(s.replanReqs) != 2 {
		t.Fatalf("replans = %d, want 2", len(s.replanReqs))
	}
	if s.replanReqs[1].AllowAdjust {
		t.Error("second replan allowed another adjust")
	}
	if got := itemByID(summary, "1").Status; got != models.ItemStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if got := h.verifier.callsFor("1"); got != 6 {
		t.Errorf("verified %d times, want 6", got)
	}
}

func TestRun_SkipStrandsDependents(t *testing.T) {
	s := newFakeStrategies(item("1"), item("2", "1"), item("3"))
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.verifier.fn = func(it *models.WorkItem) (*verification.Verdict, error) {
		if it.ID == "1" {
			return failed("broken"), nil
		}
		return passed(), nil
	}

	summary, err := h.orch.Run(context.Background(), "skip one")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunPartial {
		t.Errorf("status = %s, want partial", summary.Status)
	}
	if got := itemByID(summary, "1"); got.Status != models.ItemStatusFailed || !strings.Contains(got.LastError, "broken") {
		t.Errorf("item 1 = %s %q", got.Status, got.LastError)
	}
	second := itemByID(summary, "2")
	if second.Status != models.ItemStatusFailed {
		t.Errorf("item 2 status = %s, want failed", second.Status)
	}
	if second.LastError != "blocked: dependency 1 failed" {
		t.Errorf("item 2 reason = %q", second.LastError)
	}
	if got := itemByID(summary, "3").Status; got != models.ItemStatusCompleted {
		t.Errorf("item 3 status = %s, want completed", got)
	}
	if summary.ItemsCompleted != 1 || summary.ItemsFailed != 2 {
		t.Errorf("completed/failed = %d/%d", summary.ItemsCompleted, summary.ItemsFailed)
	}
	if len(summary.FailedItems()) != 2 {
		t.Errorf("failed items = %d", len(summary.FailedItems()))
	}
}

func TestRun_CriticalItemAborts(t *testing.T) {
	critical := item("1")
	critical.Critical = true
	s := newFakeStrategies(critical, item("2", "1"))
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.verifier.fn = func(*models.WorkItem) (*verification.Verdict, error) { return failed("no"), nil }

	summary, err := h.orch.Run(context.Background(), "critical")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunAborted {
		t.Fatalf("status = %s, want aborted", summary.Status)
	}
	if !strings.Contains(summary.AbortReason, "cannot be skipped") {
		t.Errorf("abort reason = %q", summary.AbortReason)
	}
	second := itemByID(summary, "2")
	if second.Status != models.ItemStatusFailed || !strings.HasPrefix(second.LastError, "aborted: ") {
		t.Errorf("item 2 = %s %q", second.Status, second.LastError)
	}
}

func TestRun_SkipDisabledAborts(t *testing.T) {
	p := testPolicy()
	p.Replan.AllowSkip = false
	s := newFakeStrategies(item("1"))
	h := newHarness(t, s, WithPolicy(p))
	h.verifier.fn = func(*models.WorkItem) (*verification.Verdict, error) { return failed("no"), nil }

	summary, err := h.orch.Run(context.Background(), "no skipping")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunAborted {
		t.Errorf("status = %s, want aborted", summary.Status)
	}
}

func TestRun_ReplanErrorFallsBackToSkip(t *testing.T) {
	s := newFakeStrategies(item("1"))
	s.replanFn = func(planner.ReplanRequest) (*planner.Decision, error) {
		return nil, errors.New("oracle unavailable")
	}
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.verifier.fn = func(*models.WorkItem) (*verification.Verdict, error) { return failed("no"), nil }

	summary, err := h.orch.Run(context.Background(), "replan fails")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := itemByID(summary, "1").Status; got != models.ItemStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if summary.Status != models.RunPartial {
		t.Errorf("run status = %s, want partial", summary.Status)
	}
}

func TestRun_InvocationErrorCountsAsAttempt(t *testing.T) {
	s := newFakeStrategies(item("1"))
	h := newHarness(t, s, WithPolicy(testPolicy()))
	var calls atomic.Int32
	h.servers.invokeFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
		if calls.Add(1) == 1 {
			return &mcp.ToolCallResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "disk full"}}}, nil
		}
		return textResult("ok"), nil
	}

	summary, err := h.orch.Run(context.Background(), "retry once")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	it := itemByID(summary, "1")
	if it.Status != models.ItemStatusCompleted || it.Attempts != 2 {
		t.Errorf("item = %s after %d attempts, want completed after 2", it.Status, it.Attempts)
	}
	if got := h.verifier.callsFor("1"); got != 1 {
		t.Errorf("verified %d times, want 1", got)
	}
	reqs := s.toolRequestsFor("1")
	if len(reqs) != 2 || len(reqs[1].Failures) != 1 || !strings.Contains(reqs[1].Failures[0], "disk full") {
		t.Errorf("second attempt failures = %v", reqs[len(reqs)-1].Failures)
	}
}

func TestRun_InconclusiveVerificationCountsAsAttempt(t *testing.T) {
	s := newFakeStrategies(item("1"))
	h := newHarness(t, s, WithPolicy(testPolicy()))
	h.verifier.fn = func(it *models.WorkItem) (*verification.Verdict, error) {
		if it.Attempts == 1 {
			return nil, &verification.InconclusiveError{ItemID: it.ID, Method: models.VerifyPerception, Reason: "blurry"}
		}
		return passed(), nil
	}

	summary, err := h.orch.Run(context.Background(), "look closer")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	it := itemByID(summary, "1")
	if it.Status != models.ItemStatusCompleted || it.Attempts != 2 {
		t.Errorf("item = %s after %d attempts", it.Status, it.Attempts)
	}
}

func TestRun_CancelledMarksRemainingFailed(t *testing.T) {
	s := newFakeStrategies(item("1"), item("2", "1"))
	h := newHarness(t, s, WithPolicy(testPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.verifier.fn = func(*models.WorkItem) (*verification.Verdict, error) {
		cancel()
		return nil, ctx.Err()
	}

	summary, err := h.orch.Run(ctx, "cancel me")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunAborted {
		t.Errorf("status = %s, want aborted", summary.Status)
	}
	if summary.AbortReason != "cancelled" {
		t.Errorf("abort reason = %q", summary.AbortReason)
	}
	for _, it := range summary.Items {
		if it.Status != models.ItemStatusFailed || it.LastError != "cancelled" {
			t.Errorf("item %s = %s %q, want failed cancelled", it.ID, it.Status, it.LastError)
		}
	}
	if got := itemByID(summary, "1").Attempts; got != 1 {
		t.Errorf("cancellation counted as attempt: attempts = %d", got)
	}
}

func TestRun_KillCauseNamedInAbortReason(t *testing.T) {
	h := newHarness(t, newFakeStrategies(item("1")), WithPolicy(testPolicy()))
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(signals.ErrKilled)

	summary, err := h.orch.Run(ctx, "too late")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunAborted {
		t.Errorf("status = %s", summary.Status)
	}
	if summary.AbortReason != "cancelled: "+signals.ErrKilled.Error() {
		t.Errorf("abort reason = %q", summary.AbortReason)
	}
}

func TestRun_PauseGateKill(t *testing.T) {
	h := newHarness(t, newFakeStrategies(item("1"), item("2")),
		WithPolicy(testPolicy()), WithPauseGate(fakePauseGate{err: signals.ErrKilled}))

	summary, err := h.orch.Run(context.Background(), "paused")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunAborted {
		t.Errorf("status = %s", summary.Status)
	}
	if summary.ItemsFailed != 2 {
		t.Errorf("failed = %d, want 2", summary.ItemsFailed)
	}
	if got := h.servers.invocations(); len(got) != 0 {
		t.Errorf("invoked %v while killed", got)
	}
}

func TestRun_InfrastructureAborts(t *testing.T) {
	t.Run("required server lost", func(t *testing.T) {
		h := newHarness(t, newFakeStrategies(item("1")), WithPolicy(testPolicy()))
		h.servers.lost = []string{"fs"}
		summary, err := h.orch.Run(context.Background(), "needs fs")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if summary.Status != models.RunAborted || summary.AbortReason != "required server lost: fs" {
			t.Errorf("summary = %s %q", summary.Status, summary.AbortReason)
		}
		if got := itemByID(summary, "1").LastError; got != "aborted: required server lost: fs" {
			t.Errorf("item reason = %q", got)
		}
	})

	t.Run("gateway saturated", func(t *testing.T) {
		h := newHarness(t, newFakeStrategies(item("1")), WithPolicy(testPolicy()), WithGateway(fakeSaturation(true)))
		summary, err := h.orch.Run(context.Background(), "busy")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if summary.Status != models.RunAborted || !strings.Contains(summary.AbortReason, "saturated") {
			t.Errorf("summary = %s %q", summary.Status, summary.AbortReason)
		}
	})
}

func TestRun_ClassifyAndPlanErrorsAbort(t *testing.T) {
	s := newFakeStrategies()
	s.classifyErr = errors.New("oracle down")
	h := newHarness(t, s, WithPolicy(testPolicy()))
	summary, err := h.orch.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunAborted || !strings.HasPrefix(summary.AbortReason, "intent classification failed") {
		t.Errorf("summary = %s %q", summary.Status, summary.AbortReason)
	}

	s = newFakeStrategies()
	s.planErr = errors.New("malformed")
	h = newHarness(t, s, WithPolicy(testPolicy()))
	summary, err = h.orch.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunAborted || !strings.HasPrefix(summary.AbortReason, "planning failed") {
		t.Errorf("summary = %s %q", summary.Status, summary.AbortReason)
	}
}

func TestRun_ParallelRunsIndependentItems(t *testing.T) {
	p := testPolicy()
	p.Parallel.Enabled = true
	p.Parallel.Workers = 2
	s := newFakeStrategies(item("1"), item("2"), item("3"), item("4", "1", "2", "3"))
	h := newHarness(t, s, WithPolicy(p))

	var inflight, peak atomic.Int32
	h.servers.invokeFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
		n := inflight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inflight.Add(-1)
		return textResult("ok"), nil
	}

	summary, err := h.orch.Run(context.Background(), "fan out")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunCompleted {
		t.Fatalf("status = %s (abort %q)", summary.Status, summary.AbortReason)
	}
	if got := peak.Load(); got < 2 || got > 2 {
		t.Errorf("peak concurrency = %d, want 2", got)
	}

	completed := eventsOfType(drain(h.orch), EventItemCompleted)
	if last := completed[len(completed)-1].ItemID; last != "4" {
		t.Errorf("last completed = %s, want 4", last)
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	db, err := state.OpenHistory("", state.ProjectDBPath(t.TempDir()))
	if err != nil {
		t.Fatalf("OpenHistory() error = %v", err)
	}
	defer db.Close()

	h := newHarness(t, newFakeStrategies(item("1"), item("2", "1")), WithPolicy(testPolicy()), WithRecorder(db))
	summary, err := h.orch.Run(context.Background(), "remember this")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	detail, err := db.GetRun(summary.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if detail.Run.Status != string(models.RunCompleted) || detail.Run.Request != "remember this" {
		t.Errorf("run = %+v", detail.Run)
	}
	if !detail.Run.Finished() {
		t.Error("run not finished")
	}
	if len(detail.Items) != 2 {
		t.Errorf("items = %d, want 2", len(detail.Items))
	}
	var sawDone bool
	for _, ev := range detail.Events {
		if ev.Type == string(EventRunDone) {
			sawDone = true
		}
	}
	if !sawDone {
		t.Errorf("no run_done event among %d events", len(detail.Events))
	}
}

func TestRun_Metrics(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())
	s := newFakeStrategies(item("1"), item("2"))
	h := newHarness(t, s, WithPolicy(testPolicy()), WithMetrics(m))
	h.verifier.fn = func(it *models.WorkItem) (*verification.Verdict, error) {
		if it.ID == "2" {
			return failed("no"), nil
		}
		return passed(), nil
	}

	if _, err := h.orch.Run(context.Background(), "count me"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues(string(models.RunPartial))); got != 1 {
		t.Errorf("partial runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.items.WithLabelValues(string(models.ItemStatusCompleted))); got != 1 {
		t.Errorf("completed items = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.attempts); got != 4 {
		t.Errorf("attempts = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.replans.WithLabelValues(string(planner.ReplanSkip))); got != 1 {
		t.Errorf("skips = %v, want 1", got)
	}
}

func TestRunProbe_ExecutesWithoutVerification(t *testing.T) {
	h := newHarness(t, newFakeStrategies(), WithPolicy(testPolicy()))
	h.strategies.selectFn = func(*models.WorkItem) ([]string, error) {
		t.Error("selector called for probe with a target server")
		return nil, errors.New("unexpected")
	}
	h.strategies.toolFn = func(req planner.ToolRequest) ([]models.ToolCall, error) {
		return []models.ToolCall{{Capability: "fs__read", Parameters: map[string]any{"path": "a.txt"}}}, nil
	}
	h.servers.invokeFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
		return textResult("contents"), nil
	}

	probe := verification.ProbeItem(item("1"), verification.Decision{TargetServer: "fs"})
	res, err := h.orch.RunProbe(context.Background(), probe)
	if err != nil {
		t.Fatalf("RunProbe() error = %v", err)
	}
	if len(res.Calls) != 1 || res.Calls[0].Output != "contents" || res.Calls[0].Capability != "fs__read" {
		t.Errorf("calls = %+v", res.Calls)
	}
	if got := h.verifier.callsFor(probe.ID); got != 0 {
		t.Errorf("probe verified %d times", got)
	}
}

func TestRunProbe_ExhaustedReturnsError(t *testing.T) {
	h := newHarness(t, newFakeStrategies(), WithPolicy(testPolicy()))
	h.servers.invokeFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
		return nil, errors.New("server gone")
	}

	probe := verification.ProbeItem(item("1"), verification.Decision{})
	if _, err := h.orch.RunProbe(context.Background(), probe); err == nil {
		t.Fatal("expected error")
	}
	if got := len(h.strategies.replanReqs); got != 0 {
		t.Errorf("probe triggered %d replans", got)
	}
	if got := len(h.servers.invocations()); got != 3 {
		t.Errorf("invocations = %d, want 3", got)
	}
}

func TestRunProbe_CancelledWrapsContextCanceled(t *testing.T) {
	h := newHarness(t, newFakeStrategies(), WithPolicy(testPolicy()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.RunProbe(ctx, verification.ProbeItem(item("1"), verification.Decision{}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunProbe_UnknownHintedServerFallsBackToSelector(t *testing.T) {
	h := newHarness(t, newFakeStrategies(), WithPolicy(testPolicy()))
	var selected atomic.Int32
	h.strategies.selectFn = func(*models.WorkItem) ([]string, error) {
		selected.Add(1)
		return []string{"fs"}, nil
	}
	h.strategies.toolFn = func(req planner.ToolRequest) ([]models.ToolCall, error) {
		return []models.ToolCall{{Capability: "fs__read", Parameters: map[string]any{"path": "a.txt"}}}, nil
	}

	probe := verification.ProbeItem(item("1"), verification.Decision{TargetServer: "ghost"})
	res, err := h.orch.RunProbe(context.Background(), probe)
	if err != nil {
		t.Fatalf("RunProbe() error = %v", err)
	}
	if got := selected.Load(); got != 1 {
		t.Errorf("selector calls = %d, want 1", got)
	}
	if len(res.Item.Servers) != 1 || res.Item.Servers[0] != "fs" {
		t.Errorf("probe servers = %v, want [fs]", res.Item.Servers)
	}
	if res.Item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Item.Attempts)
	}
}

func TestRun_LostServerTriggersReselection(t *testing.T) {
	h := newHarness(t, newFakeStrategies(item("1")), WithPolicy(testPolicy()))
	var selected atomic.Int32
	h.strategies.selectFn = func(*models.WorkItem) ([]string, error) {
		selected.Add(1)
		return []string{"fs"}, nil
	}
	var invoked atomic.Int32
	h.servers.invokeFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
		if invoked.Add(1) == 1 {
			return nil, &mcp.ServerCrashedError{Server: "fs", Err: errors.New("exit status 1"), Lost: true}
		}
		return textResult("ok"), nil
	}

	summary, err := h.orch.Run(context.Background(), "write the file")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunCompleted {
		t.Errorf("status = %s, want completed", summary.Status)
	}
	if got := selected.Load(); got != 2 {
		t.Errorf("selector calls = %d, want 2", got)
	}
}

func TestRun_ErrorOutputShortenedOnRuneBoundary(t *testing.T) {
	h := newHarness(t, newFakeStrategies(item("1")), WithPolicy(testPolicy()))
	h.servers.invokeFn = func(string, map[string]any) (*mcp.ToolCallResult, error) {
		res := textResult("e" + strings.Repeat("错误", 300))
		res.IsError = true
		return res, nil
	}

	summary, err := h.orch.Run(context.Background(), "write the file")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	it := itemByID(summary, "1")
	if it == nil {
		t.Fatal("item 1 missing from summary")
	}
	if !utf8.ValidString(it.LastError) {
		t.Errorf("last error holds a split rune: %q", it.LastError)
	}
	if !strings.HasSuffix(it.LastError, "...") {
		t.Errorf("long error output should be shortened: %q", it.LastError)
	}
}
