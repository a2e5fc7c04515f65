package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/planner"
	"github.com/ShayCichocki/conductor/internal/validation"
	"github.com/ShayCichocki/conductor/internal/verification"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// fakeStrategies answers every planning decision from fixed values or hooks.
type fakeStrategies struct {
	mu sync.Mutex

	intent      *planner.Intent
	classifyErr error
	plan        []*models.WorkItem
	complexity  int
	planErr     error

	selectFn func(item *models.WorkItem) ([]string, error)
	toolFn   func(req planner.ToolRequest) ([]models.ToolCall, error)
	replanFn func(req planner.ReplanRequest) (*planner.Decision, error)

	planCalls  int
	toolReqs   []planner.ToolRequest
	replanReqs []planner.ReplanRequest
}

func newFakeStrategies(items ...*models.WorkItem) *fakeStrategies {
	return &fakeStrategies{
		intent: &planner.Intent{Kind: planner.IntentTask, Language: "en"},
		plan:   items,
	}
}

func (f *fakeStrategies) strategies() Strategies {
	return Strategies{Classifier: f, Planner: f, Selector: f, ToolPlanner: f, Replanner: f}
}

func (f *fakeStrategies) Classify(context.Context, string) (*planner.Intent, error) {
	if f.classifyErr != nil {
		return nil, f.classifyErr
	}
	return f.intent, nil
}

func (f *fakeStrategies) Plan(context.Context, string, string, []mcp.ServerSummary) (*planner.Plan, error) {
	f.mu.Lock()
	f.planCalls++
	f.mu.Unlock()
	if f.planErr != nil {
		return nil, f.planErr
	}
	items := make([]*models.WorkItem, len(f.plan))
	for i, it := range f.plan {
		items[i] = it.Clone()
	}
	return &planner.Plan{Complexity: f.complexity, Items: items}, nil
}

func (f *fakeStrategies) SelectServers(_ context.Context, item *models.WorkItem, _ []mcp.ServerSummary) ([]string, error) {
	if f.selectFn != nil {
		return f.selectFn(item)
	}
	return []string{"fs"}, nil
}

func (f *fakeStrategies) PlanToolCalls(_ context.Context, req planner.ToolRequest) ([]models.ToolCall, error) {
	f.mu.Lock()
	f.toolReqs = append(f.toolReqs, req)
	f.mu.Unlock()
	if f.toolFn != nil {
		return f.toolFn(req)
	}
	return []models.ToolCall{{
		Capability: "fs__write",
		Parameters: map[string]any{"item": req.Item.ID},
	}}, nil
}

func (f *fakeStrategies) Replan(_ context.Context, req planner.ReplanRequest) (*planner.Decision, error) {
	f.mu.Lock()
	f.replanReqs = append(f.replanReqs, req)
	f.mu.Unlock()
	if f.replanFn != nil {
		return f.replanFn(req)
	}
	return &planner.Decision{Action: planner.ReplanSkip, Reason: "give up"}, nil
}

func (f *fakeStrategies) toolRequestsFor(id string) []planner.ToolRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []planner.ToolRequest
	for _, r := range f.toolReqs {
		if r.Item.ID == id {
			out = append(out, r)
		}
	}
	return out
}

// fakeServers is a single "fs" server that succeeds unless invokeFn says otherwise.
type fakeServers struct {
	mu       sync.Mutex
	lost     []string
	invokeFn func(qualified string, params map[string]any) (*mcp.ToolCallResult, error)
	invoked  []string
}

func (f *fakeServers) Catalog() []mcp.ServerSummary {
	return []mcp.ServerSummary{{Name: "fs", Description: "files", Alive: true}}
}

func (f *fakeServers) ListCapabilities(server string) ([]mcp.Capability, error) {
	if server != "fs" {
		return nil, fmt.Errorf("unknown server %s", server)
	}
	return []mcp.Capability{
		{Server: "fs", Name: "write"},
		{Server: "fs", Name: "read"},
	}, nil
}

func (f *fakeServers) InvokeQualified(_ context.Context, qualified string, params map[string]any) (*mcp.ToolCallResult, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, qualified)
	f.mu.Unlock()
	if f.invokeFn != nil {
		return f.invokeFn(qualified, params)
	}
	return textResult("ok"), nil
}

func (f *fakeServers) LostRequired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lost
}

func (f *fakeServers) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

func textResult(text string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

// fakeValidator allows every batch unless fn says otherwise.
type fakeValidator struct {
	mu        sync.Mutex
	fn        func(b validation.Batch) *validation.Outcome
	batches   []validation.Batch
	forgotten []string
}

func (f *fakeValidator) Validate(_ context.Context, b validation.Batch) *validation.Outcome {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(b)
	}
	return &validation.Outcome{Allowed: true}
}

func (f *fakeValidator) Forget(_, itemID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, itemID)
}

// fakeVerifier passes every item unless fn says otherwise.
type fakeVerifier struct {
	mu    sync.Mutex
	fn    func(item *models.WorkItem) (*verification.Verdict, error)
	calls map[string]int
}

func (f *fakeVerifier) Verify(_ context.Context, item *models.WorkItem) (*verification.Verdict, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[item.ID]++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(item)
	}
	return passed(), nil
}

func (f *fakeVerifier) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func passed() *verification.Verdict {
	return &verification.Verdict{Passed: true, Method: models.VerifyPerception, Confidence: 90, Reason: "looks right"}
}

func failed(reason string) *verification.Verdict {
	return &verification.Verdict{Passed: false, Method: models.VerifyPerception, Confidence: 90, Reason: reason}
}

type fakeSaturation bool

func (f fakeSaturation) AllSaturated() bool { return bool(f) }

type fakePauseGate struct {
	err error
}

func (f fakePauseGate) WaitIfPaused(context.Context) error { return f.err }

// harness bundles an orchestrator with its fakes.
type harness struct {
	orch       *Orchestrator
	strategies *fakeStrategies
	servers    *fakeServers
	validator  *fakeValidator
	verifier   *fakeVerifier
}

func newHarness(t *testing.T, s *fakeStrategies, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		strategies: s,
		servers:    &fakeServers{},
		validator:  &fakeValidator{},
		verifier:   &fakeVerifier{},
	}
	return h.build(t, opts...)
}

func (h *harness) build(t *testing.T, opts ...Option) *harness {
	t.Helper()
	orch, err := New(RequiredConfig{
		Strategies: h.strategies.strategies(),
		Servers:    h.servers,
		Validator:  h.validator,
		Verifier:   h.verifier,
	}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(orch.Close)
	h.orch = orch
	return h
}

// drain returns the events buffered so far without blocking.
func drain(o *Orchestrator) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-o.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func itemByID(s *models.RunSummary, id string) *models.WorkItem {
	for _, it := range s.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func item(id string, deps ...string) *models.WorkItem {
	return &models.WorkItem{
		ID:              id,
		Action:          "do step " + id,
		SuccessCriteria: "step " + id + " is done",
		Status:          models.ItemStatusPending,
		Dependencies:    deps,
	}
}

func testPolicy() *policy.Config {
	p := policy.Default()
	p.Loop.EventBuffer = 1024
	return p
}
