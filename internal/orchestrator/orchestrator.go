package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/planner"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// cancelledReason is recorded on every item left unfinished by a cancelled run.
const cancelledReason = "cancelled"

// Orchestrator walks requests through the stage pipeline.
type Orchestrator struct {
	strategies Strategies
	servers    ServerPool
	validator  Validator
	verifier   Verifier

	policy     *policy.Config
	saturation SaturationProbe
	logger     logging.Logger
	recorder   state.Recorder
	pauseGate  PauseGate
	metrics    *Metrics
	emitter    *EventEmitter

	pipeline *machine[Stage, *runState]
	items    *machine[ItemStage, *itemRun]

	recordErrs atomic.Uint64
}

// New creates a pipeline over the required collaborators.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if !req.Strategies.complete() {
		return nil, errors.New("orchestrator: every strategy is required")
	}
	if req.Servers == nil || req.Validator == nil || req.Verifier == nil {
		return nil, errors.New("orchestrator: servers, validator and verifier are required")
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy == nil {
		o.policy = policy.Default()
	}
	if err := o.policy.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator policy: %w", err)
	}

	logger := logging.Component(o.logger, "orchestrator")
	orch := &Orchestrator{
		strategies: req.Strategies,
		servers:    req.Servers,
		validator:  req.Validator,
		verifier:   req.Verifier,
		policy:     o.policy,
		saturation: o.saturation,
		logger:     logger,
		recorder:   o.recorder,
		pauseGate:  o.pauseGate,
		metrics:    o.metrics,
		emitter:    NewEventEmitter(o.policy.Loop.EventBuffer, logger),
	}
	orch.pipeline = orch.buildPipeline()
	orch.items = orch.buildItemMachine()
	return orch, nil
}

// Events returns the event stream shared by every run of this pipeline.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Policy returns the effective policy.
func (o *Orchestrator) Policy() policy.Config {
	return *o.policy
}

// Close ends the event stream. Runs after Close emit nothing.
func (o *Orchestrator) Close() {
	o.emitter.Close()
}

// runState is the tape of one run: everything the stage handlers share.
type runState struct {
	id      string
	request string
	started time.Time

	intent *planner.Intent
	graph  *graph.TaskGraph
	reply  string

	summary *models.RunSummary

	mu          sync.Mutex
	abortReason string
	itemReason  string
	adjusts     map[string]int
}

func newRunState(request string) *runState {
	return &runState{
		id:      uuid.NewString(),
		request: request,
		started: time.Now(),
		adjusts: make(map[string]int),
	}
}

// abort records the first reason the run must stop.
func (rs *runState) abort(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.abortReason == "" {
		rs.abortReason = reason
		rs.itemReason = "aborted: " + reason
	}
}

// cancel records a cancellation as the abort reason. A kill signal is
// named in the reason.
func (rs *runState) cancel(cause error) {
	reason := cancelledReason
	if errors.Is(cause, signals.ErrKilled) {
		reason = cancelledReason + ": " + cause.Error()
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.abortReason == "" {
		rs.abortReason = reason
		rs.itemReason = cancelledReason
	}
}

func (rs *runState) aborted() (reason, itemReason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.abortReason, rs.itemReason
}

func (rs *runState) adjustsFor(id string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.adjusts[id]
}

func (rs *runState) addAdjust(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.adjusts[id]++
}

type runKey struct{}

func runFromContext(ctx context.Context) *runState {
	rs, _ := ctx.Value(runKey{}).(*runState)
	return rs
}

// abortError stops the item loop with an aborted run.
type abortError struct {
	reason string
}

func (e *abortError) Error() string { return "run aborted: " + e.reason }

// Run takes one request through the pipeline and returns its summary.
// Oracle and infrastructure failures end in an aborted summary rather than
// an error; an error means the pipeline itself is misconfigured.
func (o *Orchestrator) Run(ctx context.Context, request string) (*models.RunSummary, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, errors.New("empty request")
	}

	rs := newRunState(request)
	o.logger.Log("run %s: %q", rs.id, request)
	if o.recorder != nil {
		if err := o.recorder.BeginRun(rs.id, request, rs.started); err != nil {
			o.recordFailed(err)
		}
	}

	ctx = context.WithValue(ctx, runKey{}, rs)
	if err := o.pipeline.run(ctx, StageIntentClassify, rs); err != nil {
		return rs.summary, err
	}
	return rs.summary, nil
}

func (o *Orchestrator) buildPipeline() *machine[Stage, *runState] {
	m := newMachine[Stage, *runState](StageTerminal)
	m.register(StageIntentClassify, o.classify)
	m.register(StageRespond, o.respond)
	m.register(StagePlan, o.plan)
	m.register(StageItemLoop, o.itemLoop)
	m.register(StageSummarize, o.summarize)

	m.exempt[StageSummarize] = true
	m.exempt[StageTerminal] = true
	m.guard = func(ctx context.Context, rs *runState, next Stage) (Stage, bool) {
		if ctx.Err() != nil {
			rs.cancel(context.Cause(ctx))
			o.failRemaining(rs)
			return StageSummarize, true
		}
		return next, false
	}
	m.enter = func(rs *runState, stage, prev Stage, took time.Duration) {
		if prev != "" {
			o.metrics.observeStage(string(prev), took.Seconds())
		}
		if stage != StageTerminal {
			o.emit(Event{Type: EventStage, RunID: rs.id, Stage: stage})
		}
	}
	return m
}

func (o *Orchestrator) classify(ctx context.Context, rs *runState) (Stage, error) {
	intent, err := o.strategies.Classifier.Classify(ctx, rs.request)
	if err != nil {
		return o.runFailure(ctx, rs, "intent classification failed: %v", err), nil
	}
	rs.intent = intent
	o.logger.Log("run %s: intent %s (language %s)", rs.id, intent.Kind, intent.Language)
	if intent.Kind == planner.IntentChat {
		return StageRespond, nil
	}
	return StagePlan, nil
}

func (o *Orchestrator) respond(_ context.Context, rs *runState) (Stage, error) {
	rs.reply = rs.intent.Reply
	return StageSummarize, nil
}

func (o *Orchestrator) plan(ctx context.Context, rs *runState) (Stage, error) {
	plan, err := o.strategies.Planner.Plan(ctx, rs.request, rs.intent.Language, o.availableServers())
	if err != nil {
		return o.runFailure(ctx, rs, "planning failed: %v", err), nil
	}
	if len(plan.Items) == 0 {
		rs.abort("plan has no items")
		return StageSummarize, nil
	}

	g := graph.New(plan.Complexity)
	g.SetDebugLog(o.logger.Log)
	if err := g.CreateFromPlan(plan.Items); err != nil {
		rs.abort(fmt.Sprintf("invalid plan: %v", err))
		return StageSummarize, nil
	}
	rs.graph = g
	o.logger.Log("run %s: planned %d items (complexity %d)", rs.id, g.Len(), g.Complexity())
	return StageItemLoop, nil
}

// runFailure turns a run-level stage error into an abort. A cancelled
// context takes precedence over the stage error.
func (o *Orchestrator) runFailure(ctx context.Context, rs *runState, format string, args ...any) Stage {
	if ctx.Err() != nil {
		rs.cancel(context.Cause(ctx))
	} else {
		rs.abort(fmt.Sprintf(format, args...))
	}
	return StageSummarize
}

// failRemaining marks every unfinished item of an aborted run failed.
// It runs once no item is in flight.
func (o *Orchestrator) failRemaining(rs *runState) {
	_, itemReason := rs.aborted()
	if rs.graph == nil || itemReason == "" {
		return
	}
	for _, it := range rs.graph.Snapshot() {
		switch it.Status {
		case models.ItemStatusPending, models.ItemStatusInProgress, models.ItemStatusBlocked:
			if err := rs.graph.MarkFailed(it.ID, itemReason); err != nil {
				continue
			}
			o.metrics.incItem(string(models.ItemStatusFailed))
			o.emit(Event{Type: EventItemFailed, RunID: rs.id, ItemID: it.ID, ItemLabel: it.Label(), Attempt: it.Attempts, Message: itemReason})
		}
	}
}

// summarize only reads the graph.
func (o *Orchestrator) summarize(_ context.Context, rs *runState) (Stage, error) {
	reason, _ := rs.aborted()

	summary := &models.RunSummary{
		RunID:       rs.id,
		Request:     rs.request,
		Reply:       rs.reply,
		AbortReason: reason,
	}

	if rs.graph != nil {
		summary.GraphID = rs.graph.ID()
		summary.Items = rs.graph.Snapshot()
		for _, it := range summary.Items {
			switch it.Status {
			case models.ItemStatusCompleted:
				summary.ItemsCompleted++
			case models.ItemStatusFailed:
				summary.ItemsFailed++
			}
		}
	}

	switch {
	case reason != "":
		summary.Status = models.RunAborted
	case summary.ItemsCompleted == len(summary.Items):
		summary.Status = models.RunCompleted
	default:
		summary.Status = models.RunPartial
	}

	elapsed := time.Since(rs.started)
	summary.DurationMs = elapsed.Milliseconds()
	rs.summary = summary

	o.logger.Log("run %s: %s (%d completed, %d failed) in %v", rs.id, summary.Status, summary.ItemsCompleted, summary.ItemsFailed, elapsed)
	o.metrics.observeRun(string(summary.Status), elapsed.Seconds())

	if o.recorder != nil {
		if err := o.recorder.SaveSummary(summary); err != nil {
			o.recordFailed(err)
		}
	}
	o.emit(Event{Type: EventRunDone, RunID: rs.id, Message: string(summary.Status), Summary: summary})
	return StageTerminal, nil
}

func (o *Orchestrator) availableServers() []mcp.ServerSummary {
	var out []mcp.ServerSummary
	for _, s := range o.servers.Catalog() {
		if !s.Lost {
			out = append(out, s)
		}
	}
	return out
}

// infrastructureFailure reports a shared-infrastructure condition that
// must abort the run, or "".
func (o *Orchestrator) infrastructureFailure() string {
	if lost := o.servers.LostRequired(); len(lost) > 0 {
		return "required server lost: " + strings.Join(lost, ", ")
	}
	if o.saturation != nil && o.saturation.AllSaturated() {
		return "every gateway endpoint is saturated"
	}
	return ""
}

// emit publishes ev and mirrors it to the recorder.
func (o *Orchestrator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	o.emitter.Emit(ev)
	if o.recorder == nil || ev.RunID == "" {
		return
	}
	msg := ev.Message
	if ev.Type == EventStage {
		msg = string(ev.Stage)
	}
	if len(ev.Children) > 0 {
		msg = strings.TrimSpace(msg + " children=" + strings.Join(ev.Children, ","))
	}
	err := o.recorder.RecordEvent(state.Event{
		RunID:     ev.RunID,
		Type:      string(ev.Type),
		ItemID:    ev.ItemID,
		Message:   msg,
		CreatedAt: ev.Timestamp,
	})
	if err != nil {
		o.recordFailed(err)
	}
}

func (o *Orchestrator) recordFailed(err error) {
	if n := o.recordErrs.Add(1); n%10 == 1 {
		logging.Warn(o.logger, "orchestrator", "run history write failed (total %d): %v", n, err)
	}
}
