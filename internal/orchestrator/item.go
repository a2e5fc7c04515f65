package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/planner"
	"github.com/ShayCichocki/conductor/internal/validation"
	"github.com/ShayCichocki/conductor/internal/verification"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// itemRun is the tape of one item's sub-pipeline.
type itemRun struct {
	rs *runState
	id string
	// probe items run outside the graph and stop after execution.
	probe bool
	// item is the working copy. save pushes it back into the graph.
	item *models.WorkItem

	servers []string
	caps    []mcp.Capability
	calls   []models.ToolCall
	results []verification.ProbeCall

	failures     []string
	feedback     string
	feedbackLeft int
	// revising is set while a rejected batch is re-planned within the same attempt.
	revising bool

	cancelled bool
	exhausted bool
	abort     string
}

// save copies the working fields into the graph.
func (ir *itemRun) save() {
	if ir.probe || ir.rs.graph == nil {
		return
	}
	it := ir.item
	_ = ir.rs.graph.Update(ir.id, func(w *models.WorkItem) {
		w.Attempts = it.Attempts
		w.ToolCalls = append([]models.ToolCall(nil), it.ToolCalls...)
		w.Servers = append([]string(nil), it.Servers...)
		w.Params = it.Params
		w.LastError = it.LastError
		w.VerifyMethod = it.VerifyMethod
		w.VerifyReason = it.VerifyReason
	})
}

func (o *Orchestrator) buildItemMachine() *machine[ItemStage, *itemRun] {
	m := newMachine[ItemStage, *itemRun](ItemDone)
	m.register(ItemSelectServers, o.selectServers)
	m.register(ItemPlanToolCalls, o.planToolCalls)
	m.register(ItemValidate, o.validate)
	m.register(ItemExecute, o.execute)
	m.register(ItemVerify, o.verify)
	m.register(ItemDeepReplan, o.deepReplan)

	m.exempt[ItemDone] = true
	m.guard = func(ctx context.Context, ir *itemRun, next ItemStage) (ItemStage, bool) {
		if ctx.Err() != nil {
			ir.cancelled = true
			return ItemDone, true
		}
		return next, false
	}
	m.enter = func(ir *itemRun, stage, prev ItemStage, took time.Duration) {
		if prev != "" {
			o.metrics.observeStage("item_"+string(prev), took.Seconds())
		}
		o.logger.Log("item %s: %s", ir.id, stage)
	}
	return m
}

// processItem runs one eligible graph item to a terminal status or a
// replan decision.
func (o *Orchestrator) processItem(ctx context.Context, rs *runState, id string) error {
	if err := rs.graph.MarkStatus(id, models.ItemStatusInProgress); err != nil {
		return err
	}
	item := rs.graph.Get(id)
	if item == nil {
		return fmt.Errorf("item %s vanished from the graph", id)
	}
	o.emit(Event{Type: EventItemStarted, RunID: rs.id, ItemID: id, ItemLabel: item.Label(), Attempt: item.Attempts})
	defer o.validator.Forget(rs.id, id)

	ir := &itemRun{rs: rs, id: id, item: item}
	if err := o.items.run(ctx, ItemSelectServers, ir); err != nil {
		return err
	}
	switch {
	case ir.cancelled:
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return context.Canceled
	case ir.abort != "":
		return &abortError{reason: ir.abort}
	}
	return nil
}

func (o *Orchestrator) selectServers(ctx context.Context, ir *itemRun) (ItemStage, error) {
	var servers []string
	var caps []mcp.Capability
	if ir.probe && len(ir.item.Servers) > 0 {
		hinted, err := o.loadCapabilities(ir.item.Servers)
		if err == nil {
			servers, caps = ir.item.Servers, hinted
		} else {
			o.logger.Log("item %s: hinted servers %v unusable, selecting instead: %v", ir.id, ir.item.Servers, err)
			ir.item.Servers = nil
		}
	}

	if servers == nil {
		selected, err := o.strategies.Selector.SelectServers(ctx, ir.item.Clone(), o.availableServers())
		if err != nil {
			ir.item.Attempts++
			return o.failAttempt(ctx, ir, fmt.Sprintf("server selection failed: %v", err)), nil
		}
		caps, err = o.loadCapabilities(selected)
		if err != nil {
			ir.item.Attempts++
			return o.failAttempt(ctx, ir, err.Error()), nil
		}
		servers = selected
	}

	ir.servers = servers
	ir.caps = caps
	ir.item.Servers = append([]string(nil), servers...)
	ir.save()
	return ItemPlanToolCalls, nil
}

// loadCapabilities gathers the capabilities of the chosen servers, skipping
// servers that cannot list them.
func (o *Orchestrator) loadCapabilities(servers []string) ([]mcp.Capability, error) {
	var caps []mcp.Capability
	var unavailable []string
	for _, s := range servers {
		list, err := o.servers.ListCapabilities(s)
		if err != nil {
			unavailable = append(unavailable, s)
			continue
		}
		caps = append(caps, list...)
	}
	if len(caps) == 0 {
		if len(unavailable) > 0 {
			return nil, fmt.Errorf("no capabilities available (unavailable servers: %s)", strings.Join(unavailable, ", "))
		}
		return nil, errors.New("no capabilities available")
	}
	return caps, nil
}

func (o *Orchestrator) planToolCalls(ctx context.Context, ir *itemRun) (ItemStage, error) {
	if !ir.revising {
		ir.item.Attempts++
		ir.feedback = ""
		ir.feedbackLeft = o.policy.Attempts.FeedbackReplans
		o.metrics.incAttempt()
	}
	ir.revising = false

	calls, err := o.strategies.ToolPlanner.PlanToolCalls(ctx, planner.ToolRequest{
		Item:         ir.item.Clone(),
		Intent:       ir.rs.request,
		Capabilities: ir.caps,
		Failures:     append([]string(nil), ir.failures...),
		Feedback:     ir.feedback,
	})
	if err != nil {
		return o.failAttempt(ctx, ir, fmt.Sprintf("tool-call planning failed: %v", err)), nil
	}
	ir.calls = calls
	ir.item.ToolCalls = calls
	ir.save()
	return ItemValidate, nil
}

func (o *Orchestrator) validate(ctx context.Context, ir *itemRun) (ItemStage, error) {
	out := o.validator.Validate(ctx, validation.Batch{
		RunID:   ir.rs.id,
		ItemID:  ir.id,
		Intent:  ir.rs.request,
		Servers: ir.servers,
		Calls:   ir.calls,
	})
	if out.Allowed {
		if out.Flagged {
			o.logger.Log("item %s: batch flagged: %s", ir.id, out.FlagReason)
		}
		return ItemExecute, nil
	}
	if ctx.Err() != nil {
		ir.cancelled = true
		return ItemDone, nil
	}

	o.metrics.incRejection(string(out.RejectedStage))
	o.emit(Event{
		Type:      EventValidationRejected,
		RunID:     ir.rs.id,
		ItemID:    ir.id,
		ItemLabel: ir.item.Label(),
		Attempt:   ir.item.Attempts,
		Message:   fmt.Sprintf("%s: %s", out.RejectedStage, out.Reason),
	})

	if ir.feedbackLeft > 0 {
		ir.feedbackLeft--
		ir.revising = true
		if rej := out.Rejection(); rej != nil {
			ir.feedback = rej.Feedback()
		} else {
			ir.feedback = out.Reason
		}
		return ItemPlanToolCalls, nil
	}
	reason := out.Reason
	if err := out.Err(); err != nil {
		reason = err.Error()
	}
	return o.failAttempt(ctx, ir, reason), nil
}

func (o *Orchestrator) execute(ctx context.Context, ir *itemRun) (ItemStage, error) {
	results := make([]verification.ProbeCall, 0, len(ir.calls))
	for _, call := range ir.calls {
		res, err := o.servers.InvokeQualified(ctx, call.Capability, call.Parameters)
		if err != nil {
			var crashed *mcp.ServerCrashedError
			if errors.As(err, &crashed) && crashed.Lost {
				// The next attempt re-selects among the servers still running.
				ir.servers, ir.caps, ir.item.Servers = nil, nil, nil
			}
			return o.failAttempt(ctx, ir, fmt.Sprintf("%s failed: %v", call.Capability, err)), nil
		}
		out := verification.ProbeCall{Capability: call.Capability, Output: res.Text(), IsError: res.IsError}
		results = append(results, out)
		if res.IsError {
			return o.failAttempt(ctx, ir, fmt.Sprintf("%s returned an error: %s", call.Capability, runewidth.Truncate(out.Output, 200, "..."))), nil
		}
	}
	ir.results = results
	if ir.probe {
		return ItemDone, nil
	}
	return ItemVerify, nil
}

func (o *Orchestrator) verify(ctx context.Context, ir *itemRun) (ItemStage, error) {
	v, err := o.verifier.Verify(ctx, ir.item.Clone())
	if err != nil {
		var inc *verification.InconclusiveError
		if errors.As(err, &inc) {
			o.metrics.incVerdict(string(inc.Method), "inconclusive")
		}
		return o.failAttempt(ctx, ir, fmt.Sprintf("verification inconclusive: %v", err)), nil
	}

	ir.item.VerifyMethod = v.Method
	ir.item.VerifyReason = v.Reason
	ir.save()
	if !v.Passed {
		o.metrics.incVerdict(string(v.Method), "failed")
		return o.failAttempt(ctx, ir, "verification failed: "+v.Reason), nil
	}
	o.metrics.incVerdict(string(v.Method), "passed")

	if err := ir.rs.graph.MarkStatus(ir.id, models.ItemStatusCompleted); err != nil {
		return ItemDone, err
	}
	o.metrics.incItem(string(models.ItemStatusCompleted))
	o.emit(Event{
		Type:      EventItemCompleted,
		RunID:     ir.rs.id,
		ItemID:    ir.id,
		ItemLabel: ir.item.Label(),
		Attempt:   ir.item.Attempts,
		Message:   v.Reason,
	})
	return ItemDone, nil
}

// failAttempt records a failed attempt and picks where the item resumes.
// Failures caused by cancellation end the item without counting.
func (o *Orchestrator) failAttempt(ctx context.Context, ir *itemRun, reason string) ItemStage {
	if ctx.Err() != nil {
		ir.cancelled = true
		return ItemDone
	}

	ir.item.LastError = reason
	ir.failures = append(ir.failures, fmt.Sprintf("attempt %d: %s", ir.item.Attempts, reason))
	ir.save()
	o.logger.Log("item %s: attempt %d failed: %s", ir.id, ir.item.Attempts, reason)

	switch {
	case ir.item.Attempts >= o.policy.Attempts.MaxAttempts:
		return ItemDeepReplan
	case len(ir.servers) == 0:
		return ItemSelectServers
	default:
		return ItemPlanToolCalls
	}
}
