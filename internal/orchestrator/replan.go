package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/internal/planner"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// deepReplan recovers an item that exhausted its attempts: adjust its
// parameters, decompose it into children, or skip it.
func (o *Orchestrator) deepReplan(ctx context.Context, ir *itemRun) (ItemStage, error) {
	if ir.probe {
		ir.exhausted = true
		return ItemDone, nil
	}

	rs := ir.rs
	req := planner.ReplanRequest{
		Item:           ir.item.Clone(),
		Intent:         rs.request,
		Failures:       append([]string(nil), ir.failures...),
		AllowAdjust:    rs.adjustsFor(ir.id) < o.policy.Replan.MaxAdjusts,
		AllowDecompose: graph.Depth(ir.id) < graph.MaxDepthFor(rs.graph.Complexity(), o.policy.Replan.MaxDepth),
	}

	d, err := o.strategies.Replanner.Replan(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			ir.cancelled = true
			return ItemDone, nil
		}
		o.logger.Log("item %s: replan failed, skipping: %v", ir.id, err)
		d = &planner.Decision{Action: planner.ReplanSkip, Reason: fmt.Sprintf("replan failed: %v", err)}
	}

	switch {
	case d.Action == planner.ReplanAdjust && req.AllowAdjust:
		return o.adjust(ir, d), nil
	case d.Action == planner.ReplanDecompose && req.AllowDecompose:
		if next, ok := o.decompose(ir, d); ok {
			return next, nil
		}
	}
	return o.skip(ir), nil
}

func (o *Orchestrator) adjust(ir *itemRun, d *planner.Decision) ItemStage {
	ir.rs.addAdjust(ir.id)
	params := maps.Clone(ir.item.Params)
	if params == nil {
		params = make(map[string]any, len(d.Params))
	}
	maps.Copy(params, d.Params)
	ir.item.Params = params
	ir.item.Attempts = 0
	ir.save()

	o.metrics.incReplan(string(planner.ReplanAdjust))
	o.emit(Event{
		Type:      EventItemReplanned,
		RunID:     ir.rs.id,
		ItemID:    ir.id,
		ItemLabel: ir.item.Label(),
		Attempt:   ir.item.Attempts,
		Message:   "adjusted: " + d.Reason,
	})
	if len(ir.servers) == 0 {
		return ItemSelectServers
	}
	return ItemPlanToolCalls
}

// decompose inserts the decision's children after the item and fails the
// parent. Dependents of the parent wait on the last child.
func (o *Orchestrator) decompose(ir *itemRun, d *planner.Decision) (ItemStage, bool) {
	rs := ir.rs
	ids, err := rs.graph.InsertChildren(ir.id, d.Children)
	if err != nil {
		o.logger.Log("item %s: decompose rejected: %v", ir.id, err)
		return "", false
	}

	reason := fmt.Sprintf("decomposed into [%s]: %s", strings.Join(ids, ", "), d.Reason)
	if err := rs.graph.MarkFailed(ir.id, reason); err != nil {
		o.logger.Log("item %s: mark decomposed parent: %v", ir.id, err)
	}
	o.metrics.incReplan(string(planner.ReplanDecompose))
	o.metrics.incItem(string(models.ItemStatusFailed))
	o.emit(Event{
		Type:      EventItemReplanned,
		RunID:     rs.id,
		ItemID:    ir.id,
		ItemLabel: ir.item.Label(),
		Attempt:   ir.item.Attempts,
		Message:   reason,
		Children:  ids,
	})
	return ItemDone, true
}

// skip fails the item. A critical item cannot be skipped and aborts the run.
func (o *Orchestrator) skip(ir *itemRun) ItemStage {
	rs := ir.rs
	reason := ir.item.LastError
	if reason == "" {
		reason = "attempts exhausted"
	}
	if err := rs.graph.MarkFailed(ir.id, reason); err != nil {
		o.logger.Log("item %s: mark failed: %v", ir.id, err)
	}
	o.metrics.incReplan(string(planner.ReplanSkip))
	o.metrics.incItem(string(models.ItemStatusFailed))
	o.emit(Event{
		Type:      EventItemFailed,
		RunID:     rs.id,
		ItemID:    ir.id,
		ItemLabel: ir.item.Label(),
		Attempt:   ir.item.Attempts,
		Message:   reason,
	})

	if !o.policy.Replan.AllowSkip || !rs.graph.CanSkip(ir.id) {
		ir.abort = fmt.Sprintf("item %s failed and cannot be skipped: %s", ir.id, reason)
	}
	return ItemDone
}
