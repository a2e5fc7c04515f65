package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// itemLoop runs one round: the next eligible item in sequential mode, or
// every eligible item in parallel mode.
func (o *Orchestrator) itemLoop(ctx context.Context, rs *runState) (Stage, error) {
	if reason := o.infrastructureFailure(); reason != "" {
		return o.abortRun(rs, reason), nil
	}
	if o.pauseGate != nil {
		if err := o.pauseGate.WaitIfPaused(ctx); err != nil {
			return o.cancelRun(rs, err), nil
		}
	}

	eligible := rs.graph.EligibleItems()
	if len(eligible) == 0 {
		if rs.graph.IsComplete() {
			return StageSummarize, nil
		}
		if stranded := rs.graph.Stranded(); len(stranded) > 0 {
			o.failStranded(rs, stranded)
			return StageItemLoop, nil
		}
		return o.abortRun(rs, "no runnable items remain"), nil
	}

	var err error
	if o.policy.Parallel.Enabled && len(eligible) > 1 {
		err = o.runParallel(ctx, rs, eligible)
	} else {
		err = o.processItem(ctx, rs, eligible[0].ID)
	}
	if err == nil {
		return StageItemLoop, nil
	}

	var ab *abortError
	switch {
	case errors.As(err, &ab):
		return o.abortRun(rs, ab.reason), nil
	case ctx.Err() != nil:
		return o.cancelRun(rs, context.Cause(ctx)), nil
	}
	return StageSummarize, err
}

// runParallel processes mutually independent eligible items on a bounded
// pool. The first abort cancels the rest of the round.
func (o *Orchestrator) runParallel(ctx context.Context, rs *runState, eligible []*models.WorkItem) error {
	p := pool.New().
		WithMaxGoroutines(o.policy.Parallel.Workers).
		WithContext(ctx).
		WithCancelOnError()
	for _, it := range eligible {
		id := it.ID
		p.Go(func(ctx context.Context) error {
			return o.processItem(ctx, rs, id)
		})
	}
	return p.Wait()
}

// failStranded fails items that can never run because a dependency failed.
func (o *Orchestrator) failStranded(rs *runState, ids []string) {
	for _, id := range ids {
		it := rs.graph.Get(id)
		if it == nil {
			continue
		}
		reason := "blocked: " + failedDependency(rs, it)
		if err := rs.graph.MarkFailed(id, reason); err != nil {
			continue
		}
		o.metrics.incItem(string(models.ItemStatusFailed))
		o.emit(Event{Type: EventItemFailed, RunID: rs.id, ItemID: id, ItemLabel: it.Label(), Attempt: it.Attempts, Message: reason})
	}
}

func failedDependency(rs *runState, it *models.WorkItem) string {
	for _, dep := range it.Dependencies {
		if d := rs.graph.Get(dep); d != nil && d.Status == models.ItemStatusFailed {
			return fmt.Sprintf("dependency %s failed", dep)
		}
	}
	return "an upstream dependency failed"
}

func (o *Orchestrator) abortRun(rs *runState, reason string) Stage {
	o.logger.Log("run %s: aborting: %s", rs.id, reason)
	rs.abort(reason)
	o.failRemaining(rs)
	return StageSummarize
}

// cancelRun ends the run after a cancellation or kill.
func (o *Orchestrator) cancelRun(rs *runState, cause error) Stage {
	o.logger.Log("run %s: cancelled: %v", rs.id, cause)
	rs.cancel(cause)
	o.failRemaining(rs)
	return StageSummarize
}
