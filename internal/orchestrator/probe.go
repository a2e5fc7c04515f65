package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/verification"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var _ verification.ProbeRunner = (*Orchestrator)(nil)

// RunProbe runs a one-off verification item through server selection,
// tool-call planning, validation and execution. The probe never enters the
// task graph and is never verified itself.
func (o *Orchestrator) RunProbe(ctx context.Context, probe *models.WorkItem) (*verification.ProbeResult, error) {
	if probe == nil {
		return nil, errors.New("nil probe item")
	}
	rs := runFromContext(ctx)
	if rs == nil {
		rs = newRunState(probe.Action)
	}
	defer o.validator.Forget(rs.id, probe.ID)

	ir := &itemRun{rs: rs, id: probe.ID, probe: true, item: probe.Clone()}
	if err := o.items.run(ctx, ItemSelectServers, ir); err != nil {
		return nil, err
	}
	switch {
	case ir.cancelled:
		return nil, fmt.Errorf("probe %s: %w", probe.ID, context.Canceled)
	case ir.exhausted:
		return nil, fmt.Errorf("probe %s failed after %d attempts: %s", probe.ID, ir.item.Attempts, ir.item.LastError)
	}
	return &verification.ProbeResult{Item: ir.item, Calls: ir.results}, nil
}
