// Package validation gates proposed tool-call batches before they run.
//
// # Overview
//
// A Pipeline runs three checks in order and stops at the first rejection:
//
//  1. Structural - every capability is advertised by a selected server and
//     every required parameter is present
//  2. Repetition - loop protection over the recent call history of an item
//  3. Risk - the oracle scores each call; a static floor from package protect
//     is applied and calls at or above the blocking level are rejected
//
// # Usage
//
//	p := validation.NewPipeline(validation.DefaultConfig(), manager, oracle,
//	    validation.WithDetector(protect.New()))
//
//	out := p.Validate(ctx, validation.Batch{
//	    RunID:   runID,
//	    ItemID:  item.ID,
//	    Intent:  item.Action,
//	    Servers: item.Servers,
//	    Calls:   item.ToolCalls,
//	})
//	if err := out.Err(); err != nil {
//	    // feed err.(*validation.Rejection).Feedback() back into planning
//	}
//
// Only an allowed Outcome may reach the capability servers.
//
// # Failure policy
//
// The risk check fails closed: if the oracle cannot score a batch, the batch
// is rejected unless Config.FailOpen is set. With FailOpen the static floor
// alone decides.
package validation
