// Package orchestrator walks a natural-language request through the stage
// pipeline.
//
// The pipeline is two table-driven state machines:
//   - Run level: intent classification, then either a direct reply or
//     planning, the item loop and a summary
//   - Item level: server selection, tool-call planning, validation,
//     execution and verification, with deep replanning once attempts run out
//
// Items run one at a time by default. Parallel mode runs each round of
// independent eligible items on a bounded worker pool.
//
// Example usage:
//
//	orch, err := orchestrator.New(orchestrator.RequiredConfig{
//		Strategies: orchestrator.FromPlanner(planner.NewStrategies(o, logger)),
//		Servers:    manager,
//		Validator:  pipeline,
//		Verifier:   engine,
//	}, orchestrator.WithRecorder(db))
//	engine.SetProbeRunner(orch)
//	summary, err := orch.Run(ctx, "archive last week's tickets")
package orchestrator
