// Package tui provides the terminal progress view for conductor's run command.
//
// The view is read-only. It follows the pipeline's event stream and shows
// the current stage, per-item status and recent activity. Pressing q or
// Ctrl+C cancels the run.
//
// Usage:
//
//	program, app := tui.NewRunProgram(request, cancel)
//	go tui.Forward(ctx, orch.Events(), program)
//	go func() {
//		summary, err := orch.Run(ctx, request)
//		program.Send(tui.RunDoneMsg{Summary: summary, Err: err})
//	}()
//	_, err := program.Run()
package tui
