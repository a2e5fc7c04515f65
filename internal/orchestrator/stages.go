package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Stage is a state of the run-level pipeline.
type Stage string

const (
	StageIntentClassify Stage = "intent_classify"
	StageRespond        Stage = "respond"
	StagePlan           Stage = "plan"
	StageItemLoop       Stage = "item_loop"
	StageSummarize      Stage = "summarize"
	StageTerminal       Stage = "terminal"
)

// ItemStage is a state of the per-item sub-pipeline.
type ItemStage string

const (
	ItemSelectServers ItemStage = "select_servers"
	ItemPlanToolCalls ItemStage = "plan_tool_calls"
	ItemValidate      ItemStage = "validate"
	ItemExecute       ItemStage = "execute"
	ItemVerify        ItemStage = "verify"
	ItemDeepReplan    ItemStage = "deep_replan"
	ItemDone          ItemStage = "done"
)

// transition runs one stage and names the next.
type transition[S ~string, T any] func(ctx context.Context, tape T) (S, error)

// machine is a table-driven state machine: one registered handler per stage.
// Before each non-exempt stage the guard may redirect, which is how
// cancellation is checked at every stage boundary.
type machine[S ~string, T any] struct {
	transitions map[S]transition[S, T]
	terminal    S
	// guard runs before each stage not in exempt. A true result jumps to
	// the returned stage instead.
	guard  func(ctx context.Context, tape T, next S) (S, bool)
	exempt map[S]bool
	// enter observes every stage entered, with the time spent in the previous one.
	enter func(tape T, stage S, prev S, took time.Duration)
}

func newMachine[S ~string, T any](terminal S) *machine[S, T] {
	return &machine[S, T]{
		transitions: make(map[S]transition[S, T]),
		terminal:    terminal,
		exempt:      make(map[S]bool),
	}
}

// register binds the handler for stage.
func (m *machine[S, T]) register(stage S, fn transition[S, T]) {
	m.transitions[stage] = fn
}

// run walks the machine from start until the terminal stage.
// A handler error stops the machine and is returned as is.
func (m *machine[S, T]) run(ctx context.Context, start S, tape T) error {
	stage := start
	var prev S
	entered := time.Now()
	for {
		if m.guard != nil && !m.exempt[stage] {
			if redirect, ok := m.guard(ctx, tape, stage); ok {
				stage = redirect
			}
		}
		if m.enter != nil {
			now := time.Now()
			m.enter(tape, stage, prev, now.Sub(entered))
			entered = now
		}
		if stage == m.terminal {
			return nil
		}

		fn, ok := m.transitions[stage]
		if !ok {
			return fmt.Errorf("no transition defined for stage: %s", stage)
		}
		next, err := fn(ctx, tape)
		if err != nil {
			return err
		}
		prev, stage = stage, next
	}
}
