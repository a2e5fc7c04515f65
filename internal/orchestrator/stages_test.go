package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testStage string

type tape struct {
	visited []testStage
}

func TestMachine_WalksToTerminal(t *testing.T) {
	m := newMachine[testStage, *tape]("end")
	m.register("a", func(_ context.Context, tp *tape) (testStage, error) { return "b", nil })
	m.register("b", func(_ context.Context, tp *tape) (testStage, error) { return "end", nil })
	m.enter = func(tp *tape, stage, _ testStage, _ time.Duration) {
		tp.visited = append(tp.visited, stage)
	}

	tp := &tape{}
	if err := m.run(context.Background(), "a", tp); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	want := []testStage{"a", "b", "end"}
	if len(tp.visited) != len(want) {
		t.Fatalf("visited = %v, want %v", tp.visited, want)
	}
	for i := range want {
		if tp.visited[i] != want[i] {
			t.Errorf("visited[%d] = %s, want %s", i, tp.visited[i], want[i])
		}
	}
}

func TestMachine_MissingTransition(t *testing.T) {
	m := newMachine[testStage, *tape]("end")
	m.register("a", func(context.Context, *tape) (testStage, error) { return "nowhere", nil })
	if err := m.run(context.Background(), "a", &tape{}); err == nil {
		t.Error("expected error for unregistered stage")
	}
}

func TestMachine_HandlerErrorStops(t *testing.T) {
	boom := errors.New("boom")
	m := newMachine[testStage, *tape]("end")
	m.register("a", func(context.Context, *tape) (testStage, error) { return "", boom })
	if err := m.run(context.Background(), "a", &tape{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestMachine_GuardRedirectsExceptExempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newMachine[testStage, *tape]("end")
	m.register("a", func(context.Context, *tape) (testStage, error) {
		cancel()
		return "b", nil
	})
	m.register("b", func(context.Context, *tape) (testStage, error) {
		t.Error("guarded stage ran after cancellation")
		return "end", nil
	})
	m.register("cleanup", func(_ context.Context, tp *tape) (testStage, error) {
		tp.visited = append(tp.visited, "cleanup")
		return "end", nil
	})
	m.exempt["cleanup"] = true
	m.exempt["end"] = true
	m.guard = func(ctx context.Context, _ *tape, next testStage) (testStage, bool) {
		if ctx.Err() != nil {
			return "cleanup", true
		}
		return next, false
	}

	tp := &tape{}
	if err := m.run(ctx, "a", tp); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if len(tp.visited) != 1 || tp.visited[0] != "cleanup" {
		t.Errorf("visited = %v, want [cleanup]", tp.visited)
	}
}
