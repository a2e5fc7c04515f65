package policy

import "testing"

func TestDefault(t *testing.T) {
	p := Default()
	if p.Attempts.MaxAttempts != 3 || p.Attempts.FeedbackReplans != 1 {
		t.Errorf("attempts = %+v", p.Attempts)
	}
	if p.Replan.MaxDepth != 2 || p.Replan.MaxAdjusts != 1 || !p.Replan.AllowSkip {
		t.Errorf("replan = %+v", p.Replan)
	}
	if p.Parallel.Enabled {
		t.Error("parallel mode enabled by default")
	}
	if p.Loop.EventBuffer != 256 {
		t.Errorf("loop = %+v", p.Loop)
	}
}

func TestValidate_ReplacesOutOfRange(t *testing.T) {
	p := &Config{
		Attempts: AttemptPolicy{MaxAttempts: 0, FeedbackReplans: -1},
		Replan:   ReplanPolicy{MaxDepth: -1, MaxAdjusts: -2},
		Parallel: ParallelPolicy{Workers: 0},
		Loop:     LoopPolicy{EventBuffer: -1},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	d := Default()
	if p.Attempts != d.Attempts {
		t.Errorf("attempts = %+v, want %+v", p.Attempts, d.Attempts)
	}
	if p.Replan.MaxDepth != 2 || p.Replan.MaxAdjusts != 1 {
		t.Errorf("replan = %+v", p.Replan)
	}
	if p.Parallel.Workers != 4 || p.Loop.EventBuffer != 256 {
		t.Errorf("parallel/loop = %+v %+v", p.Parallel, p.Loop)
	}
}

func TestValidate_KeepsZeroFeedbackAndDepth(t *testing.T) {
	p := Default()
	p.Attempts.FeedbackReplans = 0
	p.Replan.MaxDepth = 0
	_ = p.Validate()
	if p.Attempts.FeedbackReplans != 0 || p.Replan.MaxDepth != 0 {
		t.Errorf("zero values replaced: %+v %+v", p.Attempts, p.Replan)
	}
}
