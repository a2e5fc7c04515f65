package validation

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// callHistory is the proposal history of one item.
type callHistory struct {
	last        string
	consecutive int
	totals      map[string]int
}

// RepetitionCheck is loop protection. It tracks proposed calls per run and
// item and trips when the same call repeats more than RepetitionThreshold
// times in a row, or when one capability is proposed more than
// MaxCallsPerCapability times in total.
type RepetitionCheck struct {
	cfg Config

	mu      sync.Mutex
	history *lru.Cache[string, *callHistory]
}

// NewRepetitionCheck creates a repetition check.
func NewRepetitionCheck(cfg Config) *RepetitionCheck {
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultConfig().HistorySize
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *callHistory](size)
	return &RepetitionCheck{cfg: cfg, history: cache}
}

// Stage implements Check.
func (c *RepetitionCheck) Stage() Stage { return StageRepetition }

// Check implements Check. The batch is recorded only when it passes, or when
// it is flagged.
func (c *RepetitionCheck) Check(_ context.Context, b Batch, out *Outcome) *Rejection {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := historyKey(b.RunID, b.ItemID)
	h, ok := c.history.Get(key)
	if !ok {
		h = &callHistory{totals: make(map[string]int)}
	}

	next := &callHistory{last: h.last, consecutive: h.consecutive, totals: make(map[string]int, len(h.totals))}
	for k, v := range h.totals {
		next.totals[k] = v
	}

	var rej *Rejection
	for i, call := range b.Calls {
		sig := signature(call)
		if sig == next.last {
			next.consecutive++
		} else {
			next.last = sig
			next.consecutive = 1
		}
		next.totals[call.Capability]++

		if rej != nil {
			continue
		}
		if c.cfg.RepetitionThreshold > 0 && next.consecutive > c.cfg.RepetitionThreshold {
			rej = reject(StageRepetition, i, call.Capability, "identical call proposed %d times in a row (limit %d)", next.consecutive, c.cfg.RepetitionThreshold)
		} else if c.cfg.MaxCallsPerCapability > 0 && next.totals[call.Capability] > c.cfg.MaxCallsPerCapability {
			rej = reject(StageRepetition, i, call.Capability, "capability proposed %d times for this item (limit %d)", next.totals[call.Capability], c.cfg.MaxCallsPerCapability)
		}
	}

	if rej != nil && c.cfg.RepetitionAction != RepetitionFlag {
		return rej
	}
	if rej != nil {
		out.Flagged = true
		out.FlagReason = rej.Reason
	}
	c.history.Add(key, next)
	return nil
}

// Forget drops the history of one item.
func (c *RepetitionCheck) Forget(runID, itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Remove(historyKey(runID, itemID))
}

func historyKey(runID, itemID string) string {
	return runID + "/" + itemID
}

// signature identifies a call by capability and canonical parameters.
// encoding/json sorts map keys, so equal maps encode equally.
func signature(call models.ToolCall) string {
	if len(call.Parameters) == 0 {
		return call.Capability + "\x00{}"
	}
	params, err := json.Marshal(call.Parameters)
	if err != nil {
		return call.Capability
	}
	return call.Capability + "\x00" + string(params)
}
