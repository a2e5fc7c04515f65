package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// window is the per-endpoint rate state: last dispatch, consecutive
// failures, an optional retry-after override, and the bounded queue.
type window struct {
	endpoint string

	mu           sync.Mutex
	lastDispatch time.Time
	failures     int
	retryAfter   time.Duration
	successes    int64
	failed       int64
	batches      map[string]*batch
	open         map[string]*flight

	queue   *semaphore.Weighted
	limit   int64
	queued  atomic.Int64
	flights singleflight.Group
}

// batch tracks the open generation for one request key. The generation only
// moves forward so a new caller never joins a flight that already closed.
type batch struct {
	gen  int
	size int
}

func (b *batch) roll() {
	b.gen++
	b.size = 0
}

// flight is the shared context of one coalesced dispatch. It belongs to no
// single caller and ends when the last waiter departs.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// WindowStats is a point-in-time view of an endpoint window.
type WindowStats struct {
	Endpoint      string
	Failures      int
	Successes     int64
	FailuresTotal int64
	Queued        int64
	Delay         time.Duration
	LastDispatch  time.Time
}

func newWindow(endpoint string, limit int) *window {
	if limit < 1 {
		limit = 1
	}
	return &window{
		endpoint: endpoint,
		batches:  make(map[string]*batch),
		open:     make(map[string]*flight),
		queue:    semaphore.NewWeighted(int64(limit)),
		limit:    int64(limit),
	}
}

// computeDelay returns clamp(base * mult^failures, min, max).
func computeDelay(cfg Config, failures int) time.Duration {
	base := float64(cfg.BaseDelay)
	if base <= 0 {
		base = float64(time.Millisecond)
	}
	mult := cfg.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}
	d := base * math.Pow(mult, float64(failures))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if d < float64(cfg.MinDelay) {
		d = float64(cfg.MinDelay)
	}
	return time.Duration(d)
}

func (w *window) delay(cfg Config) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return computeDelay(cfg, w.failures)
}

// reserve claims the next dispatch slot and returns how long to wait for it.
// Concurrent callers are spaced by the adaptive delay in reservation order.
func (w *window) reserve(cfg Config, now time.Time, jitter float64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	var d time.Duration
	if w.retryAfter > 0 {
		d = w.retryAfter
		w.retryAfter = 0
	} else {
		d = computeDelay(cfg, w.failures)
		frac := cfg.JitterFraction
		if frac > maxJitterFraction {
			frac = maxJitterFraction
		}
		if frac > 0 {
			d += time.Duration(float64(d) * frac * jitter)
		}
	}

	slot := now
	if !w.lastDispatch.IsZero() {
		if next := w.lastDispatch.Add(d); next.After(slot) {
			slot = next
		}
	}
	w.lastDispatch = slot
	return slot.Sub(now)
}

func (w *window) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = 0
	w.successes++
}

func (w *window) recordFailure(retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	w.failed++
	if retryAfter > 0 {
		w.retryAfter = retryAfter
	}
}

// join adds a caller to the open batch for key and returns the flight key,
// its generation and the flight context. A batch that reached maxSize rolls
// over to a fresh generation.
func (w *window) join(ctx context.Context, key string, maxSize int) (string, int, context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.batches[key]
	if !ok {
		b = &batch{}
		w.batches[key] = b
	}
	if maxSize > 0 && b.size >= maxSize {
		b.roll()
	}
	b.size++

	flightKey := fmt.Sprintf("%s#%d", key, b.gen)
	f, ok := w.open[flightKey]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		w.open[flightKey] = f
	}
	f.waiters++
	return flightKey, b.gen, f.ctx
}

// leave closes generation gen of key to new callers.
func (w *window) leave(key string, gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.batches[key]; ok && b.gen == gen {
		b.roll()
	}
}

// depart drops one waiter from a flight. The last waiter out cancels the
// flight context and closes its generation.
func (w *window) depart(key, flightKey string, gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.open[flightKey]
	if !ok {
		return
	}
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	delete(w.open, flightKey)
	if b, ok := w.batches[key]; ok && b.gen == gen {
		b.roll()
	}
}

func (w *window) acquire() bool {
	if !w.queue.TryAcquire(1) {
		return false
	}
	w.queued.Add(1)
	return true
}

func (w *window) release() int64 {
	n := w.queued.Add(-1)
	w.queue.Release(1)
	return n
}

func (w *window) saturated() bool {
	return w.queued.Load() >= w.limit
}

func (w *window) stats(cfg Config) WindowStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowStats{
		Endpoint:      w.endpoint,
		Failures:      w.failures,
		Successes:     w.successes,
		FailuresTotal: w.failed,
		Queued:        w.queued.Load(),
		Delay:         computeDelay(cfg, w.failures),
		LastDispatch:  w.lastDispatch,
	}
}
