// Package gateway serializes calls to rate-limited endpoints (the oracle and
// each capability server) with adaptive backoff, request coalescing, a bounded
// queue, per-class timeouts, and graceful cancellation.
package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
)

// CallClass selects the timeout applied to a call.
type CallClass string

const (
	ClassPlanning     CallClass = "planning"
	ClassExecution    CallClass = "execution"
	ClassVerification CallClass = "verification"
	ClassStartup      CallClass = "startup"
)

// maxJitterFraction bounds the random spread added to each computed delay.
const maxJitterFraction = 0.1

// Config controls pacing, retries, batching and timeouts for every endpoint.
type Config struct {
	BaseDelay         time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterFraction is capped at 0.1.
	JitterFraction float64
	MaxRetries     int
	MaxQueueSize   int
	// BatchWindow is how long a keyed leader waits for identical requests.
	BatchWindow  time.Duration
	MaxBatchSize int
	Timeouts     map[CallClass]time.Duration
	// CancelGrace is how long in-flight calls may run after the parent
	// context is cancelled.
	CancelGrace time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         50 * time.Millisecond,
		MinDelay:          10 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterFraction:    0.1,
		MaxRetries:        3,
		MaxQueueSize:      50,
		BatchWindow:       20 * time.Millisecond,
		MaxBatchSize:      8,
		Timeouts: map[CallClass]time.Duration{
			ClassPlanning:     60 * time.Second,
			ClassExecution:    120 * time.Second,
			ClassVerification: 90 * time.Second,
			ClassStartup:      20 * time.Second,
		},
		CancelGrace: 5 * time.Second,
	}
}

// CallOptions describes one gateway call.
type CallOptions struct {
	Class CallClass
	// Priority > 0 dispatches without waiting for the batch window.
	Priority int
	// Timeout overrides the class timeout when non-zero.
	Timeout time.Duration
	// Key identifies structurally identical requests. Empty disables coalescing.
	Key string
}

// Func is the upstream operation performed by a call.
type Func func(ctx context.Context) (any, error)

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records gateway activity on m.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the debug logger.
func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) { g.logger = logging.Component(l, "gateway") }
}

// WithJitterSource replaces the random source used for jitter.
// The function must return values in [0, 1).
func WithJitterSource(fn func() float64) Option {
	return func(g *Gateway) { g.jitter = fn }
}

// Gateway owns one rate window per endpoint.
type Gateway struct {
	cfg     Config
	metrics *Metrics
	logger  logging.Logger
	jitter  func() float64

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a gateway.
func New(cfg Config, opts ...Option) *Gateway {
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.JitterFraction > maxJitterFraction {
		cfg.JitterFraction = maxJitterFraction
	}
	g := &Gateway{
		cfg:     cfg,
		logger:  logging.Nop(),
		jitter:  rand.Float64,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the gateway configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

func (g *Gateway) window(endpoint string) *window {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[endpoint]
	if !ok {
		w = newWindow(endpoint, g.cfg.MaxQueueSize)
		g.windows[endpoint] = w
	}
	return w
}

// Call dispatches fn against endpoint, honoring the endpoint's rate window.
// Retryable failures are retried with backoff up to MaxRetries. When the
// endpoint queue is full the call fails immediately with QueueSaturatedError.
func (g *Gateway) Call(ctx context.Context, endpoint string, opts CallOptions, fn Func) (any, error) {
	w := g.window(endpoint)
	if !w.acquire() {
		g.metrics.incSaturated(endpoint)
		g.logger.Log("queue saturated for %s", endpoint)
		return nil, &QueueSaturatedError{Endpoint: endpoint, Limit: g.cfg.MaxQueueSize}
	}
	g.metrics.setQueueDepth(endpoint, w.queued.Load())
	defer func() {
		g.metrics.setQueueDepth(endpoint, w.release())
	}()

	if opts.Key == "" {
		return g.dispatch(ctx, w, opts, fn)
	}

	// The flight runs on its own context so one caller leaving does not fail
	// the others. It is cancelled once every waiter has gone.
	flightKey, gen, fctx := w.join(ctx, opts.Key, g.cfg.MaxBatchSize)
	defer w.depart(opts.Key, flightKey, gen)
	ch := w.flights.DoChan(flightKey, func() (any, error) {
		defer w.leave(opts.Key, gen)
		if opts.Priority <= 0 && g.cfg.BatchWindow > 0 {
			if err := sleep(fctx, g.cfg.BatchWindow); err != nil {
				return nil, err
			}
		}
		return g.dispatch(fctx, w, opts, fn)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.metrics.incDedup(endpoint)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do is the typed form of Call.
func Do[T any](ctx context.Context, g *Gateway, endpoint string, opts CallOptions, fn func(context.Context) (T, error)) (T, error) {
	v, err := g.Call(ctx, endpoint, opts, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (g *Gateway) dispatch(ctx context.Context, w *window, opts CallOptions, fn Func) (any, error) {
	for attempt := 0; ; attempt++ {
		wait := w.reserve(g.cfg, time.Now(), g.jitter())
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}

		callCtx, timeout, cancel := g.callContext(ctx, opts)
		start := time.Now()
		v, err := fn(callCtx)
		expired := callCtx.Err() != nil
		cancel()
		elapsed := time.Since(start).Seconds()

		if err == nil {
			w.recordSuccess()
			g.metrics.observeCall(w.endpoint, "ok", elapsed)
			g.metrics.setDelay(w.endpoint, w.delay(g.cfg).Seconds())
			return v, nil
		}

		var te *TimeoutError
		if expired && isContextErr(err) && !errors.As(err, &te) {
			err = &TimeoutError{Endpoint: w.endpoint, Class: opts.Class, After: timeout, Err: err}
		}

		if !IsRetryable(err) {
			g.metrics.observeCall(w.endpoint, "error", elapsed)
			return nil, err
		}

		w.recordFailure(retryAfterOf(err))
		g.metrics.observeCall(w.endpoint, "retryable", elapsed)
		g.metrics.setDelay(w.endpoint, w.delay(g.cfg).Seconds())

		if attempt >= g.cfg.MaxRetries || ctx.Err() != nil {
			return nil, err
		}
		g.metrics.incRetry(w.endpoint)
		g.logger.Log("retrying %s (attempt %d/%d): %v", w.endpoint, attempt+1, g.cfg.MaxRetries, err)
	}
}

// callContext derives the context for one upstream attempt. A cancelled
// parent leaves the attempt running for CancelGrace before cancelling it.
func (g *Gateway) callContext(parent context.Context, opts CallOptions) (context.Context, time.Duration, context.CancelFunc) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = g.cfg.Timeouts[opts.Class]
	}

	base := parent
	var cancels []context.CancelFunc
	if g.cfg.CancelGrace > 0 {
		detached, cancelDetached := context.WithCancel(context.WithoutCancel(parent))
		grace := g.cfg.CancelGrace
		stop := context.AfterFunc(parent, func() {
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-t.C:
				cancelDetached()
			case <-detached.Done():
			}
		})
		base = detached
		cancels = append(cancels, func() { stop() }, cancelDetached)
	}

	ctx := base
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(base, timeout)
		cancels = append(cancels, cancelTimeout)
	}

	return ctx, timeout, func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

// Delay returns the current computed delay for endpoint, without jitter.
func (g *Gateway) Delay(endpoint string) time.Duration {
	return g.window(endpoint).delay(g.cfg)
}

// Stats returns a snapshot of the endpoint's window.
func (g *Gateway) Stats(endpoint string) WindowStats {
	return g.window(endpoint).stats(g.cfg)
}

// Endpoints lists every endpoint seen so far, sorted.
func (g *Gateway) Endpoints() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.windows))
	for name := range g.windows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AllSaturated reports whether every known endpoint's queue is full.
func (g *Gateway) AllSaturated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.windows) == 0 {
		return false
	}
	for _, w := range g.windows {
		if !w.saturated() {
			return false
		}
	}
	return true
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
