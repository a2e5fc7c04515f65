package verification

import (
	"context"
	"errors"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Config configures the engine.
type Config struct {
	// ConfidenceFloor is the minimum confidence (0-100) of a verdict.
	ConfidenceFloor float64
	// PerceptionToData allows falling back from perception to a data probe.
	PerceptionToData bool
	// DataToPerception allows falling back from a data probe to perception.
	DataToPerception bool
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:  70,
		PerceptionToData: true,
	}
}

// path is one verification strategy.
type path interface {
	Check(ctx context.Context, item *models.WorkItem, d Decision) (*Verdict, error)
}

// Engine decides per item how to verify it and runs the chosen path, with
// one fallback to the other path when the first is inconclusive.
type Engine struct {
	cfg         Config
	heuristic   *Heuristic
	eligibility *Eligibility
	paths       map[models.VerifyMethod]path
	logger      logging.Logger
}

// Deps are the collaborators of an Engine. Capturer and Probes may be nil,
// which makes the matching path always inconclusive.
type Deps struct {
	Oracle   oracle.Oracle
	Capturer Capturer
	Probes   ProbeRunner
	// Servers lists available servers for the eligibility prompt.
	Servers func() []string
	// Capabilities lists the qualified capabilities a probe may suggest.
	Capabilities func(servers []string) []string
	Logger       logging.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	logger := logging.Component(logging.OrNop(deps.Logger), "verify")
	return &Engine{
		cfg:         cfg,
		heuristic:   NewHeuristic(),
		eligibility: NewEligibility(deps.Oracle, deps.Servers, deps.Capabilities, logger),
		paths: map[models.VerifyMethod]path{
			models.VerifyPerception: NewPerception(deps.Capturer, deps.Oracle, cfg.ConfidenceFloor, logger),
			models.VerifyDataProbe:  NewDataProbe(deps.Probes, deps.Oracle, cfg.ConfidenceFloor, logger),
		},
		logger: logger,
	}
}

// SetProbeRunner replaces the data-probe runner. The stage pipeline binds
// itself here once it is constructed.
func (e *Engine) SetProbeRunner(r ProbeRunner) {
	dp, _ := e.paths[models.VerifyDataProbe].(*DataProbe)
	if dp == nil {
		e.paths[models.VerifyDataProbe] = NewDataProbe(r, nil, e.cfg.ConfidenceFloor, e.logger)
		return
	}
	dp.runner = r
}

// Verify checks the outcome of item. It returns a Verdict (which may be a
// confident failure) or an InconclusiveError.
func (e *Engine) Verify(ctx context.Context, item *models.WorkItem) (*Verdict, error) {
	rec := e.heuristic.Recommend(item.Action)
	d := e.eligibility.Route(ctx, item, rec, "")
	e.logger.Log("item %s: verifying by %s (%s)", item.ID, d.Method, d.Source)

	v, err := e.run(ctx, item, d)
	var inc *InconclusiveError
	if err == nil || !errors.As(err, &inc) {
		return v, err
	}

	other := otherMethod(d.Method)
	if !e.fallbackAllowed(d.Method) || !(item.FallbackEligible || d.FallbackEligible) {
		return nil, inc
	}

	e.logger.Log("item %s: %s inconclusive, falling back to %s", item.ID, d.Method, other)
	fd := e.eligibility.Route(ctx, item, rec, other)
	v, err = e.run(ctx, item, fd)
	if err != nil {
		var inc2 *InconclusiveError
		if errors.As(err, &inc2) {
			inc2.Tried = append(inc.Tried, inc2.Tried...)
			inc2.Reason = inc.Reason + "; fallback: " + inc2.Reason
			return nil, inc2
		}
		return nil, err
	}
	v.Fallback = true
	return v, nil
}

func (e *Engine) run(ctx context.Context, item *models.WorkItem, d Decision) (*Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := e.paths[d.Method]
	if !ok {
		return nil, inconclusive(item.ID, d.Method, "unknown verification method")
	}
	return p.Check(ctx, item, d)
}

func (e *Engine) fallbackAllowed(from models.VerifyMethod) bool {
	switch from {
	case models.VerifyPerception:
		return e.cfg.PerceptionToData
	case models.VerifyDataProbe:
		return e.cfg.DataToPerception
	}
	return false
}

func otherMethod(m models.VerifyMethod) models.VerifyMethod {
	if m == models.VerifyPerception {
		return models.VerifyDataProbe
	}
	return models.VerifyPerception
}
