package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/planner"
	"github.com/ShayCichocki/conductor/internal/protect"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/validation"
	"github.com/ShayCichocki/conductor/internal/verification"
	"github.com/ShayCichocki/conductor/internal/version"
)

// stackOptions selects the optional parts of a stack.
type stackOptions struct {
	debug       bool
	manifest    string
	metricsAddr string
	history     bool
	withOracle  bool
}

// stack is every long-lived component of one CLI invocation.
type stack struct {
	cfg    *config.Config
	root   string
	logger logging.Logger
	debug  *logging.DebugLogger

	gw      *gateway.Gateway
	manager *mcp.Manager
	oracle  oracle.Oracle
	db      *state.DB
	watcher *signals.Watcher
	metrics *http.Server
}

// projectRoot is the directory holding .conductor.yaml, or the cwd when
// there is no project config.
func projectRoot() (string, error) {
	if p := config.GetProjectConfigPath(); p != "" {
		return filepath.Dir(p), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return wd, nil
}

// openStack loads configuration and starts the gateway, the oracle and the
// tool servers. Callers must close the stack.
func openStack(ctx context.Context, opts stackOptions) (_ *stack, retErr error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, root: root}
	defer func() {
		if retErr != nil {
			s.close()
		}
	}()

	debugPath := cfg.Log.DebugFile
	if debugPath == "" && opts.debug {
		debugPath = logging.ProjectLogPath(root)
	}
	s.debug, err = logging.NewDebugLogger(debugPath)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	s.logger = s.debug

	gwMetrics := gateway.DefaultMetrics()
	s.gw = gateway.New(cfg.GatewayConfig(), gateway.WithMetrics(gwMetrics), gateway.WithLogger(s.logger))

	if opts.metricsAddr != "" {
		s.serveMetrics(opts.metricsAddr)
	}

	if opts.withOracle {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, err
		}
		if key != "" && cfg.Oracle.BaseURL == "" {
			if err := config.ValidateAPIKey(key); err != nil {
				logging.Warn(s.logger, "config", "%v", err)
			}
		}
		ac := cfg.AnthropicConfig()
		ac.APIKey = key
		anth, err := oracle.NewAnthropic(ac, s.logger)
		if err != nil {
			return nil, fmt.Errorf("create oracle: %w", err)
		}
		s.oracle = oracle.NewGated(anth, s.gw)
	}

	servers := cfg.ServerConfigs()
	if opts.manifest != "" {
		extra, err := mcp.LoadManifest(opts.manifest)
		if err != nil {
			return nil, fmt.Errorf("load manifest: %w", err)
		}
		servers = append(servers, extra...)
	}
	if len(servers) == 0 {
		return nil, errors.New("no tool servers configured (add servers to .conductor.yaml or pass --manifest)")
	}

	s.manager = mcp.NewManager(s.gw, cfg.ManagerConfig(version.Get()), s.logger)
	s.manager.OnCrash(func(server string, err error) {
		s.logger.Log("server %s crashed: %v", server, err)
	})
	if err := s.manager.StartAll(ctx, servers); err != nil {
		return nil, fmt.Errorf("start tool servers: %w", err)
	}

	if opts.history && cfg.State.Enabled {
		db, err := state.OpenHistory(cfg.State.Driver, cfg.StatePath(root))
		if err != nil {
			// History is best effort; the run goes ahead without it.
			logging.Warn(s.logger, "state", "run history disabled: %v", err)
		} else {
			s.db = db
		}
	}
	return s, nil
}

// serveMetrics exposes the default registry on addr until the stack closes.
func (s *stack) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn(s.logger, "metrics", "metrics server stopped: %v", err)
		}
	}()
}

// watchSignals starts the kill/pause file watcher.
func (s *stack) watchSignals() error {
	w, err := signals.Watch(s.cfg.SignalsDir(s.root), signals.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("watch signals: %w", err)
	}
	s.watcher = w
	return nil
}

// detector builds the static risk policy, extended from the project config
// when there is one.
func (s *stack) detector() (*protect.Detector, error) {
	d := protect.New()
	if p := config.GetProjectConfigPath(); p != "" {
		if err := d.LoadConfig(p); err != nil {
			return nil, fmt.Errorf("load protected capabilities from %s: %w", p, err)
		}
	}
	return d, nil
}

// orchestrator assembles the validation pipeline, the verification engine and
// the planner strategies around the running servers.
func (s *stack) orchestrator(pol *policy.Config) (*orchestrator.Orchestrator, error) {
	detector, err := s.detector()
	if err != nil {
		return nil, err
	}
	pipeline := validation.NewPipeline(s.cfg.ValidationConfig(), s.manager, s.oracle,
		validation.WithLogger(s.logger),
		validation.WithDetector(detector),
	)

	var capturer verification.Capturer
	if capability := s.cfg.CaptureCapability(); capability != "" {
		capturer = verification.NewMCPCapturer(s.manager, capability)
	}
	engine := verification.NewEngine(s.cfg.VerificationConfig(), verification.Deps{
		Oracle:       s.oracle,
		Capturer:     capturer,
		Servers:      s.manager.Servers,
		Capabilities: s.manager.CapabilityEnum,
		Logger:       s.logger,
	})

	opts := []orchestrator.Option{
		orchestrator.WithPolicy(pol),
		orchestrator.WithGateway(s.gw),
		orchestrator.WithLogger(s.logger),
		orchestrator.WithMetrics(orchestrator.DefaultMetrics()),
	}
	if s.db != nil {
		opts = append(opts, orchestrator.WithRecorder(s.db))
	}
	if s.watcher != nil {
		opts = append(opts, orchestrator.WithPauseGate(s.watcher))
	}

	orch, err := orchestrator.New(orchestrator.RequiredConfig{
		Strategies: orchestrator.FromPlanner(planner.NewStrategies(s.oracle, s.logger)),
		Servers:    s.manager,
		Validator:  pipeline,
		Verifier:   engine,
	}, opts...)
	if err != nil {
		return nil, err
	}
	engine.SetProbeRunner(orch)
	return orch, nil
}

// logGatewayStats writes the final state of every rate window to the debug log.
func (s *stack) logGatewayStats() {
	for _, endpoint := range s.gw.Endpoints() {
		st := s.gw.Stats(endpoint)
		s.logger.Log("gateway %s: %d ok, %d failed, delay %s", endpoint, st.Successes, st.FailuresTotal, st.Delay)
	}
}

// close stops the servers and releases every resource in reverse order.
func (s *stack) close() {
	if s.gw != nil {
		s.logGatewayStats()
	}
	if s.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Supervision.StopTimeout+time.Second)
		if err := s.manager.Shutdown(ctx); err != nil {
			s.logger.Log("shutdown: %v", err)
		}
		cancel()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.metrics.Shutdown(ctx)
		cancel()
	}
	if s.debug != nil {
		_ = s.debug.Close()
	}
}

// printStatus prints a status message with a colored symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
