// Package mcp supervises tool-server subprocesses and exposes their
// capabilities through a uniform request/response interface.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
)

// ManagerConfig tunes supervision.
type ManagerConfig struct {
	// MaxRestarts is how many crashes a server survives before it is lost.
	MaxRestarts int
	// StartupTimeout applies when a ServerConfig has none.
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	Client         ClientInfo
}

// DefaultManagerConfig returns the supervision defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxRestarts:    1,
		StartupTimeout: 20 * time.Second,
		StopTimeout:    5 * time.Second,
		Client:         ClientInfo{Name: "conductor", Version: "dev"},
	}
}

// ServerSummary describes a server for capability selection.
type ServerSummary struct {
	Name         string
	Description  string
	Required     bool
	Alive        bool
	Lost         bool
	Capabilities []Capability
}

// CrashFunc is notified when a session dies unexpectedly.
type CrashFunc func(server string, err error)

type session struct {
	mu      sync.Mutex
	cfg     ServerConfig
	client  *Client
	caps    []Capability
	crashes int
	lost    bool
	lastErr error
}

// Manager owns every tool-server session. No other component writes to a
// session's streams.
type Manager struct {
	gw      *gateway.Gateway
	cfg     ManagerConfig
	logger  logging.Logger
	onCrash CrashFunc

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
}

// NewManager creates a manager whose spawns and calls go through gw.
func NewManager(gw *gateway.Gateway, cfg ManagerConfig, logger logging.Logger) *Manager {
	if gw == nil {
		gw = gateway.New(gateway.DefaultConfig())
	}
	def := DefaultManagerConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.Client.Name == "" {
		cfg.Client = def.Client
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	return &Manager{
		gw:       gw,
		cfg:      cfg,
		logger:   logging.Component(logger, "mcp"),
		sessions: make(map[string]*session),
	}
}

// OnCrash registers fn to be told about unexpected exits.
func (m *Manager) OnCrash(fn CrashFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCrash = fn
}

// StartEndpoint is the gateway endpoint used to spawn server name.
func StartEndpoint(name string) string {
	return "server:" + name
}

// Start spawns a server, performs the handshake and caches its capabilities.
// A handshake that does not complete within the startup timeout fails with
// ServerStartupError.
func (m *Manager) Start(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return &ServerStartupError{Server: cfg.Name, Err: err}
	}

	m.mu.Lock()
	s, ok := m.sessions[cfg.Name]
	if !ok {
		s = &session{cfg: cfg}
		m.sessions[cfg.Name] = s
		m.order = append(m.order, cfg.Name)
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.client.Alive() {
		return fmt.Errorf("server %s already started", cfg.Name)
	}
	s.cfg = cfg
	s.lost = false
	s.crashes = 0
	return m.spawnLocked(ctx, s)
}

// StartAll starts each server in order. Optional servers that fail are
// marked lost and logged; a required server failure is returned.
func (m *Manager) StartAll(ctx context.Context, cfgs []ServerConfig) error {
	for _, cfg := range cfgs {
		err := m.Start(ctx, cfg)
		if err == nil {
			continue
		}
		if cfg.Required {
			return err
		}
		logging.Warn(m.logger, "mcp", "optional server %s unavailable: %v", cfg.Name, err)
		m.markLost(cfg.Name, err)
	}
	return nil
}

func (m *Manager) spawnLocked(ctx context.Context, s *session) error {
	cfg := s.cfg
	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = m.cfg.StartupTimeout
	}

	opts := gateway.CallOptions{Class: gateway.ClassStartup, Timeout: timeout, Priority: 1}
	client, err := gateway.Do(ctx, m.gw, StartEndpoint(cfg.Name), opts, func(ctx context.Context) (*Client, error) {
		pm := NewProcessManager(ProcessConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
		}, m.logger)
		c := NewClient(cfg.Name, pm, m.cfg.Client, m.logger)
		if err := c.Start(ctx); err != nil {
			return nil, &ServerStartupError{Server: cfg.Name, Err: err}
		}
		return c, nil
	})
	if err != nil {
		s.lastErr = err
		var se *ServerStartupError
		if !errors.As(err, &se) {
			err = &ServerStartupError{Server: cfg.Name, Err: err}
		}
		return err
	}

	s.client = client
	s.caps = capabilitiesFrom(cfg.Name, client.Tools())
	s.lastErr = nil
	m.logger.Log("server %s ready with %d capabilities", cfg.Name, len(s.caps))

	go m.watch(cfg.Name, client)
	return nil
}

func (m *Manager) watch(name string, c *Client) {
	<-c.process.Done()
	if c.process.Expected() {
		return
	}
	err := c.process.ExitErr()
	if err == nil {
		err = errors.New("exited")
	}
	logging.Warn(m.logger, "mcp", "server %s crashed: %v (restart on next invoke)", name, err)

	m.mu.Lock()
	fn := m.onCrash
	m.mu.Unlock()
	if fn != nil {
		fn(name, err)
	}
}

func (m *Manager) session(name string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return s, nil
}

func (m *Manager) markLost(name string, err error) {
	s, serr := m.session(name)
	if serr != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
	s.lastErr = err
}

// ensureLocked returns a live client, restarting a dead session.
func (m *Manager) ensureLocked(ctx context.Context, s *session) (*Client, error) {
	if s.lost {
		return nil, &ServerCrashedError{Server: s.cfg.Name, Err: s.lastErr, Lost: true}
	}
	if s.client != nil && s.client.Alive() {
		return s.client, nil
	}

	s.crashes++
	if s.crashes > m.cfg.MaxRestarts {
		s.lost = true
		cause := s.lastErr
		if cause == nil {
			cause = fmt.Errorf("crashed %d times", s.crashes)
		}
		s.lastErr = cause
		logging.Warn(m.logger, "mcp", "server %s lost after %d crashes", s.cfg.Name, s.crashes)
		return nil, &ServerCrashedError{Server: s.cfg.Name, Err: cause, Lost: true}
	}

	m.logger.Log("restarting %s (crash %d/%d)", s.cfg.Name, s.crashes, m.cfg.MaxRestarts)
	if err := m.spawnLocked(ctx, s); err != nil {
		return nil, err
	}
	return s.client, nil
}

// Invoke calls capability on server. The capability may be bare or
// qualified with the server name. A dead session is restarted first.
func (m *Manager) Invoke(ctx context.Context, server, capability string, params map[string]any) (*ToolCallResult, error) {
	s, err := m.session(server)
	if err != nil {
		return nil, err
	}
	if srv, name, ok := SplitQualified(capability); ok {
		if srv != server {
			return nil, &CapabilityInvocationError{Server: server, Capability: capability, Code: MethodNotFound, Message: "capability belongs to " + srv}
		}
		capability = name
	}

	s.mu.Lock()
	client, err := m.ensureLocked(ctx, s)
	known := hasCapability(s.caps, capability)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, &CapabilityInvocationError{Server: server, Capability: capability, Code: MethodNotFound, Message: "not advertised"}
	}

	res, err := gateway.Do(ctx, m.gw, server, gateway.CallOptions{Class: gateway.ClassExecution}, func(ctx context.Context) (*ToolCallResult, error) {
		return client.CallTool(ctx, capability, params)
	})
	if err != nil {
		var crashed *ServerCrashedError
		if errors.As(err, &crashed) {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
		}
		return nil, err
	}
	return res, nil
}

// InvokeQualified resolves "<server>__<capability>" and invokes it.
func (m *Manager) InvokeQualified(ctx context.Context, qualified string, params map[string]any) (*ToolCallResult, error) {
	server, _, ok := SplitQualified(qualified)
	if !ok {
		return nil, &CapabilityInvocationError{Capability: qualified, Code: InvalidParams, Message: "capability name is not qualified"}
	}
	return m.Invoke(ctx, server, qualified, params)
}

func hasCapability(caps []Capability, name string) bool {
	for _, c := range caps {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ListCapabilities returns the cached capability set of server.
func (m *Manager) ListCapabilities(server string) ([]Capability, error) {
	s, err := m.session(server)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return nil, &ServerCrashedError{Server: s.cfg.Name, Err: s.lastErr, Lost: true}
	}
	return append([]Capability(nil), s.caps...), nil
}

// CapabilityEnum returns the sorted qualified names advertised by servers.
// This is the closed set tool-call planning draws from.
func (m *Manager) CapabilityEnum(servers []string) []string {
	var out []string
	for _, name := range servers {
		caps, err := m.ListCapabilities(name)
		if err != nil {
			continue
		}
		for _, c := range caps {
			out = append(out, c.QualifiedName())
		}
	}
	sort.Strings(out)
	return out
}

// Lost reports whether server will no longer be restarted.
func (m *Manager) Lost(server string) bool {
	s, err := m.session(server)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// LostRequired lists required servers that are permanently unavailable.
func (m *Manager) LostRequired() []string {
	var out []string
	for _, sum := range m.Catalog() {
		if sum.Required && sum.Lost {
			out = append(out, sum.Name)
		}
	}
	return out
}

// Shutdown stops every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, name := range m.order {
		sessions = append(sessions, m.sessions[name])
	}
	m.mu.Unlock()

	timeout := m.cfg.StopTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)
	for _, s := range sessions {
		s.mu.Lock()
		client := s.client
		name := s.cfg.Name
		s.mu.Unlock()
		if client == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Stop(timeout); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %s", strings.Join(errs, "; "))
	}
	return nil
}
