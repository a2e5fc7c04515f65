package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
)

// ProcessConfig configures a tool-server subprocess.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env overrides are appended to the inherited environment.
	Env map[string]string
	Dir string
}

// ProcessManager owns one tool-server subprocess and its standard streams.
type ProcessManager struct {
	cfg    ProcessConfig
	logger logging.Logger

	mu       sync.Mutex
	writeMu  sync.Mutex
	process  *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	running  bool
	stopping bool
	done     chan struct{}
	exitErr  error
}

// NewProcessManager creates a process manager. Nothing is spawned until Start.
func NewProcessManager(cfg ProcessConfig, logger logging.Logger) *ProcessManager {
	return &ProcessManager{
		cfg:    cfg,
		logger: logging.Component(logger, "process:"+cfg.Command),
	}
}

// Start spawns the subprocess. The process lifetime is not bound to ctx;
// it lives until Stop or until it exits on its own.
func (pm *ProcessManager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}

	resolved, err := resolveExecutable(pm.cfg.Command)
	if err != nil {
		return err
	}

	cmd := exec.Command(resolved, pm.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), pm.cfg.Env)
	cmd.Dir = pm.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	pm.process = cmd
	pm.stdin = stdin
	pm.stdout = stdout
	pm.stderr = stderr
	pm.running = true
	pm.stopping = false
	pm.exitErr = nil
	pm.done = make(chan struct{})

	pm.logger.Log("started %s %v (pid %d)", resolved, pm.cfg.Args, cmd.Process.Pid)

	go pm.monitorStderr(stderr)
	go pm.monitorExit(cmd, pm.done)

	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// mergeEnv appends overrides to base in a stable order. Later entries win.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// Stop closes stdin, waits up to timeout for the process to exit, then kills it.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.stopping = true
	done := pm.done
	process := pm.process
	stdin := pm.stdin
	pm.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		pm.logger.Log("graceful shutdown timed out, killing")
		if process != nil && process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return fmt.Errorf("kill process: %w", err)
			}
		}
		<-done
		return nil
	}
}

// Stdin returns a writer to the current process. Writes are serialized so
// frames never interleave.
func (pm *ProcessManager) Stdin() io.WriteCloser {
	return stdinWriter{pm}
}

type stdinWriter struct{ pm *ProcessManager }

func (w stdinWriter) Write(data []byte) (int, error) {
	w.pm.mu.Lock()
	running, stdin := w.pm.running, w.pm.stdin
	w.pm.mu.Unlock()

	if !running || stdin == nil {
		return 0, fmt.Errorf("process not running")
	}

	w.pm.writeMu.Lock()
	defer w.pm.writeMu.Unlock()

	n, err := stdin.Write(data)
	if err != nil {
		return n, fmt.Errorf("write to stdin: %w", err)
	}
	return n, nil
}

// Close is a no-op; stdin is closed by Stop.
func (w stdinWriter) Close() error { return nil }

// Stdout returns the stdout reader of the current process.
func (pm *ProcessManager) Stdout() io.Reader {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdout
}

// Done is closed when the current process exits.
func (pm *ProcessManager) Done() <-chan struct{} {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.done
}

// ExitErr returns the wait error of the last exited process.
func (pm *ProcessManager) ExitErr() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.exitErr
}

// Expected reports whether the last exit was requested through Stop.
func (pm *ProcessManager) Expected() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stopping
}

// IsRunning reports whether the process is alive.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

func (pm *ProcessManager) monitorStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		pm.logger.Log("[stderr] %s", scanner.Text())
	}
}

func (pm *ProcessManager) monitorExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.exitErr = err
	stopping := pm.stopping
	pm.mu.Unlock()

	if !stopping {
		if err != nil {
			pm.logger.Log("process exited unexpectedly: %v", err)
		} else {
			pm.logger.Log("process exited unexpectedly")
		}
	}
	close(done)
}
