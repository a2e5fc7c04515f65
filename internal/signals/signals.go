// Package signals lets an operator stop or pause a running pipeline by
// dropping files into a signals directory. A `kill` file cancels the run;
// a `pause` file holds the pipeline between items until it is removed.
package signals

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/conductor/internal/logging"
)

const (
	signalsSubdir = "signals"
	killFile      = "kill"
	pauseFile     = "pause"

	defaultPollInterval = 500 * time.Millisecond
)

// ErrKilled is returned by WaitIfPaused once a kill signal was observed.
var ErrKilled = errors.New("kill signal received")

// Watcher tracks the kill and pause files under <dir>/signals.
type Watcher struct {
	dir    string
	logger logging.Logger
	poll   time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	killed bool
	paused bool

	killCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	watcher *fsnotify.Watcher
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval sets how often the signal files are re-read.
// Polling runs alongside fsnotify and covers filesystems without events.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithLogger sets the logger for signal transitions.
func WithLogger(l logging.Logger) Option {
	return func(w *Watcher) {
		w.logger = logging.Component(l, "signals")
	}
}

// Watch starts watching <dir>/signals, creating it if needed.
// Signal files left over from an earlier run are honoured immediately.
func Watch(dir string, opts ...Option) (*Watcher, error) {
	signalsDir := filepath.Join(dir, signalsSubdir)
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:    signalsDir,
		logger: logging.Nop(),
		poll:   defaultPollInterval,
		killCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	for _, opt := range opts {
		opt(w)
	}

	w.refresh()

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fw.Add(signalsDir); err != nil {
			fw.Close()
		} else {
			w.watcher = fw
			w.wg.Add(1)
			go w.watchEvents()
		}
	}
	if w.watcher == nil {
		w.logger.Log("fsnotify unavailable, polling %s every %v", signalsDir, w.poll)
	}

	w.wg.Add(1)
	go w.pollLoop()

	return w, nil
}

// Dir returns the watched signals directory.
func (w *Watcher) Dir() string {
	return w.dir
}

func (w *Watcher) watchEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			written := event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0
			removed := event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0
			switch filepath.Base(event.Name) {
			case killFile:
				if written {
					w.setKilled()
				}
			case pauseFile:
				if written {
					w.setPaused(true)
				} else if removed {
					w.setPaused(false)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Log("watch error: %v", err)
		}
	}
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.refresh()
		}
	}
}

// refresh reads the signal files directly in case an event was missed.
func (w *Watcher) refresh() {
	if exists(filepath.Join(w.dir, killFile)) {
		w.setKilled()
	}
	w.setPaused(exists(filepath.Join(w.dir, pauseFile)))
}

func (w *Watcher) setKilled() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killed {
		return
	}
	w.killed = true
	close(w.killCh)
	w.logger.Log("kill signal received")
	w.cond.Broadcast()
}

func (w *Watcher) setPaused(paused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused == paused {
		return
	}
	w.paused = paused
	if paused {
		w.logger.Log("paused - no new items will start")
	} else {
		w.logger.Log("resumed")
		w.cond.Broadcast()
	}
}

// Killed reports whether a kill signal has been observed. Kill is sticky
// until ClearSignals.
func (w *Watcher) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// Paused reports whether the pause file is present.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// KillChan is closed when a kill signal is observed.
func (w *Watcher) KillChan() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killCh
}

// Context derives a context that is cancelled when a kill signal arrives.
func (w *Watcher) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	killCh := w.KillChan()
	go func() {
		select {
		case <-killCh:
			cancel(ErrKilled)
		case <-ctx.Done():
		case <-w.done:
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// WaitIfPaused blocks while the pipeline is paused.
// Returns ErrKilled after a kill signal, or the context error on cancellation.
func (w *Watcher) WaitIfPaused(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused && !w.killed {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				w.mu.Lock()
				w.cond.Broadcast()
				w.mu.Unlock()
			case <-w.done:
				w.mu.Lock()
				w.cond.Broadcast()
				w.mu.Unlock()
			case <-done:
			}
		}()

		for w.paused && !w.killed {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if w.isClosed() {
				return nil
			}
			w.cond.Wait()
		}
	}
	if w.killed {
		return ErrKilled
	}
	return ctx.Err()
}

func (w *Watcher) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Kill asks a pipeline watching <dir>/signals to stop.
func Kill(dir string) error {
	return send(dir, killFile)
}

// Pause asks a pipeline watching <dir>/signals to hold between items.
func Pause(dir string) error {
	return send(dir, pauseFile)
}

// Resume releases a pause requested with Pause.
func Resume(dir string) error {
	return removePause(filepath.Join(dir, signalsSubdir))
}

func send(dir, name string) error {
	signalsDir := filepath.Join(dir, signalsSubdir)
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return err
	}
	return writeSignal(filepath.Join(signalsDir, name))
}

func removePause(signalsDir string) error {
	if err := os.Remove(filepath.Join(signalsDir, pauseFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ClearSignals removes all signal files and resets signal state.
func (w *Watcher) ClearSignals() {
	os.Remove(filepath.Join(w.dir, killFile))
	os.Remove(filepath.Join(w.dir, pauseFile))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killed {
		w.killed = false
		w.killCh = make(chan struct{})
	}
	if w.paused {
		w.paused = false
		w.cond.Broadcast()
	}
}

// Close stops watching. Blocked WaitIfPaused calls return.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.wg.Wait()
	})
	return err
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeSignal(path string) error {
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}
