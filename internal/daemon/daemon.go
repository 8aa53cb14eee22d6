// Package daemon runs sync cycles in the background. It triggers a
// cycle on a fixed interval and additionally when the local task
// database changes on disk, debouncing rapid edits into one cycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/clubwarrior/clubwarrior/internal/lockfile"
)

// Runner executes one sync cycle. The daemon never inspects the result
// beyond the error; reporting belongs to the engine's callbacks.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// RunCycle calls f.
func (f RunnerFunc) RunCycle(ctx context.Context) error { return f(ctx) }

// Config holds daemon configuration.
type Config struct {
	// Interval is how often a cycle runs regardless of local changes.
	Interval time.Duration

	// Debounce is how long to wait after the last database change
	// before triggering a cycle. This batches rapid edits together.
	Debounce time.Duration

	// WatchPath is the task database file to watch. Empty disables
	// change-triggered cycles.
	WatchPath string

	// LogFile enables rotating file logging when set.
	LogFile string

	// Logger for daemon activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Minute,
		Debounce: 2 * time.Second,
	}
}

// Daemon triggers sync cycles from a ticker and filesystem events.
type Daemon struct {
	runner Runner
	config *Config
	logger *log.Logger

	watcher *fsnotify.Watcher
	logSink io.Closer

	lastChange    time.Time
	changePending bool
	changeMu      sync.Mutex

	running bool
	runMu   sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start to begin running cycles.
func New(runner Runner, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.Debounce <= 0 {
		config.Debounce = 2 * time.Second
	}

	d := &Daemon{
		runner: runner,
		config: config,
		logger: config.Logger,
	}
	if d.logger == nil {
		out := io.Writer(os.Stderr)
		if config.LogFile != "" {
			sink := &lumberjack.Logger{
				Filename:   config.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     30, // days
			}
			d.logSink = sink
			out = sink
		}
		d.logger = log.New(out, "[daemon] ", log.LstdFlags)
	}
	return d, nil
}

// Start runs cycles until ctx is cancelled. It performs one immediate
// cycle, then cycles on the interval and on debounced database changes.
// This blocks until shutdown completes.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	d.logger.Printf("starting: interval %s, debounce %s", d.config.Interval, d.config.Debounce)

	if d.config.WatchPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
		d.watcher = watcher
		// Watch the parent directory. SQLite replaces WAL files, and
		// watching the file directly loses the watch on replacement.
		dir := filepath.Dir(d.config.WatchPath)
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		d.logger.Printf("watching %s", dir)

		d.wg.Add(1)
		go d.watchEvents(ctx)
	}

	d.runCycle(ctx, "startup")

	d.wg.Add(1)
	go d.tickLoop(ctx)

	<-ctx.Done()
	return d.stop()
}

// Stop cancels the daemon and waits for in-flight work.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Daemon) stop() error {
	d.logger.Println("stopping")
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Printf("closing watcher: %v", err)
		}
	}
	d.wg.Wait()
	if d.logSink != nil {
		_ = d.logSink.Close()
	}
	d.logger.Println("stopped")
	return nil
}

// tickLoop fires interval cycles and flushes debounced changes.
func (d *Daemon) tickLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	// Debounce checks run much more often than full cycles.
	debounce := time.NewTicker(d.config.Debounce / 2)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx, "interval")
		case <-debounce.C:
			if d.takeSettledChange() {
				d.runCycle(ctx, "change")
			}
		}
	}
}

// watchEvents records database change events for debouncing.
func (d *Daemon) watchEvents(ctx context.Context) {
	defer d.wg.Done()

	base := filepath.Base(d.config.WatchPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			// The database file plus its WAL and journal siblings.
			if name != base && name != base+"-wal" && name != base+"-journal" {
				continue
			}
			d.noteChange()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("watcher error: %v", err)
		}
	}
}

func (d *Daemon) noteChange() {
	d.changeMu.Lock()
	d.lastChange = time.Now()
	d.changePending = true
	d.changeMu.Unlock()
}

// takeSettledChange reports whether a pending change has been quiet for
// the debounce window, consuming it if so.
func (d *Daemon) takeSettledChange() bool {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	if !d.changePending || time.Since(d.lastChange) < d.config.Debounce {
		return false
	}
	d.changePending = false
	return true
}

// runCycle executes one sync cycle unless one is already running; an
// overlapping trigger is dropped, not queued, because the running cycle
// will already observe the state that triggered it.
func (d *Daemon) runCycle(ctx context.Context, reason string) {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		d.logger.Printf("cycle already running, skipping %s trigger", reason)
		return
	}
	d.running = true
	d.runMu.Unlock()

	defer func() {
		d.runMu.Lock()
		d.running = false
		d.runMu.Unlock()
	}()

	d.logger.Printf("cycle start (%s)", reason)
	start := time.Now()
	err := d.runner.RunCycle(ctx)
	switch {
	case err == nil:
		d.logger.Printf("cycle complete in %s", time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.Canceled):
	case errors.Is(err, lockfile.ErrLocked):
		d.logger.Printf("cycle skipped: another process holds the lock")
	default:
		d.logger.Printf("cycle failed: %v", err)
	}

	// A cycle writes the task database itself; drop the events it caused.
	d.changeMu.Lock()
	d.changePending = false
	d.changeMu.Unlock()
}
