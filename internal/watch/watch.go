// Package watch reloads tenants when their project directory changes on
// disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cryguy/dispatch/internal/project"
)

// DefaultDebounce is how long a project must be quiet before it reloads.
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc reloads host from its project directory.
type ReloadFunc func(ctx context.Context, host string) error

// Option configures a Watcher.
type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets the quiet period before a reload fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher maps file events under project directories to tenant reloads.
// A burst of events for one tenant results in a single reload.
type Watcher struct {
	fs       *fsnotify.Watcher
	reload   ReloadFunc
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	projects map[string]string // cleaned project dir -> host
	timers   map[string]*time.Timer
}

// New creates a watcher that calls reload for changed tenants.
func New(reload ReloadFunc, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		reload:   reload,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		projects: map[string]string{},
		timers:   map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithGroup("watch")
	return w, nil
}

// Add watches dir, and its build directory when present, for host.
func (w *Watcher) Add(host, dir string) error {
	dir = filepath.Clean(dir)
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	build := filepath.Join(dir, project.BuildDir)
	if info, err := os.Stat(build); err == nil && info.IsDir() {
		if err := w.fs.Add(build); err != nil {
			return fmt.Errorf("watching %s: %w", build, err)
		}
	}
	w.mu.Lock()
	w.projects[dir] = host
	w.mu.Unlock()
	w.logger.Debug("watching project", "host", host, "dir", dir)
	return nil
}

// Run delivers reloads until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	dir, host, ok := w.owner(ev.Name)
	if !ok {
		return
	}
	build := filepath.Join(dir, project.BuildDir)
	if ev.Name == build && ev.Has(fsnotify.Create) {
		if err := w.fs.Add(build); err != nil {
			w.logger.Warn("watching build directory", "dir", build, "error", err)
		}
		return
	}
	if !relevant(dir, ev.Name) {
		return
	}
	w.schedule(ctx, host)
}

// owner finds the project whose directory, or build directory, holds name.
func (w *Watcher) owner(name string) (string, string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range []string{filepath.Dir(name), filepath.Dir(filepath.Dir(name))} {
		if host, ok := w.projects[d]; ok {
			return d, host, true
		}
	}
	if host, ok := w.projects[name]; ok {
		return name, host, true
	}
	return "", "", false
}

// relevant reports whether a change to name can alter what Load returns.
func relevant(dir, name string) bool {
	if name == filepath.Join(dir, project.ConfigFile) {
		return true
	}
	if filepath.Dir(name) != filepath.Join(dir, project.BuildDir) {
		return false
	}
	return strings.HasSuffix(name, ".mjs") || strings.HasSuffix(name, ".yml")
}

func (w *Watcher) schedule(ctx context.Context, host string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[host]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[host] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, host)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(ctx, host); err != nil {
			w.logger.Warn("reload failed", "host", host, "error", err)
			return
		}
		w.logger.Info("reloaded", "host", host)
	})
}

func (w *Watcher) close() {
	w.mu.Lock()
	for host, t := range w.timers {
		t.Stop()
		delete(w.timers, host)
	}
	w.mu.Unlock()
	_ = w.fs.Close()
}
