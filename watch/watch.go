// Package watch blocks until files under a set of paths change. The fix loop
// uses it to wait for someone to edit the agent before re-running.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/c360studio/convoprobe/fixloop"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the tree must be quiet before a change is reported.
const DefaultDebounce = 500 * time.Millisecond

var defaultExcludes = []string{".git", "node_modules", "vendor"}

// ErrNoPaths is returned when there is nothing to watch.
var ErrNoPaths = errors.New("no paths to watch")

// Waiter watches paths. The zero value is not usable; call New.
type Waiter struct {
	paths    []string
	debounce time.Duration
	excludes map[string]bool
	logger   *slog.Logger
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Waiter for files or directories. Directories are watched recursively.
func New(paths []string, opts ...Option) *Waiter {
	w := &Waiter{
		paths:    paths,
		debounce: DefaultDebounce,
		excludes: make(map[string]bool),
		logger:   slog.Default(),
	}
	for _, d := range defaultExcludes {
		w.excludes[d] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch is an armed set of fsnotify watches.
type Watch struct {
	fsw      *fsnotify.Watcher
	files    map[string]bool
	roots    []string
	debounce time.Duration
	logger   *slog.Logger
}

// Watch arms the watches. Changes made after it returns are seen by Wait.
func (w *Waiter) Watch() (*Watch, error) {
	if len(w.paths) == 0 {
		return nil, ErrNoPaths
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	wt := &Watch{fsw: fsw, files: make(map[string]bool), debounce: w.debounce, logger: w.logger}
	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
		if !info.IsDir() {
			// Watch the parent so editors that replace the file are still seen.
			wt.files[abs] = true
			if err := fsw.Add(filepath.Dir(abs)); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("watch %s: %w", p, err)
			}
			continue
		}
		wt.roots = append(wt.roots, abs)
		if err := w.addRecursive(fsw, abs); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	w.logger.Debug("Watching for changes", slog.Any("paths", w.paths), slog.Duration("debounce", w.debounce))
	return wt, nil
}

func (w *Waiter) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		if path != root && (w.excludes[base] || strings.HasPrefix(base, ".")) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
}

// relevant reports whether an event concerns a watched file or falls under a watched directory.
func (wt *Watch) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if wt.files[ev.Name] {
		return true
	}
	for _, root := range wt.roots {
		if strings.HasPrefix(ev.Name, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Wait blocks until at least one relevant change has happened and the tree
// has then been quiet for the debounce period. It returns the changed paths.
func (wt *Watch) Wait(ctx context.Context) ([]string, error) {
	changed := make(map[string]bool)
	var quiet <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-wt.fsw.Events:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			if !wt.relevant(ev) {
				continue
			}
			wt.logger.Debug("Change detected", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			changed[ev.Name] = true
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = wt.fsw.Add(ev.Name)
				}
			}
			quiet = time.After(wt.debounce)

		case err, ok := <-wt.fsw.Errors:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			wt.logger.Error("Watcher error", slog.String("error", err.Error()))

		case <-quiet:
			out := make([]string, 0, len(changed))
			for p := range changed {
				out = append(out, p)
			}
			slices.Sort(out)
			return out, nil
		}
	}
}

// Close releases the watches.
func (wt *Watch) Close() error {
	return wt.fsw.Close()
}

// WaitForChange arms the watches and waits for one debounced change.
func (w *Waiter) WaitForChange(ctx context.Context) ([]string, error) {
	wt, err := w.Watch()
	if err != nil {
		return nil, err
	}
	defer wt.Close()
	return wt.Wait(ctx)
}

// Remediate implements fixloop.Remediator by waiting for the agent sources to change.
func (w *Waiter) Remediate(ctx context.Context, it fixloop.Iteration) error {
	w.logger.Info("Waiting for agent changes before the next attempt",
		slog.Int("attempt", it.Attempt),
		slog.Int("failed_scenarios", len(it.FailedScenarios)),
		slog.Any("paths", w.paths))

	changed, err := w.WaitForChange(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("Agent changed", slog.Int("files", len(changed)))
	return nil
}
