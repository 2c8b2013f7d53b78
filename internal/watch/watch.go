// Package watch re-runs workflows when workspace files change.
//
// The watcher covers the workspace tree recursively, skipping hidden
// directories so run artifacts under .gantry (logs, history) never
// retrigger runs. The workflows directory is exempt from that rule:
// editing a workflow file mid-watch reruns it. Rapid changes are
// debounced and coalesced, and changes arriving while a run is in
// flight trigger a single follow-up run after it finishes.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// DefaultDebounce is how long changes must settle before a run
	// starts. Editors often write a file several times in quick
	// succession.
	DefaultDebounce = 500 * time.Millisecond

	// pollInterval is how often pending changes are checked against
	// the debounce window.
	pollInterval = 100 * time.Millisecond
)

// RunFunc executes one watch-triggered run. The changed list holds
// the settled paths that triggered it, and is nil for the initial run
// that happens before any change.
type RunFunc func(ctx context.Context, changed []string) error

// Options configures a Watcher.
type Options struct {
	// Workspace is the directory tree to watch.
	Workspace string

	// WorkflowsDir is watched even when it lives under a hidden
	// directory such as .gantry.
	WorkflowsDir string

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	// Logger receives watcher events. Nil disables logging.
	Logger *zap.Logger
}

// Watcher drives repeated runs from filesystem changes.
type Watcher struct {
	opts    Options
	watcher *fsnotify.Watcher
	runFn   RunFunc

	mu      sync.Mutex
	pending map[string]time.Time
}

// New creates a Watcher. Call Run to start it; Run owns the watcher's
// lifecycle and releases it on return.
func New(opts Options, run RunFunc) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		opts:    opts,
		watcher: fw,
		runFn:   run,
		pending: make(map[string]time.Time),
	}, nil
}

func (w *Watcher) logger() *zap.Logger {
	if w.opts.Logger == nil {
		return zap.NewNop()
	}
	return w.opts.Logger
}

// Run performs an initial run, then blocks, re-running on settled
// changes until the context is cancelled. Cancellation is the normal
// way to stop watching, so it returns nil. Run failures are logged
// and watching continues; the next save gets another chance.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.opts.Workspace); err != nil {
		_ = w.watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.opts.Workspace, err)
	}
	w.addTree(w.opts.Workspace, false)
	if w.opts.WorkflowsDir != "" {
		w.addTree(w.opts.WorkflowsDir, false)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.collect(ctx)
	}()
	defer func() {
		_ = w.watcher.Close()
		<-done
	}()

	w.logger().Info("watching for changes",
		zap.String("workspace", w.opts.Workspace),
		zap.Duration("debounce", w.opts.Debounce),
	)

	// Watches are in place, so changes made during this first run are
	// picked up rather than lost.
	w.execute(ctx, nil)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed := w.takeSettled()
			if len(changed) == 0 {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			w.execute(ctx, changed)
		}
	}
}

// execute runs one watch-triggered run.
func (w *Watcher) execute(ctx context.Context, changed []string) {
	if len(changed) > 0 {
		w.logger().Info("change detected", zap.Strings("paths", changed))
	}
	if err := w.runFn(ctx, changed); err != nil && ctx.Err() == nil {
		w.logger().Warn("run failed, still watching", zap.Error(err))
	}
}

// collect drains filesystem events into the pending map while runs
// execute, so changes made mid-run coalesce into one follow-up run.
func (w *Watcher) collect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger().Warn("watch error", zap.Error(err))
		}
	}
}

// handleEvent records one filesystem event, extending the watch into
// newly created directories.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.ignored(event.Name) {
				// Files may land in the new directory before its
				// watch is in place, so the walk marks what it finds.
				w.addTree(event.Name, true)
			}
			return
		}
	}

	if w.ignored(event.Name) {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// takeSettled removes and returns the pending paths whose last change
// is older than the debounce window.
func (w *Watcher) takeSettled() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var settled []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.opts.Debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(settled)
	return settled
}

// addTree watches root and every directory below it, skipping ignored
// ones. With markFiles set, files found along the way are recorded as
// pending changes.
func (w *Watcher) addTree(root string, markFiles bool) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && w.ignored(path) {
				return fs.SkipDir
			}
			if addErr := w.watcher.Add(path); addErr != nil {
				w.logger().Debug("failed to watch directory",
					zap.String("path", path),
					zap.Error(addErr),
				)
			}
			return nil
		}
		if markFiles && !w.ignored(path) {
			w.mu.Lock()
			w.pending[path] = time.Now()
			w.mu.Unlock()
		}
		return nil
	})
}

// ignored reports whether a path takes no part in watching: anything
// under a hidden directory or outside the workspace, except the
// workflows directory.
func (w *Watcher) ignored(path string) bool {
	if w.opts.WorkflowsDir != "" && under(w.opts.WorkflowsDir, path) {
		return false
	}
	rel, err := filepath.Rel(w.opts.Workspace, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	if rel == "." {
		return false
	}
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// under reports whether path is dir itself or inside it.
func under(dir, path string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
