// Package watch turns a drop directory into a stream of manifest paths.
// Each manifest is handed over once its writes have settled.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/txn2/tardis-ingest/pkg/manifest"
)

// DefaultDebounce is how long a manifest must stay quiet before it is
// handed over.
const DefaultDebounce = 2 * time.Second

// Handler receives settled manifest paths, one at a time.
type Handler func(ctx context.Context, path string)

// Config configures a Watcher.
type Config struct {
	// Dir is the drop directory, watched recursively.
	Dir string

	// Pattern and Ignore select manifests relative to Dir.
	Pattern string
	Ignore  []string

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// InitialScan hands over manifests already present when Run starts.
	InitialScan bool

	Logger *slog.Logger
}

// Watcher watches a drop directory.
type Watcher struct {
	cfg     Config
	match   *manifest.Matcher
	handler Handler
	logger  *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

// New creates a Watcher. Nothing is watched until Run.
func New(cfg Config, handler Handler) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch directory is required")
	}
	if handler == nil {
		return nil, errors.New("watch handler is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	m, err := manifest.NewMatcher(cfg.Pattern, cfg.Ignore)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		match:   m,
		handler: handler,
		logger:  logger,
		pending: map[string]*time.Timer{},
		ready:   make(chan string, 64),
		done:    make(chan struct{}),
	}, nil
}

// Run watches until ctx is done. Handler calls never overlap, and Run
// waits for the one in progress before returning. A Watcher runs once.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.fsw = fsw
	defer func() { _ = fsw.Close() }()

	if err := os.MkdirAll(w.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("creating watch directory: %w", err)
	}
	if err := w.addTree(w.cfg.Dir, w.cfg.InitialScan); err != nil {
		return err
	}
	w.logger.Info("watching for manifests", "dir", w.cfg.Dir, "debounce", w.cfg.Debounce)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.dispatch(ctx)
	}()
	defer wg.Wait()
	defer w.stopTimers()
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.ready:
			w.logger.Info("manifest settled", "file", path)
			w.handler(ctx, path)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
	case ev.Has(fsnotify.Create):
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name, true); err != nil {
				w.logger.Warn("watching new directory failed", "dir", ev.Name, "error", err)
			}
			return
		}
		w.schedule(ev.Name)
	case ev.Has(fsnotify.Write):
		w.schedule(ev.Name)
	}
}

// addTree watches root and every non-hidden directory below it. With scan,
// manifests already inside are scheduled.
func (w *Watcher) addTree(root string, scan bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if scan {
				w.schedule(path)
			}
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// schedule (re)starts the quiet period of path if it is a manifest.
func (w *Watcher) schedule(path string) {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil || !w.match.Match(filepath.ToSlash(rel)) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() { w.settle(path) })
}

func (w *Watcher) settle(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	if !manifest.IsFile(path) {
		return
	}
	select {
	case w.ready <- path:
	case <-w.done:
	}
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
