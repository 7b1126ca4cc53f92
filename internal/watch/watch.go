// Package watch feeds text files dropped into a directory to a handler.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last write before a file is read.
const DefaultDebounce = 500 * time.Millisecond

// DefaultMaxFileBytes skips files larger than 10 MiB.
const DefaultMaxFileBytes = 10 << 20

var (
	ErrPathNotExist     = errors.New("watch path does not exist")
	ErrPathNotDirectory = errors.New("watch path is not a directory")
	ErrNoHandler        = errors.New("watch handler is required")
)

// DefaultExtensions are the plain-text formats ingested.
var DefaultExtensions = []string{".txt", ".md"}

// Handler receives the content of a new or changed file.
type Handler func(ctx context.Context, path, content string) error

// Config configures a Watcher.
type Config struct {
	Dir          string
	Debounce     time.Duration
	Extensions   []string // Lower-case, with leading dot
	MaxFileBytes int64
	Initial      bool // Ingest files already present, in name order, before watching
	Logger       *slog.Logger
}

// Watcher watches one directory (non-recursively) and invokes the handler
// once per debounced change. Handler calls are serialized.
type Watcher struct {
	cfg     Config
	handler Handler
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
}

// New validates cfg and opens an fsnotify watcher on cfg.Dir.
func New(cfg Config, h Handler) (*Watcher, error) {
	if h == nil {
		return nil, ErrNoHandler
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotExist, cfg.Dir)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrPathNotDirectory, cfg.Dir)
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		cfg:     cfg,
		handler: h,
		watcher: fw,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
	}, nil
}

// Run blocks until ctx is cancelled or the watcher fails. It always closes
// the underlying fsnotify watcher before returning.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	if w.cfg.Initial {
		if err := w.ingestExisting(ctx); err != nil {
			return err
		}
	}

	w.cfg.Logger.Info("watching directory", "dir", w.cfg.Dir, "extensions", w.cfg.Extensions)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.cfg.Logger.Warn("watch error", "dir", w.cfg.Dir, "error", err)

		case path := <-w.ready:
			w.ingest(ctx, path)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if !w.accepts(ev.Name) {
		return
	}
	w.schedule(ev.Name)
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case w.ready <- path:
		default:
			w.cfg.Logger.Warn("ingest queue full, dropping change", "path", path)
		}
	})
}

func (w *Watcher) ingestExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.cfg.Dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && w.accepts(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		w.ingest(ctx, filepath.Join(w.cfg.Dir, name))
	}
	return nil
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.cfg.Logger.Debug("file vanished before ingest", "path", path)
		return
	}
	if info.IsDir() {
		return
	}
	if info.Size() > w.cfg.MaxFileBytes {
		w.cfg.Logger.Warn("skipping oversized file", "path", path, "size", info.Size())
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.cfg.Logger.Warn("failed to read file", "path", path, "error", err)
		return
	}

	if err := w.handler(ctx, path, string(data)); err != nil {
		w.cfg.Logger.Error("failed to ingest file", "path", path, "error", err)
	}
}

func (w *Watcher) accepts(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range w.cfg.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.watcher.Close()
}
