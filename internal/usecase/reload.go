package usecase

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"task2vec/internal/metrics"
)

// DefaultReloadDebounce collapses the burst of events an atomic save produces.
const DefaultReloadDebounce = 500 * time.Millisecond

// Reloader rebuilds the snapshot when the cache or label file is replaced and
// swaps it into the service. A failed rebuild keeps the current snapshot.
type Reloader struct {
	builder  *Builder
	service  *Service
	watched  map[string]bool // cleaned absolute paths
	debounce time.Duration
	watcher  *fsnotify.Watcher
	mu       sync.Mutex // serialises rebuilds
	onReload []func(*BuildResult, error)
	logger   *slog.Logger
}

// NewReloader watches paths (the cache file and optionally the label file).
func NewReloader(builder *Builder, service *Service, paths []string, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	watched := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		watched[filepath.Clean(p)] = true
	}
	return &Reloader{
		builder:  builder,
		service:  service,
		watched:  watched,
		debounce: DefaultReloadDebounce,
		logger:   logger,
	}
}

// SetDebounce overrides the quiet period before a rebuild.
func (r *Reloader) SetDebounce(d time.Duration) {
	r.debounce = d
}

// OnReload registers a callback invoked after every rebuild attempt.
func (r *Reloader) OnReload(fn func(*BuildResult, error)) {
	r.onReload = append(r.onReload, fn)
}

// Reload rebuilds the snapshot now and swaps it in on success.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, result, err := r.builder.Build(ctx)
	if err != nil {
		metrics.IndexReloadFailures.Inc()
		r.logger.Error("failed to rebuild index, keeping current snapshot", "error", err)
	} else {
		r.service.Swap(snap)
	}

	for _, fn := range r.onReload {
		fn(result, err)
	}
	return err
}

// Watch starts watching the directories holding the watched files. Atomic
// saves replace the inode, so the directory is watched rather than the file.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	for p := range r.watched {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return err
		}
	}
	r.watcher = watcher

	go r.watchLoop(ctx)
	return nil
}

func (r *Reloader) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = r.watcher.Close()
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(r.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				_ = r.Reload(ctx)
			})

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("index watcher error", "error", err)
		}
	}
}

func (r *Reloader) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := event.Name
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	return r.watched[filepath.Clean(name)]
}

// Close stops the watcher.
func (r *Reloader) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
