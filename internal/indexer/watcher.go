package indexer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches filesystem event bursts into one incremental pass.
const watchDebounce = 1500 * time.Millisecond

// Watcher keeps the index current by re-running incremental passes when
// files under the watched roots change.
type Watcher struct {
	indexer *Indexer
	roots   []string
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewWatcher creates a watcher that reindexes roots on change.
func NewWatcher(ix *Indexer, roots []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{indexer: ix, roots: roots, fsw: fsw}, nil
}

// Start watches every root (and, when the indexer is recursive, each
// existing subdirectory) and launches the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	watched := 0
	for _, root := range w.roots {
		if err := w.fsw.Add(root); err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("watcher: cannot watch root", "path", root, "error", err)
			}
			continue
		}
		watched++

		if !w.indexer.opts.Recursive {
			continue
		}
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() || path == root {
				return err
			}
			if err := w.fsw.Add(path); err == nil {
				watched++
			}
			return nil
		})
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	slog.Info("index watcher started", "roots", len(w.roots), "watched", watched)
	return nil
}

// Stop shuts down the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories need their own watch under recursive mode.
			if ev.Op&fsnotify.Create != 0 && w.indexer.opts.Recursive {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.fsw.Add(ev.Name)
				}
			}
			if ev.Name != "" && !w.relevant(ev) {
				continue
			}
			w.schedule(ctx)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("index watcher error", "error", err)
		}
	}
}

// relevant filters events to indexable files; directory events always pass
// because removals and renames need the sweep.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		return true
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		return true
	}
	return w.indexer.wantExtension(ev.Name)
}

// schedule arms (or re-arms) the debounce timer.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		if !w.pending {
			w.mu.Unlock()
			return
		}
		w.pending = false
		w.mu.Unlock()

		for _, root := range w.roots {
			if ctx.Err() != nil {
				return
			}
			if _, err := w.indexer.IndexDirectory(ctx, root); err != nil && ctx.Err() == nil {
				slog.Warn("watch reindex failed", "root", root, "error", err)
			}
		}
	})
}
