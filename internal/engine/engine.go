// Package engine wires the subsystems together: state store, search index,
// scheduler, executor, indexer, caches and the reddit client, all built from
// one Config.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/subvault/subvault/internal/cache"
	"github.com/subvault/subvault/internal/config"
	"github.com/subvault/subvault/internal/executor"
	"github.com/subvault/subvault/internal/index"
	"github.com/subvault/subvault/internal/indexer"
	"github.com/subvault/subvault/internal/ratelimit"
	"github.com/subvault/subvault/internal/reddit"
	"github.com/subvault/subvault/internal/scheduler"
	"github.com/subvault/subvault/internal/store"
)

// Engine owns every subsystem for one configured instance.
type Engine struct {
	Cfg       *config.Config
	Store     *store.Store
	Index     *index.Index
	Indexer   *indexer.Indexer
	Scheduler *scheduler.Scheduler
	Executor  *executor.Executor
	Limiter   *ratelimit.SlidingWindow

	respCache   *cache.ResponseCache
	resultCache *cache.ResultCache[[]index.Result]
	watcher     *indexer.Watcher
	memMonitor  *indexer.MemoryMonitor
}

// New opens the databases and wires the subsystems. Close releases them.
func New(cfg *config.Config) (*Engine, error) {
	st, err := store.Open(cfg.Database.StatePath, cfg.Database.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	idx, err := index.Open(cfg.Database.IndexPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open search index: %w", err)
	}

	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxRequests, cfg.RateWindow())
	respCache := cache.NewResponseCache(cfg.CacheTTL(), cfg.Cache.MaxEntries)
	resultCache := cache.NewResultCache[[]index.Result](cfg.Cache.MaxEntries, cfg.CacheTTL())

	client := reddit.NewClient(nil)
	exec := executor.New(st, client, client, reddit.MarkdownRenderer{},
		limiter, respCache, executor.Config{
			OutputDir:        cfg.Executor.OutputDir,
			Format:           reddit.Format(cfg.Executor.Format),
			Concurrent:       cfg.Executor.Concurrent,
			SubredditWorkers: cfg.Executor.SubredditWorkers,
			DedupWindowDays:  cfg.Executor.DedupWindowDays,
		})

	sched := scheduler.New(st, exec.ExecuteWithTimeout, scheduler.Config{
		TickInterval:    cfg.TickInterval(),
		Workers:         cfg.Scheduler.Workers,
		MaxMemoryMB:     cfg.Scheduler.MaxMemoryMB,
		Monitoring:      cfg.Scheduler.Monitoring,
		ShutdownTimeout: time.Duration(cfg.Scheduler.ShutdownSeconds) * time.Second,
	})

	ix := indexer.New(idx, indexer.Options{
		Extensions: cfg.Indexer.Extensions,
		Recursive:  cfg.Indexer.Recursive,
		Workers:    cfg.Indexer.Workers,
		BatchSize:  cfg.Indexer.BatchSize,
	})

	var mon *indexer.MemoryMonitor
	if cfg.Scheduler.MaxMemoryMB > 0 {
		mon = indexer.NewMemoryMonitor(cfg.Scheduler.MaxMemoryMB, 0, 0)
		ix.SetMonitor(mon)
	}

	return &Engine{
		Cfg:         cfg,
		Store:       st,
		Index:       idx,
		Indexer:     ix,
		Scheduler:   sched,
		Executor:    exec,
		Limiter:     limiter,
		respCache:   respCache,
		resultCache: resultCache,
		memMonitor:  mon,
	}, nil
}

// Start launches the scheduler and, when configured, the index watcher.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Scheduler.Start(ctx); err != nil {
		return err
	}
	if e.memMonitor != nil {
		e.memMonitor.Start(ctx)
	}

	if e.Cfg.Indexer.Watch && len(e.Cfg.Indexer.Roots) > 0 {
		w, err := indexer.NewWatcher(e.Indexer, e.Cfg.Indexer.Roots)
		if err != nil {
			return fmt.Errorf("index watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("index watcher: %w", err)
		}
		e.watcher = w
	}
	return nil
}

// Stop shuts down in reverse order and closes the databases.
func (e *Engine) Stop() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.memMonitor != nil {
		e.memMonitor.Stop()
	}
	e.Scheduler.Stop()
	if err := e.Index.Close(); err != nil {
		slog.Warn("closing index", "error", err)
	}
	if err := e.Store.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}

// Search runs a query through the result cache. Hits within the TTL return
// the cached page; misses are timed and stored.
func (e *Engine) Search(q index.Query) ([]index.Result, error) {
	key := q.CacheKey()
	if results, ok := e.resultCache.Get(key); ok {
		return results, nil
	}

	start := time.Now()
	results, err := e.Index.Search(q)
	if err != nil {
		return nil, err
	}
	e.resultCache.ObserveQueryTime(time.Since(start))
	e.resultCache.Put(key, results)
	return results, nil
}

// InvalidateSearchCache drops every cached result page. The indexer calls
// this after a pass changes the corpus.
func (e *Engine) InvalidateSearchCache() {
	e.resultCache.Invalidate()
}

// SearchCacheStats exposes the result cache counters.
func (e *Engine) SearchCacheStats() cache.CacheStats {
	return e.resultCache.Stats()
}

// IndexRoots runs one indexing pass over every configured root and
// invalidates the search cache when anything changed.
func (e *Engine) IndexRoots(ctx context.Context) (*indexer.Stats, error) {
	total := &indexer.Stats{}
	for _, root := range e.Cfg.Indexer.Roots {
		stats, err := e.Indexer.IndexDirectory(ctx, root)
		if err != nil {
			return total, err
		}
		total.Processed += stats.Processed
		total.Indexed += stats.Indexed
		total.Updated += stats.Updated
		total.Skipped += stats.Skipped
		total.Failed += stats.Failed
		total.Deleted += stats.Deleted
	}
	if total.Indexed+total.Updated+total.Deleted > 0 {
		e.InvalidateSearchCache()
	}
	return total, nil
}

// SetupLogging configures slog per the logging section.
func SetupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
