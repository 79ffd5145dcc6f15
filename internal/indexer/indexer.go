// Package indexer walks rendered post archives and feeds them into the
// search index in prioritized, transactional batches.
package indexer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/subvault/subvault/internal/index"
	"github.com/subvault/subvault/internal/reddit"
)

// Options tune one indexing pass. Zero values pick the defaults below.
type Options struct {
	Extensions       []string // default .md, .html
	Recursive        bool
	Force            bool     // reindex even when mtime is unchanged
	Workers          int      // default min(NumCPU, 8)
	BatchSize        int      // default 100
	PriorityPatterns []string // substring matches that jump the queue
	Progress         func(Progress)
}

// Stats counts the outcomes of one pass.
type Stats struct {
	Processed int
	Indexed   int
	Updated   int
	Skipped   int
	Failed    int
	Deleted   int // removed by the cleanup sweep
}

// Progress is delivered to the callback after every batch.
type Progress struct {
	Processed  int
	Total      int
	Percent    float64
	Rate       float64 // files per second
	ETASeconds float64
}

const (
	maxWorkers       = 8
	defaultBatchSize = 100
	checkpointEvery  = 50
	patternPriority  = 100
	tinyFileBytes    = 4 << 10
	smallFileBytes   = 32 << 10
	tinyBonus        = 10
	smallBonus       = 5
	throttlePause    = time.Second
)

// Indexer ingests rendered post files into the search index.
type Indexer struct {
	idx     *index.Index
	opts    Options
	monitor *MemoryMonitor
}

// New builds an indexer over the given search index.
func New(idx *index.Index, opts Options) *Indexer {
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".md", ".html"}
	}
	if opts.Workers <= 0 {
		opts.Workers = min(runtime.NumCPU(), maxWorkers)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Indexer{idx: idx, opts: opts}
}

// SetMonitor attaches a memory monitor whose throttle signal pauses the
// dispatcher between batches.
func (ix *Indexer) SetMonitor(m *MemoryMonitor) { ix.monitor = m }

type fileTask struct {
	path     string
	size     int64
	mtime    float64
	known    bool // path already in the index
	priority int
}

// parsed is a fileTask after the worker stage, ready for the writer.
type parsed struct {
	task    fileTask
	doc     *index.Post
	content string
	err     error
}

// IndexDirectory runs a full pass over root: collect, prioritize, parse in
// parallel, write in transactional batches, then sweep vanished paths.
func (ix *Indexer) IndexDirectory(ctx context.Context, root string) (*Stats, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	tasks, err := ix.collect(root, stats)
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", root, err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].priority > tasks[j].priority
	})

	start := time.Now()
	total := len(tasks)
	slog.Info("index pass starting", "root", root, "candidates", total,
		"workers", ix.opts.Workers, "batch_size", ix.opts.BatchSize)

	for offset := 0; offset < total; offset += ix.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := min(offset+ix.opts.BatchSize, total)
		if err := ix.processBatch(ctx, tasks[offset:end], stats); err != nil {
			return stats, err
		}

		if ix.opts.Progress != nil {
			elapsed := time.Since(start).Seconds()
			rate := 0.0
			if elapsed > 0 {
				rate = float64(stats.Processed) / elapsed
			}
			eta := 0.0
			if rate > 0 {
				eta = float64(total-end) / rate
			}
			ix.opts.Progress(Progress{
				Processed:  stats.Processed,
				Total:      total,
				Percent:    float64(end) / float64(total) * 100,
				Rate:       rate,
				ETASeconds: eta,
			})
		}

		if ix.monitor != nil && ix.monitor.Throttled() {
			slog.Warn("memory pressure, pausing between batches")
			time.Sleep(throttlePause)
		}
	}

	deleted, err := ix.sweep(root)
	if err != nil {
		slog.Warn("cleanup sweep failed", "root", root, "error", err)
	}
	stats.Deleted = deleted

	slog.Info("index pass complete", "root", root,
		"indexed", stats.Indexed, "updated", stats.Updated,
		"skipped", stats.Skipped, "failed", stats.Failed, "deleted", stats.Deleted,
		"took", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// collect gathers candidate files under root, applying the extension filter
// and mtime change detection. Unchanged files are counted skipped here and
// never reach the workers.
func (ix *Indexer) collect(root string, stats *Stats) ([]fileTask, error) {
	var tasks []fileTask

	add := func(path string, info fs.FileInfo) error {
		if !ix.wantExtension(path) {
			return nil
		}
		mtime := float64(info.ModTime().UnixNano()) / float64(time.Second)

		stored, known, err := ix.idx.FileModifiedTime(path)
		if err != nil {
			return err
		}
		if known && !ix.opts.Force && mtime <= stored {
			stats.Processed++
			stats.Skipped++
			return nil
		}

		tasks = append(tasks, fileTask{
			path:     path,
			size:     info.Size(),
			mtime:    mtime,
			known:    known,
			priority: ix.priority(path, info.Size()),
		})
		return nil
	}

	if ix.opts.Recursive {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			return add(path, info)
		})
		return tasks, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if err := add(filepath.Join(root, e.Name()), info); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (ix *Indexer) wantExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range ix.opts.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

func (ix *Indexer) priority(path string, size int64) int {
	p := 0
	for _, pat := range ix.opts.PriorityPatterns {
		if strings.Contains(path, pat) {
			p += patternPriority
			break
		}
	}
	switch {
	case size <= tinyFileBytes:
		p += tinyBonus
	case size <= smallFileBytes:
		p += smallBonus
	}
	return p
}

// processBatch parses the batch's files on the worker pool, then writes the
// results through a single transaction per checkpoint chunk. Workers only
// read and parse; all index writes happen on this goroutine.
func (ix *Indexer) processBatch(ctx context.Context, batch []fileTask, stats *Stats) error {
	results := make([]parsed, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Workers)
	for i, task := range batch {
		i, task := i, task
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = ix.parseFile(task)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for offset := 0; offset < len(results); offset += checkpointEvery {
		end := min(offset+checkpointEvery, len(results))
		chunk := results[offset:end]

		err := ix.idx.WithTx(func(tx *sqlx.Tx) error {
			for _, r := range chunk {
				stats.Processed++
				switch {
				case errors.Is(r.err, ErrNotRedditExport):
					stats.Skipped++
				case r.err != nil:
					stats.Failed++
					slog.Warn("index file failed", "path", r.task.path, "error", r.err)
				default:
					_, changed, err := index.UpsertPostTx(tx, r.doc, r.content)
					switch {
					case err != nil:
						stats.Failed++
						slog.Warn("index upsert failed", "path", r.task.path, "error", err)
					case !changed:
						// Touched on disk but content-identical; the refreshed
						// mtime keeps the next pass from re-reading it.
						stats.Skipped++
					case r.task.known:
						stats.Updated++
					default:
						stats.Indexed++
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("batch commit: %w", err)
		}
	}
	return nil
}

// parseFile reads and parses one candidate into an index document.
func (ix *Indexer) parseFile(task fileTask) parsed {
	raw, err := os.ReadFile(task.path)
	if err != nil {
		return parsed{task: task, err: err}
	}
	content := string(raw)

	meta, err := Parse(content)
	if err != nil {
		return parsed{task: task, err: err}
	}

	doc := &index.Post{
		FilePath:         task.path,
		PostID:           reddit.PostIDFromURL(meta.URL),
		Title:            meta.Title,
		Author:           meta.Author,
		Subreddit:        meta.Subreddit,
		URL:              meta.URL,
		CreatedUTC:       meta.CreatedUTC,
		Upvotes:          meta.Upvotes,
		ReplyCount:       meta.ReplyCount,
		FileModifiedTime: task.mtime,
		ContentPreview:   meta.Preview,
		ContentHash:      fmt.Sprintf("%x", sha256.Sum256(raw)),
	}
	return parsed{task: task, doc: doc, content: content}
}

// sweep removes index rows whose files vanished from disk under root.
func (ix *Indexer) sweep(root string) (int, error) {
	paths, err := ix.idx.PathsUnder(root)
	if err != nil {
		return 0, err
	}

	var gone []string
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			gone = append(gone, p)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	return ix.idx.DeletePostsByPaths(gone)
}

// MemoryMonitor samples heap usage on an interval and raises a throttle
// signal when usage crosses the ceiling, forcing a GC first.
type MemoryMonitor struct {
	limitBytes uint64
	ceiling    float64 // fraction of limit, default 0.8
	interval   time.Duration

	mu        sync.Mutex
	throttled bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMemoryMonitor builds a monitor for the given limit in MB. A ceiling of
// 0 means the 80% default; an interval of 0 means 10s.
func NewMemoryMonitor(limitMB int, ceiling float64, interval time.Duration) *MemoryMonitor {
	if ceiling <= 0 {
		ceiling = 0.8
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MemoryMonitor{
		limitBytes: uint64(limitMB) << 20,
		ceiling:    ceiling,
		interval:   interval,
	}
}

// Start launches the sampling loop.
func (m *MemoryMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (m *MemoryMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Throttled reports and clears the pressure signal.
func (m *MemoryMonitor) Throttled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.throttled
	m.throttled = false
	return t
}

func (m *MemoryMonitor) sample() {
	if m.limitBytes == 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	pct := float64(ms.HeapAlloc) / float64(m.limitBytes)
	if pct > m.ceiling {
		slog.Warn("memory usage over ceiling, forcing GC",
			"heap_mb", ms.HeapAlloc>>20, "limit_mb", m.limitBytes>>20,
			"pct", fmt.Sprintf("%.0f%%", pct*100))
		runtime.GC()
		m.mu.Lock()
		m.throttled = true
		m.mu.Unlock()
	}
}
