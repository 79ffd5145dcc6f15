// Package executor runs one scheduled task: resolve candidate URLs per
// subreddit, deduplicate against download history, drive the renderer and
// record each download.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/subvault/subvault/internal/cache"
	"github.com/subvault/subvault/internal/ratelimit"
	"github.com/subvault/subvault/internal/reddit"
	"github.com/subvault/subvault/internal/store"
)

// Config tunes one executor instance. Zero values pick the defaults.
type Config struct {
	OutputDir        string
	Format           reddit.Format // default markdown
	Concurrent       bool          // run subreddits on a bounded pool
	SubredditWorkers int           // default 3
	PostPause        time.Duration // default 100ms between posts
	DedupWindowDays  int           // default 30
	Retry            RetryPolicy
}

const (
	defaultSubredditWorkers = 3
	defaultPostPause        = 100 * time.Millisecond
	defaultDedupWindowDays  = 30
	maxJoinedErrors         = 3
	maxErrorString          = 512
)

// Executor executes scheduled tasks against the external reddit boundary.
type Executor struct {
	store     *store.Store
	resolver  reddit.URLResolver
	fetcher   reddit.PostFetcher
	renderer  reddit.Renderer
	limiter   *ratelimit.SlidingWindow
	respCache *cache.ResponseCache
	pacer     *rate.Limiter
	cfg       Config
}

// New wires an executor. The rate limiter and response cache govern every
// fetch the executor makes.
func New(st *store.Store, resolver reddit.URLResolver, fetcher reddit.PostFetcher,
	renderer reddit.Renderer, limiter *ratelimit.SlidingWindow,
	respCache *cache.ResponseCache, cfg Config) *Executor {

	if cfg.Format == "" {
		cfg.Format = reddit.FormatMarkdown
	}
	if cfg.SubredditWorkers <= 0 {
		cfg.SubredditWorkers = defaultSubredditWorkers
	}
	if cfg.PostPause <= 0 {
		cfg.PostPause = defaultPostPause
	}
	if cfg.DedupWindowDays <= 0 {
		cfg.DedupWindowDays = defaultDedupWindowDays
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Executor{
		store:     st,
		resolver:  resolver,
		fetcher:   fetcher,
		renderer:  renderer,
		limiter:   limiter,
		respCache: respCache,
		pacer:     rate.NewLimiter(rate.Every(cfg.PostPause), 1),
		cfg:       cfg,
	}
}

// subredditOutcome aggregates one subreddit's run.
type subredditOutcome struct {
	downloads int
	skipped   int
	errs      []string
	failed    bool // the whole subreddit errored, not just single posts
}

// Execute runs the task to completion and returns its result. Errors on one
// URL or one subreddit never abort the task; they fold into the aggregate
// error string.
func (e *Executor) Execute(ctx context.Context, task *store.ScheduledTask) *store.TaskResult {
	result := &store.TaskResult{
		TaskID:    task.ID,
		StartedAt: time.Now().UTC(),
	}
	fail := func(msg string) *store.TaskResult {
		done := time.Now().UTC()
		result.CompletedAt = &done
		result.Status = store.StatusFailed
		result.Error = msg
		return result
	}

	switch {
	case !task.Enabled:
		return fail("task is disabled")
	case len(task.Subreddits) == 0:
		return fail("task has no subreddits")
	case task.MaxPostsPerSubreddit <= 0:
		return fail("max posts per subreddit must be positive")
	}

	outcomes := make([]subredditOutcome, len(task.Subreddits))
	if e.cfg.Concurrent {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.SubredditWorkers)
		for i, sub := range task.Subreddits {
			i, sub := i, sub
			g.Go(func() error {
				outcomes[i] = e.runSubreddit(gctx, task, sub)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, sub := range task.Subreddits {
			outcomes[i] = e.runSubreddit(ctx, task, sub)
		}
	}

	downloads, skipped, allFailed := 0, 0, true
	var errs []string
	for _, o := range outcomes {
		downloads += o.downloads
		skipped += o.skipped
		errs = append(errs, o.errs...)
		if !o.failed {
			allFailed = false
		}
	}

	done := time.Now().UTC()
	result.CompletedAt = &done
	result.Output = fmt.Sprintf("downloaded %d, skipped %d across %d subreddits",
		downloads, skipped, len(task.Subreddits))
	result.Error = joinErrors(errs)

	if downloads > 0 || !allFailed {
		result.Status = store.StatusCompleted
	} else {
		result.Status = store.StatusFailed
	}
	return result
}

// ExecuteWithTimeout runs Execute in a worker goroutine under a wall-clock
// watchdog. On deadline the result is failed and the worker is left to
// finish on its own; its late result is dropped.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, task *store.ScheduledTask) *store.TaskResult {
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		return e.Execute(ctx, task)
	}

	started := time.Now().UTC()
	ch := make(chan *store.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task worker panicked", "task", task.ID, "panic", r)
				done := time.Now().UTC()
				ch <- &store.TaskResult{
					TaskID: task.ID, Status: store.StatusFailed,
					StartedAt: started, CompletedAt: &done,
					Error: fmt.Sprintf("panic: %v", r),
				}
			}
		}()
		ch <- e.Execute(ctx, task)
	}()

	select {
	case res := <-ch:
		return res
	case <-time.After(timeout):
		slog.Warn("task exceeded timeout, abandoning worker",
			"task", task.ID, "timeout", timeout)
		done := time.Now().UTC()
		return &store.TaskResult{
			TaskID: task.ID, Status: store.StatusFailed,
			StartedAt: started, CompletedAt: &done,
			Error: fmt.Sprintf("timed out after %s; worker left to finish", timeout),
		}
	}
}

// runSubreddit downloads new posts for one subreddit.
func (e *Executor) runSubreddit(ctx context.Context, task *store.ScheduledTask, subreddit string) subredditOutcome {
	var out subredditOutcome

	seen, err := e.store.DownloadedPostIDs(subreddit, e.cfg.DedupWindowDays)
	if err != nil {
		out.errs = append(out.errs, fmt.Sprintf("%s: history: %v", subreddit, err))
		out.failed = true
		return out
	}

	urls, err := e.resolver.ResolveURLs(ctx, subreddit, task.MaxPostsPerSubreddit)
	if err != nil {
		out.errs = append(out.errs, fmt.Sprintf("%s: resolve: %v", subreddit, err))
		out.failed = true
		return out
	}
	if len(urls) > task.MaxPostsPerSubreddit {
		urls = urls[:task.MaxPostsPerSubreddit]
	}

	for _, raw := range urls {
		if ctx.Err() != nil {
			return out
		}
		if err := e.downloadOne(ctx, task, subreddit, raw, seen, &out); err != nil {
			out.errs = append(out.errs, fmt.Sprintf("%s: %v", subreddit, err))
		}
		// Gentle pacing on top of the sliding-window limiter.
		if err := e.pacer.Wait(ctx); err != nil {
			return out
		}
	}
	return out
}

func (e *Executor) downloadOne(ctx context.Context, task *store.ScheduledTask,
	subreddit, raw string, seen map[string]struct{}, out *subredditOutcome) error {

	postURL, err := reddit.NormalizeURL(raw)
	if err != nil {
		return fmt.Errorf("normalize %q: %w", raw, err)
	}
	postID := reddit.PostIDFromURL(postURL)
	if _, dup := seen[postID]; dup {
		out.skipped++
		return nil
	}
	if err := reddit.ValidateURL(postURL); err != nil {
		return err
	}

	post, err := e.fetch(ctx, postURL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", postID, err)
	}
	if post == nil || post.Title == "" {
		return fmt.Errorf("malformed post data for %s", postID)
	}

	rendered, err := e.renderer.Render(post, e.cfg.Format)
	if err != nil {
		return fmt.Errorf("render %s: %w", postID, err)
	}

	path, err := e.writePostFile(subreddit, postID, rendered)
	if err != nil {
		return fmt.Errorf("write %s: %w", postID, err)
	}

	if err := e.store.RecordDownload(&store.DownloadRecord{
		PostID:       postID,
		PostURL:      postURL,
		Subreddit:    subreddit,
		Title:        post.Title,
		Author:       post.Author,
		DownloadedAt: time.Now().UTC(),
		FilePath:     path,
		TaskID:       task.ID,
	}); err != nil {
		return fmt.Errorf("record %s: %w", postID, err)
	}

	seen[postID] = struct{}{}
	out.downloads++
	return nil
}

// fetch goes through the response cache and the rate limiter, retrying
// transient failures per the policy.
func (e *Executor) fetch(ctx context.Context, postURL string) (*reddit.Post, error) {
	key := cache.Key(postURL, false)
	if e.respCache != nil {
		if raw, ok := e.respCache.Get(key); ok {
			var post reddit.Post
			if err := json.Unmarshal(raw, &post); err == nil {
				return &post, nil
			}
		}
	}

	var post *reddit.Post
	err := e.cfg.Retry.Do(ctx, func() error {
		if e.limiter != nil {
			for !e.limiter.IsAllowed() {
				wait := e.limiter.WaitTime()
				slog.Debug("rate limited, waiting", "wait", wait)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		var err error
		post, err = e.fetcher.FetchPost(ctx, postURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	if e.respCache != nil && post != nil {
		if raw, err := json.Marshal(post); err == nil {
			e.respCache.Put(key, raw)
		}
	}
	return post, nil
}

// writePostFile writes atomically: temp file in the target directory, then
// rename.
func (e *Executor) writePostFile(subreddit, postID, content string) (string, error) {
	dir := filepath.Join(e.cfg.OutputDir, strings.TrimPrefix(subreddit, "r/"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ext := ".md"
	if e.cfg.Format == reddit.FormatHTML {
		ext = ".html"
	}
	final := filepath.Join(dir, postID+ext)

	tmp, err := os.CreateTemp(dir, "."+postID+".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return final, nil
}

// joinErrors keeps the first few error messages, truncated.
func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) > maxJoinedErrors {
		errs = append(errs[:maxJoinedErrors:maxJoinedErrors],
			fmt.Sprintf("(+%d more)", len(errs)-maxJoinedErrors))
	}
	joined := strings.Join(errs, "; ")
	if len(joined) > maxErrorString {
		joined = joined[:maxErrorString]
	}
	return joined
}
