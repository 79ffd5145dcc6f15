package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/subvault/subvault/internal/cache"
	"github.com/subvault/subvault/internal/reddit"
	"github.com/subvault/subvault/internal/store"
)

type fakeResolver struct {
	urls map[string][]string
	err  error
}

func (f *fakeResolver) ResolveURLs(_ context.Context, subreddit string, limit int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	urls := f.urls[subreddit]
	if len(urls) > limit {
		urls = urls[:limit]
	}
	return urls, nil
}

type fakeFetcher struct {
	posts map[string]*reddit.Post // keyed by post id
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeFetcher) FetchPost(ctx context.Context, postURL string) (*reddit.Post, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	post, ok := f.posts[reddit.PostIDFromURL(postURL)]
	if !ok {
		return nil, fmt.Errorf("no such post: %s", postURL)
	}
	return post, nil
}

func postURL(id string) string {
	return fmt.Sprintf("https://reddit.com/r/example/comments/%s/title/", id)
}

func fetchablePost(id string) *reddit.Post {
	return &reddit.Post{
		ID: id, Title: "Title " + id, Author: "author", Subreddit: "r/example",
		URL: postURL(id), Upvotes: 10, CreatedUTC: 1700000000,
	}
}

func newTestExecutor(t *testing.T, resolver *fakeResolver, fetcher *fakeFetcher) (*Executor, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), 2)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	outDir := t.TempDir()
	exec := New(st, resolver, fetcher, reddit.MarkdownRenderer{}, nil,
		cache.NewResponseCache(0, 0), Config{
			OutputDir: outDir,
			PostPause: time.Millisecond,
			Retry:     RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		})
	return exec, st, outDir
}

func execTask(id string, subs ...string) *store.ScheduledTask {
	return &store.ScheduledTask{
		ID: id, Name: id, CronExpression: "* * * * *",
		Subreddits: subs, Enabled: true,
		MaxPostsPerSubreddit: 10, TimeoutSeconds: 300,
	}
}

func TestExecute_Validation(t *testing.T) {
	exec, _, _ := newTestExecutor(t, &fakeResolver{}, &fakeFetcher{})

	disabled := execTask("t1", "r/example")
	disabled.Enabled = false
	if res := exec.Execute(context.Background(), disabled); res.Status != store.StatusFailed {
		t.Errorf("disabled task status = %s", res.Status)
	}

	if res := exec.Execute(context.Background(), execTask("t2")); res.Status != store.StatusFailed {
		t.Errorf("no-subreddit status = %s", res.Status)
	}

	zeroCap := execTask("t3", "r/example")
	zeroCap.MaxPostsPerSubreddit = 0
	if res := exec.Execute(context.Background(), zeroCap); res.Status != store.StatusFailed {
		t.Errorf("zero-cap status = %s", res.Status)
	}
}

func TestExecute_DownloadsAndRecords(t *testing.T) {
	resolver := &fakeResolver{urls: map[string][]string{
		"r/example": {postURL("aaa111"), postURL("bbb222")},
	}}
	fetcher := &fakeFetcher{posts: map[string]*reddit.Post{
		"aaa111": fetchablePost("aaa111"),
		"bbb222": fetchablePost("bbb222"),
	}}
	exec, st, outDir := newTestExecutor(t, resolver, fetcher)

	res := exec.Execute(context.Background(), execTask("task1", "r/example"))
	if res.Status != store.StatusCompleted {
		t.Fatalf("status = %s, error = %s", res.Status, res.Error)
	}
	if res.CompletedAt == nil || res.CompletedAt.Before(res.StartedAt) {
		t.Error("completed_at not set after started_at")
	}
	if !strings.Contains(res.Output, "downloaded 2") {
		t.Errorf("output = %q", res.Output)
	}

	for _, id := range []string{"aaa111", "bbb222"} {
		path := filepath.Join(outDir, "example", id+".md")
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("rendered file missing: %v", err)
		}
		if !strings.Contains(string(raw), "## Title "+id) {
			t.Errorf("rendered content wrong for %s", id)
		}
		ok, err := st.IsPostDownloaded(id, "r/example")
		if err != nil || !ok {
			t.Errorf("download not recorded for %s (err=%v)", id, err)
		}
	}
}

func TestExecute_DedupAcrossTasks(t *testing.T) {
	resolver := &fakeResolver{urls: map[string][]string{
		"r/example": {postURL("abc123")},
	}}
	fetcher := &fakeFetcher{posts: map[string]*reddit.Post{
		"abc123": fetchablePost("abc123"),
	}}
	exec, st, _ := newTestExecutor(t, resolver, fetcher)

	// TaskA downloads abc123.
	if res := exec.Execute(context.Background(), execTask("taskA", "r/example")); res.Status != store.StatusCompleted {
		t.Fatalf("taskA: %s %s", res.Status, res.Error)
	}
	fetched := fetcher.calls.Load()

	// TaskB encounters the same candidate within the window: skipped, no
	// second record, no second fetch.
	res := exec.Execute(context.Background(), execTask("taskB", "r/example"))
	if res.Status != store.StatusCompleted {
		t.Fatalf("taskB: %s %s", res.Status, res.Error)
	}
	if !strings.Contains(res.Output, "skipped 1") {
		t.Errorf("taskB output = %q", res.Output)
	}
	if fetcher.calls.Load() != fetched {
		t.Error("taskB fetched a deduplicated post")
	}

	ids, err := st.DownloadedPostIDs("r/example", 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("history has %d ids, want 1", len(ids))
	}
}

func TestExecute_PartialErrorsAggregate(t *testing.T) {
	resolver := &fakeResolver{urls: map[string][]string{
		"r/example": {postURL("good11"), postURL("gone22")},
	}}
	fetcher := &fakeFetcher{posts: map[string]*reddit.Post{
		"good11": fetchablePost("good11"),
	}}
	exec, _, _ := newTestExecutor(t, resolver, fetcher)

	res := exec.Execute(context.Background(), execTask("t", "r/example"))
	if res.Status != store.StatusCompleted {
		t.Errorf("one success should complete the task, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "gone22") {
		t.Errorf("error string should name the failed post: %q", res.Error)
	}
}

func TestExecute_AllSubredditsFailed(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("listing down")}
	exec, _, _ := newTestExecutor(t, resolver, &fakeFetcher{})

	res := exec.Execute(context.Background(), execTask("t", "r/one", "r/two"))
	if res.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed when every subreddit errored", res.Status)
	}
	if !strings.Contains(res.Error, "listing down") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestFetch_ResponseCacheHit(t *testing.T) {
	fetcher := &fakeFetcher{posts: map[string]*reddit.Post{
		"ccc333": fetchablePost("ccc333"),
	}}
	exec, _, _ := newTestExecutor(t, &fakeResolver{}, fetcher)

	url := postURL("ccc333")
	first, err := exec.fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second, err := exec.fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("fetcher called %d times, want 1 (second served from cache)", fetcher.calls.Load())
	}
	if first.Title != second.Title || first.ID != second.ID {
		t.Error("cached post differs from fetched post")
	}
}

func TestExecuteWithTimeout_Watchdog(t *testing.T) {
	resolver := &fakeResolver{urls: map[string][]string{
		"r/example": {postURL("slow99")},
	}}
	fetcher := &fakeFetcher{
		posts: map[string]*reddit.Post{"slow99": fetchablePost("slow99")},
		delay: 3 * time.Second,
	}
	exec, _, _ := newTestExecutor(t, resolver, fetcher)

	task := execTask("slow", "r/example")
	task.TimeoutSeconds = 1

	start := time.Now()
	res := exec.ExecuteWithTimeout(context.Background(), task)
	if res.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed on timeout", res.Status)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("watchdog waited %s, want ~1s", elapsed)
	}
}

func TestRetryPolicy_DelayBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		raw := float64(time.Second)
		for i := 0; i < attempt; i++ {
			raw *= 2
		}
		if raw > float64(60*time.Second) {
			raw = float64(60 * time.Second)
		}
		d := p.Delay(attempt)
		min := time.Duration(raw * 1.1)
		max := time.Duration(raw * 1.3)
		if d < min || d > max {
			t.Errorf("attempt %d: delay %s outside [%s, %s]", attempt, d, min, max)
		}
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Errorf("err=%v attempts=%d", err, attempts)
	}

	attempts = 0
	err = p.Do(context.Background(), func() error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil || attempts != 3 {
		t.Errorf("exhausted retries: err=%v attempts=%d", err, attempts)
	}
}

func TestJoinErrors(t *testing.T) {
	if got := joinErrors(nil); got != "" {
		t.Errorf("empty = %q", got)
	}
	errs := []string{"a", "b", "c", "d", "e"}
	got := joinErrors(errs)
	if !strings.Contains(got, "(+2 more)") {
		t.Errorf("overflow marker missing: %q", got)
	}
	if strings.Contains(got, "d;") || strings.HasSuffix(got, "e") {
		t.Errorf("kept more than %d errors: %q", maxJoinedErrors, got)
	}
}
