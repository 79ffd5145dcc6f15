package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/subvault/subvault/internal/config"
	"github.com/subvault/subvault/internal/index"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.StatePath = filepath.Join(dir, "state.db")
	cfg.Database.IndexPath = filepath.Join(dir, "index.db")
	cfg.Executor.OutputDir = filepath.Join(dir, "out")
	cfg.Scheduler.TickSeconds = 1
	cfg.Scheduler.ShutdownSeconds = 1
	cfg.Indexer.Roots = []string{filepath.Join(dir, "archive")}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func TestEngine_StartStop(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Stop runs via cleanup; the test passes if it returns.
}

func TestEngine_SearchCache(t *testing.T) {
	e := newTestEngine(t)

	content := "a post about caching layers"
	_, err := e.Index.UpsertPost(&index.Post{
		FilePath: "/a/p1.md", PostID: "p1", Title: "T", Author: "a",
		Subreddit: "r/golang", ContentHash: "h1",
	}, content)
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}

	q := index.Query{Subreddits: []string{"r/golang"}}
	first, err := e.Search(q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	second, err := e.Search(q)
	if err != nil {
		t.Fatalf("cached Search: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("results: %d then %d", len(first), len(second))
	}

	stats := e.SearchCacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("cache stats = %+v, want 1 hit 1 miss", stats)
	}

	// Invalidation forces a recount.
	e.InvalidateSearchCache()
	if _, err := e.Search(q); err != nil {
		t.Fatal(err)
	}
	if stats := e.SearchCacheStats(); stats.Misses != 2 {
		t.Errorf("misses = %d after invalidate", stats.Misses)
	}
}

func TestEngine_IndexRoots(t *testing.T) {
	e := newTestEngine(t)
	root := e.Cfg.Indexer.Roots[0]
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	post := "**r/golang** | Posted by u/dev ⬆️ 12 _( 2024-06-15 10:30:00 )_\n" +
		"## Hello\nOriginal post: [u](https://reddit.com/r/golang/comments/xyz/)\n\nbody\n\n💬 ~ 0 replies\n"
	if err := os.WriteFile(filepath.Join(root, "a.md"), []byte(post), 0o644); err != nil {
		t.Fatal(err)
	}

	stats, err := e.IndexRoots(context.Background())
	if err != nil {
		t.Fatalf("IndexRoots: %v", err)
	}
	if stats.Indexed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if n, _ := e.Index.PostCount(); n != 1 {
		t.Errorf("post count = %d", n)
	}
}
