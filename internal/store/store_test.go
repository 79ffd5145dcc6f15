package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) *ScheduledTask {
	return &ScheduledTask{
		ID:                   id,
		Name:                 "nightly golang",
		CronExpression:       "0 2 * * *",
		Subreddits:           []string{"golang", "programming"},
		Enabled:              true,
		MaxPostsPerSubreddit: 25,
		RetryCount:           3,
		RetryDelaySeconds:    60,
		TimeoutSeconds:       300,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)

	started := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	task := sampleTask("t1")
	task.LastResult = &TaskResult{
		TaskID:      "t1",
		Status:      StatusCompleted,
		StartedAt:   started,
		CompletedAt: &completed,
		Output:      "downloaded 12 posts",
	}
	lastRun := started
	task.LastRun = &lastRun

	if err := s.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.Name != task.Name || got.CronExpression != task.CronExpression {
		t.Errorf("round trip lost scalar fields: %+v", got)
	}
	if !reflect.DeepEqual(got.Subreddits, task.Subreddits) {
		t.Errorf("subreddits = %v, want %v", got.Subreddits, task.Subreddits)
	}
	if got.LastResult == nil || got.LastResult.Status != StatusCompleted {
		t.Fatalf("last_result not preserved: %+v", got.LastResult)
	}
	if !got.LastResult.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.LastResult.StartedAt, started)
	}
	if got.LastRun == nil || !got.LastRun.Equal(lastRun) {
		t.Errorf("last_run = %v, want %v", got.LastRun, lastRun)
	}

	// Save→load→save must be stable.
	if err := s.SaveTask(got); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	again, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("re-get: %v", err)
	}
	if !reflect.DeepEqual(again.Subreddits, got.Subreddits) || again.Name != got.Name {
		t.Error("second round trip drifted")
	}
}

func TestSaveTask_Validation(t *testing.T) {
	s := openTestStore(t)

	cases := []func(*ScheduledTask){
		func(t *ScheduledTask) { t.Name = "" },
		func(t *ScheduledTask) { t.Subreddits = nil },
		func(t *ScheduledTask) { t.MaxPostsPerSubreddit = 0 },
		func(t *ScheduledTask) { t.TimeoutSeconds = -1 },
		func(t *ScheduledTask) { t.RetryDelaySeconds = 0 },
		func(t *ScheduledTask) { t.RetryCount = -1 },
		func(t *ScheduledTask) { t.CronExpression = "not a cron" },
	}
	for i, mutate := range cases {
		task := sampleTask(fmt.Sprintf("bad%d", i))
		mutate(task)
		if err := s.SaveTask(task); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("case %d: err = %v, want ErrInvalidTask", i, err)
		}
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteAndEnable(t *testing.T) {
	s := openTestStore(t)
	task := sampleTask("t1")
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	if err := s.SetTaskEnabled("t1", false); err != nil {
		t.Fatalf("SetTaskEnabled: %v", err)
	}
	got, _ := s.GetTask("t1")
	if got.Enabled {
		t.Error("task still enabled after disable")
	}

	if err := s.DeleteTask("t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask("t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Error("task still present after delete")
	}
}

func TestDownloadDedup(t *testing.T) {
	s := openTestStore(t)

	rec := &DownloadRecord{
		PostID:    "abc123",
		PostURL:   "https://reddit.com/r/example/comments/abc123/title/",
		Subreddit: "example",
		Title:     "a title",
		Author:    "someone",
		FilePath:  "/archive/example/abc123.md",
		TaskID:    "taskA",
	}
	if err := s.RecordDownload(rec); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}
	if rec.ID == 0 {
		t.Error("RecordDownload did not backfill rowid")
	}

	ok, err := s.IsPostDownloaded("abc123", "example")
	if err != nil {
		t.Fatalf("IsPostDownloaded: %v", err)
	}
	if !ok {
		t.Error("recorded post not reported downloaded")
	}

	ok, _ = s.IsPostDownloaded("abc123", "other")
	if ok {
		t.Error("dedup key must include subreddit")
	}

	// 30-day window: visible to any task targeting that subreddit.
	ids, err := s.DownloadedPostIDs("example", 30)
	if err != nil {
		t.Fatalf("DownloadedPostIDs: %v", err)
	}
	if _, ok := ids["abc123"]; !ok {
		t.Error("post missing from 30-day window")
	}

	// Outside the window.
	old := &DownloadRecord{
		PostID:       "old999",
		PostURL:      "https://redd.it/old999",
		Subreddit:    "example",
		DownloadedAt: time.Now().UTC().AddDate(0, 0, -45),
		FilePath:     "/archive/example/old999.md",
	}
	if err := s.RecordDownload(old); err != nil {
		t.Fatalf("RecordDownload old: %v", err)
	}
	ids, _ = s.DownloadedPostIDs("example", 30)
	if _, ok := ids["old999"]; ok {
		t.Error("45-day-old post must be outside the 30-day window")
	}
}

func TestCleanupOldHistory_Batched(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -100)
	for i := 0; i < 100; i++ {
		rec := &DownloadRecord{
			PostID:       fmt.Sprintf("p%03d", i),
			PostURL:      "https://redd.it/x",
			Subreddit:    "example",
			DownloadedAt: old,
			FilePath:     "/archive/x.md",
		}
		if err := s.RecordDownload(rec); err != nil {
			t.Fatalf("RecordDownload: %v", err)
		}
	}
	keep := &DownloadRecord{
		PostID:    "fresh",
		PostURL:   "https://redd.it/fresh",
		Subreddit: "example",
		FilePath:  "/archive/fresh.md",
	}
	if err := s.RecordDownload(keep); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	deleted, err := s.CleanupOldHistory(30, 10)
	if err != nil {
		t.Fatalf("CleanupOldHistory: %v", err)
	}
	if deleted != 100 {
		t.Errorf("deleted = %d, want 100", deleted)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalDownloads != 1 {
		t.Errorf("remaining downloads = %d, want 1", stats.TotalDownloads)
	}
}

func TestCleanupOldHistory_Unbatched(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		s.RecordDownload(&DownloadRecord{
			PostID:       fmt.Sprintf("p%d", i),
			PostURL:      "u",
			Subreddit:    "s",
			DownloadedAt: time.Now().UTC().AddDate(0, 0, -40),
			FilePath:     "f",
		})
	}
	deleted, err := s.CleanupOldHistory(30, 0)
	if err != nil {
		t.Fatalf("CleanupOldHistory: %v", err)
	}
	if deleted != 5 {
		t.Errorf("deleted = %d, want 5", deleted)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	s.SaveTask(sampleTask("a"))
	disabled := sampleTask("b")
	disabled.Enabled = false
	disabled.Subreddits = []string{"golang"}
	s.SaveTask(disabled)

	s.RecordDownload(&DownloadRecord{PostID: "p1", PostURL: "u", Subreddit: "golang", FilePath: "f"})
	s.RecordDownload(&DownloadRecord{PostID: "p2", PostURL: "u", Subreddit: "rust", FilePath: "f"})

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TasksEnabled != 1 || stats.TasksDisabled != 1 {
		t.Errorf("task counts = %d/%d, want 1/1", stats.TasksEnabled, stats.TasksDisabled)
	}
	if stats.UniqueSubreddits != 2 || stats.TotalDownloads != 2 {
		t.Errorf("download stats = %+v", stats)
	}
	if stats.RecentDownloads != 2 {
		t.Errorf("recent = %d, want 2", stats.RecentDownloads)
	}
}

func TestIntegrityCheck(t *testing.T) {
	s := openTestStore(t)
	s.RecordDownload(&DownloadRecord{
		PostID: "p1", PostURL: "u", Subreddit: "s", FilePath: "f", TaskID: "ghost",
	})

	report, err := s.IntegrityCheck()
	if err != nil {
		t.Fatalf("IntegrityCheck: %v", err)
	}
	if report.CheckResult != "ok" {
		t.Errorf("integrity_check = %q", report.CheckResult)
	}
	if report.OrphanedRows != 1 {
		t.Errorf("orphaned rows = %d, want 1", report.OrphanedRows)
	}
	// Violations are reported, not raised.
	if !report.OK {
		// task_id is intentionally not a FK, so OK should still hold.
		t.Errorf("report.OK = false, foreign keys: %v", report.ForeignKeyErrors)
	}
}

func TestPool_AdHocFallback(t *testing.T) {
	s := openTestStore(t) // pool of 2

	c1, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c2, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Pool exhausted: must fall back to an ad-hoc connection, not block.
	start := time.Now()
	c3, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire (ad-hoc): %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("ad-hoc fallback took too long")
	}

	// Releasing all three: two back to the pool, the third closed.
	s.Release(c1)
	s.Release(c2)
	s.Release(c3)

	if got := len(s.pool); got != 2 {
		t.Errorf("pool size after release = %d, want 2", got)
	}
}

func TestRelease_AfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	conn, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The drained pool would accept the connection and leak it; Release must
	// close it instead.
	s.Release(conn)
	if got := len(s.pool); got != 0 {
		t.Errorf("connection parked in closed pool, len = %d", got)
	}
	if _, err := conn.Exec("SELECT 1"); err == nil {
		t.Error("connection still open after release into closed store")
	}
}
