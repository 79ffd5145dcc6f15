// Package store persists scheduled tasks, task results and download history
// in an embedded SQLite database with WAL journaling and a fixed-size
// connection pool.
package store

import (
	"time"
)

// TaskStatus enumerates the lifecycle states of a task execution.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusDisabled  TaskStatus = "disabled"
)

// TaskResult is the snapshot of one task execution, embedded in the task row
// as JSON.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Output      string     `json:"output,omitempty"`
}

// maxErrorLen caps the persisted error string.
const maxErrorLen = 1024

// ScheduledTask is a persisted download task.
type ScheduledTask struct {
	ID                   string
	Name                 string
	CronExpression       string
	Subreddits           []string
	Enabled              bool
	MaxPostsPerSubreddit int
	RetryCount           int
	RetryDelaySeconds    int
	TimeoutSeconds       int
	CreatedAt            time.Time
	LastRun              *time.Time
	NextRun              *time.Time
	LastResult           *TaskResult
	UpdatedAt            time.Time
}

// DownloadRecord is one successfully rendered post.
type DownloadRecord struct {
	ID           int64
	PostID       string
	PostURL      string
	Subreddit    string
	Title        string
	Author       string
	DownloadedAt time.Time
	FilePath     string
	TaskID       string // empty = manual download
}

// Stats is a point-in-time snapshot of store contents.
type Stats struct {
	TasksEnabled     int
	TasksDisabled    int
	TotalDownloads   int
	UniqueSubreddits int
	UniquePosts      int
	RecentDownloads  int // last 7 days
}

// IntegrityReport is the result of an integrity check. Violations are
// reported, never raised.
type IntegrityReport struct {
	OK               bool
	CheckResult      string   // output of PRAGMA integrity_check
	ForeignKeyErrors []string // rows from PRAGMA foreign_key_check
	OrphanedRows     int      // download rows whose task_id no longer exists
}
