package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/subvault/subvault/internal/cronexpr"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidTask is returned when a task fails validation.
var ErrInvalidTask = errors.New("invalid task")

// taskRow mirrors the scheduled_tasks schema. Timestamps travel as ISO-8601
// strings, subreddits and last_result as JSON.
type taskRow struct {
	ID                   string         `db:"id"`
	Name                 string         `db:"name"`
	CronExpression       string         `db:"cron_expression"`
	Subreddits           string         `db:"subreddits"`
	Enabled              int            `db:"enabled"`
	MaxPostsPerSubreddit int            `db:"max_posts_per_subreddit"`
	RetryCount           int            `db:"retry_count"`
	RetryDelaySeconds    int            `db:"retry_delay_seconds"`
	TimeoutSeconds       int            `db:"timeout_seconds"`
	CreatedAt            string         `db:"created_at"`
	LastRun              sql.NullString `db:"last_run"`
	NextRun              sql.NullString `db:"next_run"`
	LastResult           sql.NullString `db:"last_result"`
	UpdatedAt            string         `db:"updated_at"`
}

// ValidateTask enforces the task invariants.
func ValidateTask(t *ScheduledTask) error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTask)
	}
	if t.Enabled && len(t.Subreddits) == 0 {
		return fmt.Errorf("%w: enabled task needs at least one subreddit", ErrInvalidTask)
	}
	if t.MaxPostsPerSubreddit <= 0 {
		return fmt.Errorf("%w: post cap must be positive", ErrInvalidTask)
	}
	if t.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidTask)
	}
	if t.RetryDelaySeconds <= 0 {
		return fmt.Errorf("%w: retry delay must be positive", ErrInvalidTask)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("%w: retry count must be non-negative", ErrInvalidTask)
	}
	if err := cronexpr.Validate(t.CronExpression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

func taskToRow(t *ScheduledTask) (*taskRow, error) {
	subs, err := json.Marshal(t.Subreddits)
	if err != nil {
		return nil, fmt.Errorf("marshal subreddits: %w", err)
	}

	row := &taskRow{
		ID:                   t.ID,
		Name:                 t.Name,
		CronExpression:       t.CronExpression,
		Subreddits:           string(subs),
		Enabled:              boolToInt(t.Enabled),
		MaxPostsPerSubreddit: t.MaxPostsPerSubreddit,
		RetryCount:           t.RetryCount,
		RetryDelaySeconds:    t.RetryDelaySeconds,
		TimeoutSeconds:       t.TimeoutSeconds,
		CreatedAt:            formatTime(t.CreatedAt),
		UpdatedAt:            formatTime(t.UpdatedAt),
	}
	if t.LastRun != nil {
		row.LastRun = sql.NullString{String: formatTime(*t.LastRun), Valid: true}
	}
	if t.NextRun != nil {
		row.NextRun = sql.NullString{String: formatTime(*t.NextRun), Valid: true}
	}
	if t.LastResult != nil {
		res := *t.LastResult
		if len(res.Error) > maxErrorLen {
			res.Error = res.Error[:maxErrorLen]
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("marshal last_result: %w", err)
		}
		row.LastResult = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func rowToTask(row *taskRow) (*ScheduledTask, error) {
	t := &ScheduledTask{
		ID:                   row.ID,
		Name:                 row.Name,
		CronExpression:       row.CronExpression,
		Enabled:              row.Enabled != 0,
		MaxPostsPerSubreddit: row.MaxPostsPerSubreddit,
		RetryCount:           row.RetryCount,
		RetryDelaySeconds:    row.RetryDelaySeconds,
		TimeoutSeconds:       row.TimeoutSeconds,
	}
	if err := json.Unmarshal([]byte(row.Subreddits), &t.Subreddits); err != nil {
		return nil, fmt.Errorf("unmarshal subreddits for %s: %w", row.ID, err)
	}

	var err error
	if t.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	if row.LastRun.Valid {
		ts, err := parseTime(row.LastRun.String)
		if err != nil {
			return nil, err
		}
		t.LastRun = &ts
	}
	if row.NextRun.Valid {
		ts, err := parseTime(row.NextRun.String)
		if err != nil {
			return nil, err
		}
		t.NextRun = &ts
	}
	if row.LastResult.Valid {
		var res TaskResult
		if err := json.Unmarshal([]byte(row.LastResult.String), &res); err != nil {
			return nil, fmt.Errorf("unmarshal last_result for %s: %w", row.ID, err)
		}
		t.LastResult = &res
	}
	return t, nil
}

const taskColumns = `id, name, cron_expression, subreddits, enabled,
	max_posts_per_subreddit, retry_count, retry_delay_seconds, timeout_seconds,
	created_at, last_run, next_run, last_result, updated_at`

// SaveTask inserts or replaces a task.
func (s *Store) SaveTask(t *ScheduledTask) error {
	if err := ValidateTask(t); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()

	row, err := taskToRow(t)
	if err != nil {
		return err
	}

	return s.WithTx(func(tx *sqlx.Tx) error {
		_, err := tx.NamedExec(`INSERT OR REPLACE INTO scheduled_tasks (`+taskColumns+`)
			VALUES (:id, :name, :cron_expression, :subreddits, :enabled,
				:max_posts_per_subreddit, :retry_count, :retry_delay_seconds, :timeout_seconds,
				:created_at, :last_run, :next_run, :last_result, :updated_at)`, row)
		return err
	})
}

// GetTask returns a task by id.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	var row taskRow
	err := s.WithConn(func(conn *sqlx.DB) error {
		return conn.Get(&row, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rowToTask(&row)
}

// ListTasks returns every task, enabled or not, ordered by creation time.
func (s *Store) ListTasks() ([]*ScheduledTask, error) {
	var rows []taskRow
	err := s.WithConn(func(conn *sqlx.DB) error {
		return conn.Select(&rows, "SELECT "+taskColumns+" FROM scheduled_tasks ORDER BY created_at")
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]*ScheduledTask, 0, len(rows))
	for i := range rows {
		t, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(id string) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec("DELETE FROM scheduled_tasks WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil
	})
}

// SetTaskEnabled flips the enabled flag.
func (s *Store) SetTaskEnabled(id string, enabled bool) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec("UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ?",
			boolToInt(enabled), formatTime(time.Now().UTC()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil
	})
}

// UpdateTaskRun persists the scheduler-owned mutable fields in one write.
func (s *Store) UpdateTaskRun(id string, lastRun, nextRun *time.Time, result *TaskResult) error {
	var lastRunVal, nextRunVal, resultVal any
	if lastRun != nil {
		lastRunVal = formatTime(*lastRun)
	}
	if nextRun != nil {
		nextRunVal = formatTime(*nextRun)
	}
	if result != nil {
		res := *result
		if len(res.Error) > maxErrorLen {
			res.Error = res.Error[:maxErrorLen]
		}
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultVal = string(data)
	}

	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE scheduled_tasks
			SET last_run = ?, next_run = ?, last_result = COALESCE(?, last_result), updated_at = ?
			WHERE id = ?`,
			lastRunVal, nextRunVal, resultVal, formatTime(time.Now().UTC()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
