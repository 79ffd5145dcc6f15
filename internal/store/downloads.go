package store

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultCleanupBatch is the chunk size for batched retention cleanup.
const DefaultCleanupBatch = 500

// RecordDownload appends a download record.
func (s *Store) RecordDownload(r *DownloadRecord) error {
	if r.DownloadedAt.IsZero() {
		r.DownloadedAt = time.Now().UTC()
	}
	var taskID any
	if r.TaskID != "" {
		taskID = r.TaskID
	}
	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`INSERT INTO download_history
			(post_id, post_url, subreddit, title, author, downloaded_at, file_path, task_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.PostID, r.PostURL, r.Subreddit, r.Title, r.Author,
			formatTime(r.DownloadedAt), r.FilePath, taskID)
		if err != nil {
			return err
		}
		r.ID, _ = res.LastInsertId()
		return nil
	})
}

// IsPostDownloaded reports whether (postID, subreddit) was ever recorded.
func (s *Store) IsPostDownloaded(postID, subreddit string) (bool, error) {
	var count int
	err := s.WithConn(func(conn *sqlx.DB) error {
		return conn.Get(&count,
			"SELECT COUNT(*) FROM download_history WHERE post_id = ? AND subreddit = ?",
			postID, subreddit)
	})
	return count > 0, err
}

// DownloadedPostIDs returns the post ids downloaded from subreddit within the
// last sinceDays days.
func (s *Store) DownloadedPostIDs(subreddit string, sinceDays int) (map[string]struct{}, error) {
	cutoff := formatTime(time.Now().UTC().AddDate(0, 0, -sinceDays))

	var ids []string
	err := s.WithConn(func(conn *sqlx.DB) error {
		return conn.Select(&ids,
			"SELECT DISTINCT post_id FROM download_history WHERE subreddit = ? AND downloaded_at >= ?",
			subreddit, cutoff)
	})
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// CleanupOldHistory deletes records older than daysToKeep. batchSize > 0
// deletes in rowid chunks with a commit between chunks; batchSize <= 0
// deletes in one statement. Returns the total deleted.
func (s *Store) CleanupOldHistory(daysToKeep, batchSize int) (int64, error) {
	cutoff := formatTime(time.Now().UTC().AddDate(0, 0, -daysToKeep))

	if batchSize <= 0 {
		var deleted int64
		err := s.WithTx(func(tx *sqlx.Tx) error {
			res, err := tx.Exec("DELETE FROM download_history WHERE downloaded_at < ?", cutoff)
			if err != nil {
				return err
			}
			deleted, _ = res.RowsAffected()
			return nil
		})
		return deleted, err
	}

	var total int64
	for {
		var deleted int64
		err := s.WithTx(func(tx *sqlx.Tx) error {
			res, err := tx.Exec(`DELETE FROM download_history WHERE id IN (
				SELECT id FROM download_history WHERE downloaded_at < ? LIMIT ?)`,
				cutoff, batchSize)
			if err != nil {
				return err
			}
			deleted, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted == 0 {
			return total, nil
		}
	}
}

// Stats returns a snapshot of store contents.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{}
	err := s.WithConn(func(conn *sqlx.DB) error {
		if err := conn.Get(&stats.TasksEnabled,
			"SELECT COUNT(*) FROM scheduled_tasks WHERE enabled = 1"); err != nil {
			return err
		}
		if err := conn.Get(&stats.TasksDisabled,
			"SELECT COUNT(*) FROM scheduled_tasks WHERE enabled = 0"); err != nil {
			return err
		}
		if err := conn.Get(&stats.TotalDownloads,
			"SELECT COUNT(*) FROM download_history"); err != nil {
			return err
		}
		if err := conn.Get(&stats.UniqueSubreddits,
			"SELECT COUNT(DISTINCT subreddit) FROM download_history"); err != nil {
			return err
		}
		if err := conn.Get(&stats.UniquePosts,
			"SELECT COUNT(DISTINCT post_id) FROM download_history"); err != nil {
			return err
		}
		recentCutoff := formatTime(time.Now().UTC().AddDate(0, 0, -7))
		return conn.Get(&stats.RecentDownloads,
			"SELECT COUNT(*) FROM download_history WHERE downloaded_at >= ?", recentCutoff)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// IntegrityCheck runs the built-in integrity pragma, the foreign-key check,
// and counts download rows whose task_id points at a missing task. It never
// fails on reported violations, only on query errors.
func (s *Store) IntegrityCheck() (*IntegrityReport, error) {
	report := &IntegrityReport{}
	err := s.WithConn(func(conn *sqlx.DB) error {
		if err := conn.Get(&report.CheckResult, "PRAGMA integrity_check"); err != nil {
			return err
		}

		rows, err := conn.Query("PRAGMA foreign_key_check")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var table string
			var rowid sql.NullInt64
			var parent string
			var fkid int
			if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
				continue
			}
			report.ForeignKeyErrors = append(report.ForeignKeyErrors,
				table+" -> "+parent)
		}

		return conn.Get(&report.OrphanedRows, `SELECT COUNT(*) FROM download_history d
			WHERE d.task_id IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM scheduled_tasks t WHERE t.id = d.task_id)`)
	})
	if err != nil {
		return nil, err
	}
	report.OK = report.CheckResult == "ok" && len(report.ForeignKeyErrors) == 0
	return report, nil
}
