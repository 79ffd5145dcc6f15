package index

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// IntegrityCheck runs the built-in integrity pragma, counts orphaned shadow
// rows (FTS rowids absent from posts) and runs the foreign-key check.
// Violations are reported, never raised.
func (idx *Index) IntegrityCheck() (*IntegrityReport, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	report := &IntegrityReport{}
	if err := idx.db.Get(&report.CheckResult, "PRAGMA integrity_check"); err != nil {
		return nil, err
	}

	if err := idx.db.Get(&report.OrphanedFTSRows, `SELECT COUNT(*) FROM posts_fts f
		WHERE f.rowid NOT IN (SELECT id FROM posts)`); err != nil {
		return nil, err
	}

	rows, err := idx.db.Query("PRAGMA foreign_key_check")
	if err != nil {
		return nil, err
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
		report.ForeignKeyErrors = append(report.ForeignKeyErrors, table+" -> "+parent)
	}

	report.OK = report.CheckResult == "ok" &&
		report.OrphanedFTSRows == 0 &&
		len(report.ForeignKeyErrors) == 0
	return report, nil
}

// Repair fixes what IntegrityCheck reports, in one transaction: orphan
// shadow rows are deleted, missing shadow rows are restored from the posts
// table (content preview stands in for lost full content), the FTS index is
// compacted, and every tag's usage_count is reconciled against the junction.
func (idx *Index) Repair() (*RepairReport, error) {
	report := &RepairReport{}
	err := idx.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM posts_fts
			WHERE rowid NOT IN (SELECT id FROM posts)`)
		if err != nil {
			return err
		}
		report.OrphansDeleted, _ = res.RowsAffected()

		res, err = tx.Exec(`INSERT INTO posts_fts (rowid, post_id, title, content, author, subreddit)
			SELECT id, post_id, title, content_preview, author, subreddit FROM posts
			WHERE id NOT IN (SELECT rowid FROM posts_fts)`)
		if err != nil {
			return err
		}
		report.ShadowsRestored, _ = res.RowsAffected()

		if _, err := tx.Exec(`INSERT INTO posts_fts(posts_fts) VALUES('optimize')`); err != nil {
			return err
		}

		res, err = tx.Exec(`UPDATE tags SET usage_count =
			(SELECT COUNT(*) FROM post_tags WHERE post_tags.tag_id = tags.id)
			WHERE usage_count !=
			(SELECT COUNT(*) FROM post_tags WHERE post_tags.tag_id = tags.id)`)
		if err != nil {
			return err
		}
		report.TagsReconciled, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
