package index

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a post lookup misses.
var ErrNotFound = errors.New("post not found")

// UpsertPost inserts or updates a post keyed by file path, inside its own
// transaction. When the stored content hash matches doc.ContentHash only the
// stored mtime is refreshed; the rest of the posts row and the FTS shadow
// stay untouched.
func (idx *Index) UpsertPost(doc *Post, content string) (int64, error) {
	var rowid int64
	err := idx.WithTx(func(tx *sqlx.Tx) error {
		var err error
		rowid, _, err = UpsertPostTx(tx, doc, content)
		return err
	})
	return rowid, err
}

// UpsertPostTx is UpsertPost inside a caller-owned transaction (one batch =
// one transaction during indexing). changed reports whether the content was
// new or different; a hash match returns changed=false.
func UpsertPostTx(tx *sqlx.Tx, doc *Post, content string) (rowid int64, changed bool, err error) {
	var existing struct {
		ID          int64  `db:"id"`
		ContentHash string `db:"content_hash"`
	}
	err = tx.Get(&existing,
		"SELECT id, content_hash FROM posts WHERE file_path = ?", doc.FilePath)
	switch {
	case err == nil:
		if existing.ContentHash == doc.ContentHash {
			// Remember the new mtime so the next pass skips the file during
			// collection instead of re-hashing it.
			_, err = tx.Exec("UPDATE posts SET file_modified_time = ? WHERE id = ?",
				doc.FileModifiedTime, existing.ID)
			if err != nil {
				return 0, false, fmt.Errorf("refresh mtime: %w", err)
			}
			return existing.ID, false, nil
		}
		doc.IndexedTime = nowEpoch()
		_, err = tx.Exec(`UPDATE posts SET
				post_id = ?, title = ?, author = ?, subreddit = ?, url = ?,
				created_utc = ?, upvotes = ?, reply_count = ?,
				file_modified_time = ?, indexed_time = ?, content_preview = ?, content_hash = ?
			WHERE id = ?`,
			doc.PostID, doc.Title, doc.Author, doc.Subreddit, doc.URL,
			doc.CreatedUTC, doc.Upvotes, doc.ReplyCount,
			doc.FileModifiedTime, doc.IndexedTime, doc.ContentPreview, doc.ContentHash,
			existing.ID)
		if err != nil {
			return 0, false, fmt.Errorf("update post: %w", err)
		}
		doc.ID = existing.ID

	case errors.Is(err, sql.ErrNoRows):
		doc.IndexedTime = nowEpoch()
		res, err := tx.Exec(`INSERT INTO posts
				(file_path, post_id, title, author, subreddit, url, created_utc,
				 upvotes, reply_count, file_modified_time, indexed_time,
				 content_preview, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.FilePath, doc.PostID, doc.Title, doc.Author, doc.Subreddit,
			doc.URL, doc.CreatedUTC, doc.Upvotes, doc.ReplyCount,
			doc.FileModifiedTime, doc.IndexedTime, doc.ContentPreview, doc.ContentHash)
		if err != nil {
			return 0, false, fmt.Errorf("insert post: %w", err)
		}
		doc.ID, _ = res.LastInsertId()

	default:
		return 0, false, err
	}

	// Replace the shadow row keyed by the post rowid.
	if _, err := tx.Exec("DELETE FROM posts_fts WHERE rowid = ?", doc.ID); err != nil {
		return 0, false, fmt.Errorf("clear fts shadow: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO posts_fts (rowid, post_id, title, content, author, subreddit)
			VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.PostID, doc.Title, content, doc.Author, doc.Subreddit); err != nil {
		return 0, false, fmt.Errorf("insert fts shadow: %w", err)
	}
	return doc.ID, true, nil
}

// GetPostByPath returns the indexed post for a file path.
func (idx *Index) GetPostByPath(path string) (*Post, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var p Post
	err := idx.db.Get(&p, "SELECT * FROM posts WHERE file_path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FileModifiedTime returns the stored mtime for path, or ok=false when the
// path was never indexed. Used for change detection.
func (idx *Index) FileModifiedTime(path string) (float64, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var mtime float64
	err := idx.db.Get(&mtime, "SELECT file_modified_time FROM posts WHERE file_path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return mtime, true, nil
}

// DeletePostByPath removes the post row; the shadow and junction rows follow
// (explicit FTS delete, cascade for post_tags).
func (idx *Index) DeletePostByPath(path string) error {
	return idx.WithTx(func(tx *sqlx.Tx) error {
		return deletePostByPathTx(tx, path)
	})
}

func deletePostByPathTx(tx *sqlx.Tx, path string) error {
	var id int64
	err := tx.Get(&id, "SELECT id FROM posts WHERE file_path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM posts_fts WHERE rowid = ?", id); err != nil {
		return err
	}
	_, err = tx.Exec("DELETE FROM posts WHERE id = ?", id)
	return err
}

// PathsUnder returns every indexed file path starting with root. The cleanup
// sweep compares these against the filesystem.
func (idx *Index) PathsUnder(root string) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var paths []string
	err := idx.db.Select(&paths,
		"SELECT file_path FROM posts WHERE file_path LIKE ? ESCAPE '\\'",
		escapeLike(prefix)+"%")
	return paths, err
}

// DeletePostsByPaths removes a batch of vanished paths in one transaction.
// Returns how many post rows were deleted.
func (idx *Index) DeletePostsByPaths(paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	deleted := 0
	err := idx.WithTx(func(tx *sqlx.Tx) error {
		for _, p := range paths {
			if err := deletePostByPathTx(tx, p); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
