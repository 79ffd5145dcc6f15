package index

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Index owns the search-index database: posts, their FTS5 shadow, tags and
// the post-tags junction. Writers serialize on mu; readers share it.
type Index struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// Open opens (or creates) the index database at path.
func Open(path string) (*Index, error) {
	q := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
		"busy_timeout(5000)",
	} {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")

	db, err := sqlx.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}

	slog.Info("search index opened", "path", path)
	return idx, nil
}

func (idx *Index) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_path TEXT NOT NULL UNIQUE,
			post_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			subreddit TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			created_utc INTEGER NOT NULL DEFAULT 0,
			upvotes INTEGER NOT NULL DEFAULT 0,
			reply_count INTEGER NOT NULL DEFAULT 0,
			file_modified_time REAL NOT NULL DEFAULT 0,
			indexed_time REAL NOT NULL DEFAULT 0,
			content_preview TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_sub_upvotes ON posts(subreddit, upvotes DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_author_created ON posts(author, created_utc DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_created_upvotes ON posts(created_utc DESC, upvotes DESC)`,
		// Shadow table addressed by the posts rowid.
		`CREATE VIRTUAL TABLE IF NOT EXISTS posts_fts USING fts5(
			post_id, title, content, author, subreddit,
			tokenize='porter unicode61'
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			created_time TEXT NOT NULL DEFAULT (datetime('now')),
			usage_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS post_tags (
			post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			created_time TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (post_id, tag_id)
		)`,
		// usage_count tracks the junction inside the same transaction as the
		// mutation, so a rollback unwinds both and the count cannot drift.
		`CREATE TRIGGER IF NOT EXISTS trg_post_tags_insert
			AFTER INSERT ON post_tags BEGIN
				UPDATE tags SET usage_count = usage_count + 1 WHERE id = NEW.tag_id;
			END`,
		`CREATE TRIGGER IF NOT EXISTS trg_post_tags_delete
			AFTER DELETE ON post_tags BEGIN
				UPDATE tags SET usage_count = usage_count - 1 WHERE id = OLD.tag_id;
			END`,
	}

	for _, stmt := range stmts {
		if _, err := idx.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// WithTx runs fn in one transaction: commit on clean return, rollback
// otherwise. Callers batching many upserts (the indexer) use this directly.
func (idx *Index) WithTx(fn func(tx *sqlx.Tx) error) (err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.withTxLocked(fn)
}

func (idx *Index) withTxLocked(fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := idx.db.Beginx()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// PostCount returns the number of indexed posts.
func (idx *Index) PostCount() (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var n int
	err := idx.db.Get(&n, "SELECT COUNT(*) FROM posts")
	return n, err
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}
