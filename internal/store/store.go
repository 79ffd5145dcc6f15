package store

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	// DefaultPoolSize is the number of long-lived connections.
	DefaultPoolSize = 5

	// acquireTimeout bounds the wait for a pooled connection before falling
	// back to an ad-hoc one.
	acquireTimeout = 250 * time.Millisecond
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the durable task/state store. Reads run concurrently on pooled
// connections; writes are serialized by BEGIN IMMEDIATE.
type Store struct {
	path     string
	pool     chan *sqlx.DB
	poolSize int
	closed   chan struct{}
}

// dsn builds the modernc DSN with the per-connection pragmas every
// connection must carry.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		"cache_size(-64000)",
		"foreign_keys(ON)",
		"busy_timeout(5000)",
	} {
		q.Add("_pragma", p)
	}
	// BEGIN IMMEDIATE on every transaction: writers take the lock up front
	// and queue on busy_timeout instead of failing mid-transaction.
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Open opens (or creates) the store at path with a pool of poolSize
// connections. poolSize <= 0 uses DefaultPoolSize.
func Open(path string, poolSize int) (*Store, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	s := &Store{
		path:     path,
		pool:     make(chan *sqlx.DB, poolSize),
		poolSize: poolSize,
		closed:   make(chan struct{}),
	}

	// First connection runs the migration before the pool fills.
	first, err := s.openConn()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate(first); err != nil {
		first.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	s.pool <- first

	for i := 1; i < poolSize; i++ {
		conn, err := s.openConn()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.pool <- conn
	}

	slog.Info("state store opened", "path", path, "pool", poolSize)
	return s, nil
}

func (s *Store) openConn() (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn(s.path))
	if err != nil {
		return nil, err
	}
	// Each handle is one real connection so pragma state sticks to it.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Acquire takes a pooled connection, waiting up to acquireTimeout. On
// exhaustion it logs a warning and opens a fresh ad-hoc connection rather
// than blocking indefinitely.
func (s *Store) Acquire() (*sqlx.DB, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case conn := <-s.pool:
		return conn, nil
	case <-time.After(acquireTimeout):
		slog.Warn("connection pool exhausted, opening ad-hoc connection", "path", s.path)
		return s.openConn()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Release returns a connection to the pool, closing it when the pool is
// already full (ad-hoc connections) or the store has shut down.
func (s *Store) Release(conn *sqlx.DB) {
	if conn == nil {
		return
	}
	select {
	case <-s.closed:
		conn.Close()
		return
	default:
	}
	select {
	case s.pool <- conn:
	default:
		conn.Close()
	}
}

// WithConn runs fn on a pooled connection, releasing on all exit paths.
func (s *Store) WithConn(fn func(conn *sqlx.DB) error) error {
	conn, err := s.Acquire()
	if err != nil {
		return err
	}
	defer s.Release(conn)
	return fn(conn)
}

// WithTx runs fn inside a BEGIN IMMEDIATE transaction (via _txlock):
// commit on clean return, rollback on error or panic, connection always
// released.
func (s *Store) WithTx(fn func(tx *sqlx.Tx) error) (err error) {
	conn, err := s.Acquire()
	if err != nil {
		return err
	}
	defer s.Release(conn)

	tx, err := conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin immediate: %w", err)
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
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Close drains and closes every pooled connection.
func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}

	var firstErr error
	for {
		select {
		case conn := <-s.pool:
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			slog.Info("state store closed", "path", s.path)
			return firstErr
		}
	}
}

// migrate creates the schema. Idempotent.
func migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			subreddits TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			max_posts_per_subreddit INTEGER NOT NULL DEFAULT 25,
			retry_count INTEGER NOT NULL DEFAULT 3,
			retry_delay_seconds INTEGER NOT NULL DEFAULT 60,
			timeout_seconds INTEGER NOT NULL DEFAULT 300,
			created_at TEXT NOT NULL,
			last_run TEXT,
			next_run TEXT,
			last_result TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run, enabled)`,
		`CREATE TABLE IF NOT EXISTS download_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			post_id TEXT NOT NULL,
			post_url TEXT NOT NULL,
			subreddit TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			downloaded_at TEXT NOT NULL,
			file_path TEXT NOT NULL,
			task_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_post ON download_history(post_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_sub_date ON download_history(subreddit, downloaded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_task_date ON download_history(task_id, downloaded_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}
