// Package index is the search index over archived Reddit posts: a posts
// table shadowed by an FTS5 full-text table, plus tags and a post-tags
// junction. All writes go through transactions; reads serve the search CLI
// and the streaming iterator.
package index

import "time"

// Post is one indexed rendered post file.
type Post struct {
	ID               int64   `db:"id"`
	FilePath         string  `db:"file_path"`
	PostID           string  `db:"post_id"`
	Title            string  `db:"title"`
	Author           string  `db:"author"`
	Subreddit        string  `db:"subreddit"`
	URL              string  `db:"url"`
	CreatedUTC       int64   `db:"created_utc"`
	Upvotes          int     `db:"upvotes"`
	ReplyCount       int     `db:"reply_count"`
	FileModifiedTime float64 `db:"file_modified_time"`
	IndexedTime      float64 `db:"indexed_time"`
	ContentPreview   string  `db:"content_preview"`
	ContentHash      string  `db:"content_hash"`
}

// Tag is a user- or rule-assigned label.
type Tag struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Color       string    `db:"color"`
	CreatedTime time.Time `db:"-"`
	UsageCount  int       `db:"usage_count"`
}

// Query describes one search. Zero values mean "no constraint"; Limit
// defaults to DefaultLimit when zero.
type Query struct {
	Text       string
	Subreddits []string
	Authors    []string
	Tags       []string
	MinUpvotes int
	MaxUpvotes int
	DateFrom   int64 // epoch seconds, inclusive
	DateTo     int64 // epoch seconds, inclusive
	Sort       string
	Limit      int
	Offset     int
}

// Sort orders accepted by Query.Sort.
const (
	SortRelevance = "relevance"
	SortDate      = "date"
	SortUpvotes   = "upvotes"
)

// Result is one search hit with its tags attached.
type Result struct {
	Post    Post
	Snippet string
	Rank    float64
	Tags    []string
}

// IntegrityReport summarizes an index integrity check.
type IntegrityReport struct {
	OK               bool
	CheckResult      string
	OrphanedFTSRows  int
	ForeignKeyErrors []string
}

// RepairReport summarizes what RepairDatabase changed.
type RepairReport struct {
	OrphansDeleted  int64
	ShadowsRestored int64
	TagsReconciled  int64
}

// Limits for query validation.
const (
	DefaultLimit  = 50
	MaxLimit      = 1000
	maxFilterLen  = 50
	maxFTSTerms   = 20
	snippetTokens = 32
)
