package index

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidQuery is returned for out-of-range or over-length parameters.
var ErrInvalidQuery = errors.New("invalid search query")

// validate range-checks every integer parameter and length-caps every filter
// string, normalizing defaults in place.
func (q *Query) validate() error {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit < 1 || q.Limit > MaxLimit {
		return fmt.Errorf("%w: limit %d out of range [1,%d]", ErrInvalidQuery, q.Limit, MaxLimit)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidQuery)
	}
	if q.MinUpvotes < 0 || q.MaxUpvotes < 0 {
		return fmt.Errorf("%w: negative upvote bound", ErrInvalidQuery)
	}
	if q.MaxUpvotes > 0 && q.MinUpvotes > q.MaxUpvotes {
		return fmt.Errorf("%w: min upvotes above max", ErrInvalidQuery)
	}
	if q.DateFrom < 0 || q.DateTo < 0 {
		return fmt.Errorf("%w: negative date bound", ErrInvalidQuery)
	}
	if q.DateTo > 0 && q.DateFrom > q.DateTo {
		return fmt.Errorf("%w: date range inverted", ErrInvalidQuery)
	}
	switch q.Sort {
	case "", SortRelevance, SortDate, SortUpvotes:
	default:
		return fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, q.Sort)
	}
	for _, list := range [][]string{q.Subreddits, q.Authors, q.Tags} {
		for _, v := range list {
			if len(v) > maxFilterLen {
				return fmt.Errorf("%w: filter value over %d chars", ErrInvalidQuery, maxFilterLen)
			}
		}
	}
	return nil
}

// CacheKey is the canonical serialization of the query: every field, list
// fields sorted, so logically equal queries share a cache entry.
func (q *Query) CacheKey() string {
	sorted := func(in []string) string {
		cp := append([]string(nil), in...)
		sort.Strings(cp)
		return strings.Join(cp, ",")
	}
	return fmt.Sprintf("t=%s|s=%s|a=%s|g=%s|u=%d-%d|d=%d-%d|o=%s|l=%d|f=%d",
		q.Text, sorted(q.Subreddits), sorted(q.Authors), sorted(q.Tags),
		q.MinUpvotes, q.MaxUpvotes, q.DateFrom, q.DateTo, q.Sort, q.Limit, q.Offset)
}

// ftsStrip keeps only letters, digits and whitespace: everything else,
// hyphens and quotes included, is FTS5 syntax or a token separator for the
// unicode61 tokenizer and becomes a term boundary.
var (
	ftsStrip    = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	ftsCollapse = regexp.MustCompile(`\s+`)
)

// prepareFTSQuery turns free text into an FTS5 prefix query: strip non-word
// characters (unbalanced quotes go with them), collapse whitespace, cap at
// 20 terms, drop terms under 2 chars, suffix each with *.
func prepareFTSQuery(text string) string {
	cleaned := ftsStrip.ReplaceAllString(text, " ")
	cleaned = ftsCollapse.ReplaceAllString(strings.TrimSpace(cleaned), " ")
	if cleaned == "" {
		return ""
	}

	terms := strings.Split(cleaned, " ")
	if len(terms) > maxFTSTerms {
		terms = terms[:maxFTSTerms]
	}

	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if len(t) < 2 {
			continue
		}
		out = append(out, t+"*")
	}
	return strings.Join(out, " ")
}

// Search runs one page of the search. When text is present the select joins
// the FTS shadow with MATCH and carries a snippet and rank; otherwise it
// reads posts directly with empty snippet and zero rank. Tags for the whole
// page are attached through a single batch query.
func (idx *Index) Search(q Query) ([]Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ftsQuery := ""
	if strings.TrimSpace(q.Text) != "" {
		ftsQuery = prepareFTSQuery(q.Text)
	}

	var (
		sb   strings.Builder
		args []any
	)

	if ftsQuery != "" {
		sb.WriteString(`SELECT p.*,
			snippet(posts_fts, 2, '<<', '>>', '...', 32) AS snippet,
			bm25(posts_fts) AS rank
			FROM posts p JOIN posts_fts ON posts_fts.rowid = p.id`)
	} else {
		sb.WriteString(`SELECT p.*, '' AS snippet, 0.0 AS rank FROM posts p`)
	}

	if len(q.Tags) > 0 {
		sb.WriteString(` JOIN post_tags pt ON pt.post_id = p.id
			JOIN tags tg ON tg.id = pt.tag_id`)
	}

	sb.WriteString(" WHERE 1=1")
	if ftsQuery != "" {
		sb.WriteString(" AND posts_fts MATCH ?")
		args = append(args, ftsQuery)
	}
	if len(q.Subreddits) > 0 {
		sb.WriteString(" AND p.subreddit IN (" + placeholders(len(q.Subreddits)) + ")")
		for _, s := range q.Subreddits {
			args = append(args, s)
		}
	}
	if len(q.Authors) > 0 {
		sb.WriteString(" AND p.author IN (" + placeholders(len(q.Authors)) + ")")
		for _, a := range q.Authors {
			args = append(args, a)
		}
	}
	if len(q.Tags) > 0 {
		sb.WriteString(" AND tg.name IN (" + placeholders(len(q.Tags)) + ")")
		for _, t := range q.Tags {
			args = append(args, NormalizeTagName(t))
		}
	}
	if q.MinUpvotes > 0 {
		sb.WriteString(" AND p.upvotes >= ?")
		args = append(args, q.MinUpvotes)
	}
	if q.MaxUpvotes > 0 {
		sb.WriteString(" AND p.upvotes <= ?")
		args = append(args, q.MaxUpvotes)
	}
	if q.DateFrom > 0 {
		sb.WriteString(" AND p.created_utc >= ?")
		args = append(args, q.DateFrom)
	}
	if q.DateTo > 0 {
		sb.WriteString(" AND p.created_utc <= ?")
		args = append(args, q.DateTo)
	}

	if len(q.Tags) > 0 {
		sb.WriteString(" GROUP BY p.id")
	}

	switch {
	case q.Sort == SortUpvotes:
		sb.WriteString(" ORDER BY p.upvotes DESC, p.created_utc DESC")
	case q.Sort == SortDate:
		sb.WriteString(" ORDER BY p.created_utc DESC")
	case ftsQuery != "":
		sb.WriteString(" ORDER BY rank ASC")
	default:
		sb.WriteString(" ORDER BY p.created_utc DESC")
	}

	sb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, q.Limit, q.Offset)

	rows, err := idx.db.Queryx(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var row struct {
			Post
			Snippet string  `db:"snippet"`
			Rank    float64 `db:"rank"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, Result{Post: row.Post, Snippet: row.Snippet, Rank: row.Rank})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := idx.attachTags(results); err != nil {
		return nil, err
	}
	return results, nil
}

// attachTags loads all (post id, tag name) pairs for the page in one query
// and groups them onto the results. One query per page, never per result.
func (idx *Index) attachTags(results []Result) error {
	if len(results) == 0 {
		return nil
	}

	ids := make([]any, len(results))
	for i := range results {
		ids[i] = results[i].Post.ID
	}

	rows, err := idx.db.Query(`SELECT pt.post_id, tg.name
		FROM post_tags pt JOIN tags tg ON tg.id = pt.tag_id
		WHERE pt.post_id IN (`+placeholders(len(ids))+`)
		ORDER BY tg.name`, ids...)
	if err != nil {
		return fmt.Errorf("batch tag load: %w", err)
	}
	defer rows.Close()

	byPost := make(map[int64][]string)
	for rows.Next() {
		var postID int64
		var name string
		if err := rows.Scan(&postID, &name); err != nil {
			return err
		}
		byPost[postID] = append(byPost[postID], name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range results {
		results[i].Tags = byPost[results[i].Post.ID]
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
