package index

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrInvalidTag is returned for unusable tag names or colors.
var ErrInvalidTag = errors.New("invalid tag")

var (
	tagInvalidChars = regexp.MustCompile(`[^\w-]+`)
	tagMultiUnder   = regexp.MustCompile(`_+`)
	colorRe         = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// NormalizeTagName lowercases, collapses anything outside [\w-] to "_",
// coalesces runs of "_" and trims them from the ends.
func NormalizeTagName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = tagInvalidChars.ReplaceAllString(n, "_")
	n = tagMultiUnder.ReplaceAllString(n, "_")
	return strings.Trim(n, "_")
}

// CreateTag creates a tag (or returns the existing one) by normalized name.
func (idx *Index) CreateTag(name, description, color string) (*Tag, error) {
	normalized := NormalizeTagName(name)
	if normalized == "" {
		return nil, fmt.Errorf("%w: name %q normalizes to nothing", ErrInvalidTag, name)
	}
	if color != "" && !colorRe.MatchString(color) {
		return nil, fmt.Errorf("%w: color %q is not #RRGGBB", ErrInvalidTag, color)
	}

	var tag Tag
	err := idx.WithTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`INSERT INTO tags (name, description, color)
			VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = CASE WHEN excluded.description != '' THEN excluded.description ELSE tags.description END,
				color = CASE WHEN excluded.color != '' THEN excluded.color ELSE tags.color END`,
			normalized, description, color)
		if err != nil {
			return err
		}
		return tx.Get(&tag, "SELECT id, name, description, color, usage_count FROM tags WHERE name = ?", normalized)
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// GetTag returns a tag by (normalized) name.
func (idx *Index) GetTag(name string) (*Tag, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var tag Tag
	err := idx.db.Get(&tag,
		"SELECT id, name, description, color, usage_count FROM tags WHERE name = ?",
		NormalizeTagName(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tag %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// ListTags returns all tags ordered by usage.
func (idx *Index) ListTags() ([]Tag, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var tags []Tag
	err := idx.db.Select(&tags,
		"SELECT id, name, description, color, usage_count FROM tags ORDER BY usage_count DESC, name")
	return tags, err
}

// DeleteTag removes a tag; junction rows cascade and the triggers keep the
// remaining counts intact.
func (idx *Index) DeleteTag(name string) error {
	return idx.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec("DELETE FROM tags WHERE name = ?", NormalizeTagName(name))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: tag %s", ErrNotFound, name)
		}
		return nil
	})
}

// TagPost attaches a tag to the post at filePath, creating the tag on
// demand. Idempotent per (post, tag).
func (idx *Index) TagPost(filePath, tagName string) error {
	normalized := NormalizeTagName(tagName)
	if normalized == "" {
		return fmt.Errorf("%w: name %q normalizes to nothing", ErrInvalidTag, tagName)
	}

	return idx.WithTx(func(tx *sqlx.Tx) error {
		var postID int64
		err := tx.Get(&postID, "SELECT id FROM posts WHERE file_path = ?", filePath)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec("INSERT OR IGNORE INTO tags (name) VALUES (?)", normalized); err != nil {
			return err
		}
		var tagID int64
		if err := tx.Get(&tagID, "SELECT id FROM tags WHERE name = ?", normalized); err != nil {
			return err
		}

		_, err = tx.Exec("INSERT OR IGNORE INTO post_tags (post_id, tag_id) VALUES (?, ?)", postID, tagID)
		return err
	})
}

// UntagPost detaches a tag from the post at filePath.
func (idx *Index) UntagPost(filePath, tagName string) error {
	return idx.WithTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`DELETE FROM post_tags WHERE
			post_id = (SELECT id FROM posts WHERE file_path = ?)
			AND tag_id = (SELECT id FROM tags WHERE name = ?)`,
			filePath, NormalizeTagName(tagName))
		return err
	})
}

// PostTags returns the tag names attached to the post at filePath.
func (idx *Index) PostTags(filePath string) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var names []string
	err := idx.db.Select(&names, `SELECT tg.name
		FROM post_tags pt
		JOIN tags tg ON tg.id = pt.tag_id
		JOIN posts p ON p.id = pt.post_id
		WHERE p.file_path = ?
		ORDER BY tg.name`, filePath)
	return names, err
}

// AutoTagRule maps a match condition to a tag.
type AutoTagRule struct {
	Subreddit    string // exact subreddit match (normalized case-insensitively)
	TitleKeyword string // substring match against the title, case-insensitive
	Tag          string
}

// AutoTagPost applies the rules to the post at filePath and attaches every
// matching tag. The post row is resolved with a single query by path.
func (idx *Index) AutoTagPost(filePath string, rules []AutoTagRule) ([]string, error) {
	post, err := idx.GetPostByPath(filePath)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, rule := range rules {
		if rule.Subreddit != "" && !strings.EqualFold(rule.Subreddit, post.Subreddit) {
			continue
		}
		if rule.TitleKeyword != "" &&
			!strings.Contains(strings.ToLower(post.Title), strings.ToLower(rule.TitleKeyword)) {
			continue
		}
		if err := idx.TagPost(filePath, rule.Tag); err != nil {
			return applied, err
		}
		applied = append(applied, NormalizeTagName(rule.Tag))
	}
	return applied, nil
}
