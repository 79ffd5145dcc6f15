// Package reddit holds the thin boundary to the outside world: URL and
// post-id handling, the fetcher and renderer contracts the executor drives,
// and the rendered-file format the indexer parses back.
package reddit

import (
	"context"
	"crypto/md5"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Format selects the rendered output flavor.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// Post is the fetched payload the renderer consumes.
type Post struct {
	ID         string
	Title      string
	Author     string
	Subreddit  string
	URL        string
	SelfText   string
	Upvotes    int
	ReplyCount int
	CreatedUTC int64
	Replies    []Reply
}

// Reply is one comment under a post.
type Reply struct {
	Author string
	Body   string
	Score  int
}

// URLResolver lists candidate post URLs for a subreddit, newest first.
type URLResolver interface {
	ResolveURLs(ctx context.Context, subreddit string, limit int) ([]string, error)
}

// PostFetcher retrieves the full post for a normalized URL.
type PostFetcher interface {
	FetchPost(ctx context.Context, postURL string) (*Post, error)
}

// Renderer turns a fetched post into file content.
type Renderer interface {
	Render(post *Post, format Format) (string, error)
}

var (
	commentsIDRe = regexp.MustCompile(`/comments/([a-zA-Z0-9]+)/?`)
	shortIDRe    = regexp.MustCompile(`redd\.it/([a-zA-Z0-9]+)/?`)
)

// PostIDFromURL extracts the reddit post id from a URL. Recognizes the
// /comments/<id>/ and redd.it/<id> shapes; anything else falls back to a
// 12-char MD5 of the URL so every URL still yields a stable id.
func PostIDFromURL(postURL string) string {
	if m := commentsIDRe.FindStringSubmatch(postURL); m != nil {
		return m[1]
	}
	if m := shortIDRe.FindStringSubmatch(postURL); m != nil {
		return m[1]
	}
	sum := md5.Sum([]byte(postURL))
	return fmt.Sprintf("%x", sum)[:12]
}

// NormalizeURL lowercases the host, strips fragments and trailing slashes
// and upgrades the scheme to https.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// ValidateURL accepts only reddit post URLs the fetcher can serve.
func ValidateURL(postURL string) error {
	u, err := url.Parse(postURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Host)
	if host != "redd.it" && !strings.HasSuffix(host, "reddit.com") {
		return fmt.Errorf("not a reddit host: %s", host)
	}
	return nil
}
