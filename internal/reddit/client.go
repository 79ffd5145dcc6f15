package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultUserAgent = "subvault/1.0 (archive indexer)"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 10 << 20
)

// Client fetches posts and listings from reddit's public JSON endpoints.
// Rate limiting and caching are the caller's concern.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient builds a client. A nil http.Client gets a 30s-timeout default.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{http: hc, userAgent: defaultUserAgent}
}

// listing mirrors the slice of reddit's listing JSON we read.
type listing struct {
	Data struct {
		Children []struct {
			Data postData `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type postData struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit_name_prefixed"`
	Permalink   string  `json:"permalink"`
	SelfText    string  `json:"selftext"`
	Body        string  `json:"body"` // comments carry body, posts selftext
	Ups         int     `json:"ups"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
}

// ResolveURLs lists the newest post URLs for a subreddit.
func (c *Client) ResolveURLs(ctx context.Context, subreddit string, limit int) ([]string, error) {
	sub := strings.TrimPrefix(subreddit, "r/")
	url := fmt.Sprintf("https://www.reddit.com/r/%s/new.json?limit=%d", sub, limit)

	raw, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var l listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse listing for r/%s: %w", sub, err)
	}

	urls := make([]string, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Data.Permalink == "" {
			continue
		}
		urls = append(urls, "https://www.reddit.com"+child.Data.Permalink)
	}
	return urls, nil
}

// FetchPost retrieves one post. Reddit serves a post page as a two-element
// array of listings; the first carries the post itself.
func (c *Client) FetchPost(ctx context.Context, postURL string) (*Post, error) {
	raw, err := c.get(ctx, strings.TrimSuffix(postURL, "/")+".json")
	if err != nil {
		return nil, err
	}

	var page []listing
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("parse post %s: %w", postURL, err)
	}
	if len(page) == 0 || len(page[0].Data.Children) == 0 {
		return nil, fmt.Errorf("empty post payload for %s", postURL)
	}

	d := page[0].Data.Children[0].Data
	post := &Post{
		ID:         d.ID,
		Title:      d.Title,
		Author:     d.Author,
		Subreddit:  d.Subreddit,
		URL:        postURL,
		SelfText:   d.SelfText,
		Upvotes:    d.Ups,
		ReplyCount: d.NumComments,
		CreatedUTC: int64(d.CreatedUTC),
	}

	// Top-level comments ride in the second listing when present.
	if len(page) > 1 {
		for _, child := range page[1].Data.Children {
			cd := child.Data
			if cd.Author == "" {
				continue
			}
			post.Replies = append(post.Replies, Reply{
				Author: cd.Author,
				Body:   cd.Body,
				Score:  cd.Ups,
			})
		}
	}
	return post, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
