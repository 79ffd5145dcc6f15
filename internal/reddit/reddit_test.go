package reddit

import (
	"strings"
	"testing"
)

func TestPostIDFromURL(t *testing.T) {
	cases := []struct{ url, want string }{
		{"https://www.reddit.com/r/golang/comments/abc123/some_title/", "abc123"},
		{"https://reddit.com/r/golang/comments/xYz789", "xYz789"},
		{"https://redd.it/q1w2e3", "q1w2e3"},
	}
	for _, c := range cases {
		if got := PostIDFromURL(c.url); got != c.want {
			t.Errorf("PostIDFromURL(%q) = %q, want %q", c.url, got, c.want)
		}
	}

	// Unrecognized shapes get a stable 12-char digest.
	id1 := PostIDFromURL("https://example.com/whatever")
	id2 := PostIDFromURL("https://example.com/whatever")
	if id1 != id2 || len(id1) != 12 {
		t.Errorf("fallback id not stable 12-char: %q vs %q", id1, id2)
	}
}

func TestNormalizeURL(t *testing.T) {
	got, err := NormalizeURL(" http://WWW.Reddit.com/r/golang/comments/abc/#frag ")
	if err != nil {
		t.Fatalf("NormalizeURL: %v", err)
	}
	want := "https://www.reddit.com/r/golang/comments/abc"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := NormalizeURL("ftp://reddit.com/x"); err == nil {
		t.Error("ftp scheme should be rejected")
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("https://old.reddit.com/r/golang/comments/abc/"); err != nil {
		t.Errorf("reddit host rejected: %v", err)
	}
	if err := ValidateURL("https://evil.example.com/r/golang"); err == nil {
		t.Error("non-reddit host accepted")
	}
}

func TestRenderMarkdownHeaderShape(t *testing.T) {
	post := &Post{
		ID:         "abc123",
		Title:      "Go generics in practice",
		Author:     "gopher",
		Subreddit:  "r/golang",
		URL:        "https://reddit.com/r/golang/comments/abc123/",
		SelfText:   "Some body text.",
		Upvotes:    1234,
		ReplyCount: 7,
		CreatedUTC: 1718445000,
	}
	out, err := MarkdownRenderer{}.Render(post, FormatMarkdown)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	lines := strings.Split(out, "\n")
	if !strings.HasPrefix(lines[0], "**r/golang** | Posted by u/gopher ⬆️ 1234 _( ") {
		t.Errorf("header line = %q", lines[0])
	}
	if lines[1] != "## Go generics in practice" {
		t.Errorf("title line = %q", lines[1])
	}
	if !strings.Contains(out, "💬 ~ 7 replies") {
		t.Error("reply line missing")
	}
}

func TestFormatUpvotesKNotation(t *testing.T) {
	if got := formatUpvotes(15300); got != "15.3k" {
		t.Errorf("formatUpvotes(15300) = %q", got)
	}
	if got := formatUpvotes(950); got != "950" {
		t.Errorf("formatUpvotes(950) = %q", got)
	}
}

func TestRenderHTMLDerivedFromMarkdown(t *testing.T) {
	post := &Post{Title: "T <b>", Author: "a", Subreddit: "r/x", URL: "u", ReplyCount: 0}
	out, err := MarkdownRenderer{}.Render(post, FormatHTML)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "<h2>T &lt;b&gt;</h2>") {
		t.Errorf("title not escaped into h2: %s", out)
	}
}
