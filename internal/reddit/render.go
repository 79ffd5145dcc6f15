package reddit

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// MarkdownRenderer writes the rendered post file format the indexer reads
// back. HTML output is derived from the markdown output.
type MarkdownRenderer struct{}

func (MarkdownRenderer) Render(post *Post, format Format) (string, error) {
	md := renderMarkdown(post)
	switch format {
	case FormatMarkdown, "":
		return md, nil
	case FormatHTML:
		return markdownToHTML(md), nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}

func renderMarkdown(post *Post) string {
	var sb strings.Builder
	ts := time.Unix(post.CreatedUTC, 0).UTC().Format("2006-01-02 15:04:05")

	fmt.Fprintf(&sb, "**%s** | Posted by u/%s ⬆️ %s _( %s )_\n",
		post.Subreddit, post.Author, formatUpvotes(post.Upvotes), ts)
	fmt.Fprintf(&sb, "## %s\n", post.Title)
	fmt.Fprintf(&sb, "Original post: [%s](%s)\n\n", post.URL, post.URL)

	if post.SelfText != "" {
		sb.WriteString(post.SelfText)
		sb.WriteString("\n\n")
	}
	for _, r := range post.Replies {
		fmt.Fprintf(&sb, "> u/%s (%d): %s\n", r.Author, r.Score, r.Body)
	}
	fmt.Fprintf(&sb, "\n💬 ~ %d replies\n", post.ReplyCount)
	return sb.String()
}

// formatUpvotes uses the compact k notation above 10000, matching what the
// header parser accepts.
func formatUpvotes(n int) string {
	if n >= 10000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func markdownToHTML(md string) string {
	var sb strings.Builder
	sb.WriteString("<html><body>\n")
	for _, line := range strings.Split(md, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			fmt.Fprintf(&sb, "<h2>%s</h2>\n", html.EscapeString(strings.TrimPrefix(line, "## ")))
		case strings.HasPrefix(line, "> "):
			fmt.Fprintf(&sb, "<blockquote>%s</blockquote>\n", html.EscapeString(strings.TrimPrefix(line, "> ")))
		case line == "":
			sb.WriteString("<br>\n")
		default:
			fmt.Fprintf(&sb, "<p>%s</p>\n", html.EscapeString(line))
		}
	}
	sb.WriteString("</body></html>\n")
	return sb.String()
}
