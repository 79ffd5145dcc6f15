package indexer

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotRedditExport marks files that are readable but not rendered posts.
var ErrNotRedditExport = errors.New("not a rendered reddit post")

// ErrBadEncoding marks files that are not valid UTF-8 text, including any
// embedded null byte.
var ErrBadEncoding = errors.New("file is not valid UTF-8 text")

var (
	headerRe  = regexp.MustCompile(`^\*\*(r/[\w]+|[\w]+)\*\* \| Posted by u/([\w\-]+)`)
	upvotesRe = regexp.MustCompile(`⬆️\s*([\d.]+)(k?)`)
	stampRe   = regexp.MustCompile(`_\(\s*(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\s*\)_`)
	titleRe   = regexp.MustCompile(`^## (.+)$`)
	urlRe     = regexp.MustCompile(`Original post: \[[^\]]*\]\(([^)]+)\)`)
	repliesRe = regexp.MustCompile(`💬\s*~\s*(\d+)\s+repl`)

	mdLink   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdMarkup = regexp.MustCompile("[*_`]+")
	mdQuote  = regexp.MustCompile(`(?m)^>\s?`)
)

const (
	sniffLines = 10
	previewLen = 200
)

// Metadata is everything parsed from a rendered post file header and body.
type Metadata struct {
	Subreddit  string
	Author     string
	Title      string
	URL        string
	Upvotes    int
	ReplyCount int
	CreatedUTC int64
	Preview    string
}

// IsRedditExport sniffs the header shape: the byline and the title heading
// must both appear within the first 10 lines. The trailing reply-count line
// sits at the end of real exports, so it does not gate the sniff.
func IsRedditExport(content string) bool {
	lines := strings.SplitN(content, "\n", sniffLines+1)
	if len(lines) > sniffLines {
		lines = lines[:sniffLines]
	}
	var byline, title bool
	for _, l := range lines {
		if headerRe.MatchString(l) {
			byline = true
		}
		if titleRe.MatchString(l) {
			title = true
		}
	}
	return byline && title
}

// Parse extracts the post metadata from rendered file content.
func Parse(content string) (*Metadata, error) {
	if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
		return nil, ErrBadEncoding
	}
	if !IsRedditExport(content) {
		return nil, ErrNotRedditExport
	}

	meta := &Metadata{}
	lines := strings.Split(content, "\n")
	bodyStart := 0

	for i, line := range lines {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			meta.Subreddit = m[1]
			meta.Author = m[2]
			if u := upvotesRe.FindStringSubmatch(line); u != nil {
				meta.Upvotes = parseUpvotes(u[1], u[2] == "k")
			}
			if s := stampRe.FindStringSubmatch(line); s != nil {
				if t, err := time.Parse("2006-01-02 15:04:05", s[1]); err == nil {
					meta.CreatedUTC = t.UTC().Unix()
				}
			}
			continue
		}
		if m := titleRe.FindStringSubmatch(line); m != nil && meta.Title == "" {
			meta.Title = strings.TrimSpace(m[1])
			continue
		}
		if m := urlRe.FindStringSubmatch(line); m != nil && meta.URL == "" {
			meta.URL = m[1]
			bodyStart = i + 1
			continue
		}
		if m := repliesRe.FindStringSubmatch(line); m != nil {
			meta.ReplyCount, _ = strconv.Atoi(m[1])
		}
	}

	meta.Preview = preview(lines, bodyStart)
	return meta, nil
}

func parseUpvotes(num string, kilo bool) int {
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if kilo {
		f *= 1000
	}
	return int(f)
}

// preview strips markdown noise from the body and keeps the first ~200
// characters, cut at a rune boundary.
func preview(lines []string, bodyStart int) string {
	var body []string
	for _, line := range lines[min(bodyStart, len(lines)):] {
		if repliesRe.MatchString(line) || headerRe.MatchString(line) || titleRe.MatchString(line) {
			continue
		}
		body = append(body, mdQuote.ReplaceAllString(line, ""))
	}

	text := strings.Join(body, " ")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdMarkup.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")

	if len(text) <= previewLen {
		return text
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
