package reddit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_ResolveURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); !strings.Contains(got, "subvault") {
			t.Errorf("user agent = %q", got)
		}
		w.Write([]byte(`{"data":{"children":[
			{"data":{"permalink":"/r/golang/comments/abc123/title_one/"}},
			{"data":{"permalink":"/r/golang/comments/def456/title_two/"}},
			{"data":{}}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	// Point the request at the test server by rewriting through a transport.
	c.http.Transport = rewriteHost(srv)

	urls, err := c.ResolveURLs(context.Background(), "r/golang", 10)
	if err != nil {
		t.Fatalf("ResolveURLs: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("urls = %v", urls)
	}
	if urls[0] != "https://www.reddit.com/r/golang/comments/abc123/title_one/" {
		t.Errorf("url[0] = %q", urls[0])
	}
}

func TestClient_FetchPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".json") {
			t.Errorf("path %q missing .json suffix", r.URL.Path)
		}
		w.Write([]byte(`[
			{"data":{"children":[{"data":{
				"id":"abc123","title":"A Title","author":"gopher",
				"subreddit_name_prefixed":"r/golang","selftext":"body text",
				"ups":42,"num_comments":2,"created_utc":1700000000.0}}]}},
			{"data":{"children":[
				{"data":{"author":"alice","body":"first!","ups":3}},
				{"data":{"author":"","body":"deleted"}}
			]}}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	c.http.Transport = rewriteHost(srv)

	post, err := c.FetchPost(context.Background(), "https://www.reddit.com/r/golang/comments/abc123/a_title/")
	if err != nil {
		t.Fatalf("FetchPost: %v", err)
	}
	if post.ID != "abc123" || post.Title != "A Title" || post.Upvotes != 42 {
		t.Errorf("post = %+v", post)
	}
	if post.CreatedUTC != 1700000000 {
		t.Errorf("created = %d", post.CreatedUTC)
	}
	if len(post.Replies) != 1 || post.Replies[0].Body != "first!" {
		t.Errorf("replies = %+v", post.Replies)
	}
}

func TestClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	c.http.Transport = rewriteHost(srv)

	if _, err := c.FetchPost(context.Background(), "https://www.reddit.com/r/x/comments/y/z/"); err == nil {
		t.Error("429 should surface as an error")
	}
}

// rewriteHost redirects every request to the test server regardless of the
// URL's host.
func rewriteHost(srv *httptest.Server) http.RoundTripper {
	target := srv.Listener.Addr().String()
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req = req.Clone(req.Context())
		req.URL.Scheme = "http"
		req.URL.Host = target
		return http.DefaultTransport.RoundTrip(req)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
