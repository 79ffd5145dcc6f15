package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/subvault/subvault/internal/index"
)

func searchCmd() *cobra.Command {
	var (
		subreddits []string
		authors    []string
		tags       []string
		minUpvotes int
		maxUpvotes int
		sort       string
		limit      int
		offset     int
		stream     bool
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search the post index",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			q := index.Query{
				Subreddits: subreddits,
				Authors:    authors,
				Tags:       tags,
				MinUpvotes: minUpvotes,
				MaxUpvotes: maxUpvotes,
				Sort:       sort,
				Limit:      limit,
				Offset:     offset,
			}
			if len(args) == 1 {
				q.Text = args[0]
			}

			var results []index.Result
			if stream {
				s, err := eng.Index.SearchStream(q, 0)
				if err != nil {
					fatal(err)
				}
				for {
					page, err := s.Next()
					if err != nil {
						fatal(err)
					}
					if page == nil {
						break
					}
					printResults(page, jsonOut)
					results = append(results, page...)
				}
				fmt.Fprintf(os.Stderr, "%d results\n", len(results))
				return
			}

			results, err = eng.Search(q)
			if err != nil {
				fatal(err)
			}
			printResults(results, jsonOut)
			fmt.Fprintf(os.Stderr, "%d results\n", len(results))
		},
	}
	cmd.Flags().StringSliceVar(&subreddits, "subreddit", nil, "filter by subreddit")
	cmd.Flags().StringSliceVar(&authors, "author", nil, "filter by author")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag")
	cmd.Flags().IntVar(&minUpvotes, "min-upvotes", 0, "minimum upvotes")
	cmd.Flags().IntVar(&maxUpvotes, "max-upvotes", 0, "maximum upvotes")
	cmd.Flags().StringVar(&sort, "sort", "", "sort: relevance, date or upvotes")
	cmd.Flags().IntVar(&limit, "limit", 50, "result limit")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream results in batches")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func printResults(results []index.Result, jsonOut bool) {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range results {
			enc.Encode(r)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range results {
		created := time.Unix(r.Post.CreatedUTC, 0).UTC().Format("2006-01-02")
		fmt.Fprintf(w, "%s\t%s\t⬆%d\t%s\t%s\n",
			r.Post.Subreddit, created, r.Post.Upvotes, r.Post.Title, r.Snippet)
	}
	w.Flush()
}
