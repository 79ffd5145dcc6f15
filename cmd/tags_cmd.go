package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/subvault/subvault/internal/index"
)

func tagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage post tags",
	}
	cmd.AddCommand(tagsListCmd())
	cmd.AddCommand(tagsCreateCmd())
	cmd.AddCommand(tagsDeleteCmd())
	cmd.AddCommand(tagsApplyCmd())
	cmd.AddCommand(tagsRemoveCmd())
	cmd.AddCommand(tagsAutoCmd())
	return cmd
}

func tagsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tags by usage",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			tags, err := eng.Index.ListTags()
			if err != nil {
				fatal(err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tUSES\tCOLOR\tDESCRIPTION")
			for _, t := range tags {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", t.Name, t.UsageCount, t.Color, t.Description)
			}
			w.Flush()
		},
	}
}

func tagsCreateCmd() *cobra.Command {
	var description, color string
	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a tag",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			tag, err := eng.Index.CreateTag(args[0], description, color)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Created tag %s\n", tag.Name)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "tag description")
	cmd.Flags().StringVar(&color, "color", "", "tag color (#RRGGBB)")
	return cmd
}

func tagsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a tag and detach it from every post",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			if err := eng.Index.DeleteTag(args[0]); err != nil {
				fatal(err)
			}
			fmt.Printf("Deleted tag %s\n", args[0])
		},
	}
}

func tagsApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [filePath] [tag...]",
		Short: "Attach tags to an indexed post",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			for _, tag := range args[1:] {
				if err := eng.Index.TagPost(args[0], tag); err != nil {
					fatal(err)
				}
			}
			fmt.Printf("Tagged %s with %d tag(s)\n", args[0], len(args)-1)
		},
	}
}

func tagsAutoCmd() *cobra.Command {
	var (
		subreddit string
		keyword   string
		tag       string
	)
	cmd := &cobra.Command{
		Use:   "auto [filePath...]",
		Short: "Apply a tagging rule to indexed posts",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			rules := []index.AutoTagRule{{
				Subreddit:    subreddit,
				TitleKeyword: keyword,
				Tag:          tag,
			}}
			tagged := 0
			for _, path := range args {
				applied, err := eng.Index.AutoTagPost(path, rules)
				if err != nil {
					fatal(err)
				}
				tagged += len(applied)
			}
			fmt.Printf("Applied %d tag(s) across %d post(s)\n", tagged, len(args))
		},
	}
	cmd.Flags().StringVar(&subreddit, "subreddit", "", "match posts from this subreddit")
	cmd.Flags().StringVar(&keyword, "keyword", "", "match posts whose title contains this")
	cmd.Flags().StringVar(&tag, "tag", "", "tag to attach on match")
	cmd.MarkFlagRequired("tag")
	return cmd
}

func tagsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [filePath] [tag]",
		Short: "Detach a tag from a post",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			if err := eng.Index.UntagPost(args[0], args[1]); err != nil {
				fatal(err)
			}
			fmt.Printf("Removed %s from %s\n", args[1], args[0])
		},
	}
}
