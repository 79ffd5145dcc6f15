package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the databases",
	}
	cmd.AddCommand(storeStatsCmd())
	cmd.AddCommand(storeCleanupCmd())
	cmd.AddCommand(storeCheckCmd())
	cmd.AddCommand(storeRepairCmd())
	return cmd
}

func storeStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show download history and index statistics",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			stats, err := eng.Store.Stats()
			if err != nil {
				fatal(err)
			}
			posts, err := eng.Index.PostCount()
			if err != nil {
				fatal(err)
			}

			fmt.Printf("tasks:       %d enabled, %d disabled\n", stats.TasksEnabled, stats.TasksDisabled)
			fmt.Printf("downloads:   %d total, %d unique posts, %d subreddits\n",
				stats.TotalDownloads, stats.UniquePosts, stats.UniqueSubreddits)
			fmt.Printf("last 7 days: %d downloads\n", stats.RecentDownloads)
			fmt.Printf("index:       %d posts\n", posts)

			cs := eng.SearchCacheStats()
			fmt.Printf("search cache: %d entries, %.0f%% hit rate\n", cs.Entries, cs.HitRate*100)
		},
	}
}

func storeCleanupCmd() *cobra.Command {
	var days, batch int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old download history",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			deleted, err := eng.Store.CleanupOldHistory(days, batch)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Deleted %d records older than %d days\n", deleted, days)
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "keep records newer than this many days")
	cmd.Flags().IntVar(&batch, "batch", 500, "delete in batches of this size (0 = one statement)")
	return cmd
}

func storeCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run integrity checks on both databases",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			sr, err := eng.Store.IntegrityCheck()
			if err != nil {
				fatal(err)
			}
			fmt.Printf("state store:  ok=%t check=%q orphaned=%d fk_errors=%d\n",
				sr.OK, sr.CheckResult, sr.OrphanedRows, len(sr.ForeignKeyErrors))

			ir, err := eng.Index.IntegrityCheck()
			if err != nil {
				fatal(err)
			}
			fmt.Printf("search index: ok=%t check=%q orphaned_fts=%d fk_errors=%d\n",
				ir.OK, ir.CheckResult, ir.OrphanedFTSRows, len(ir.ForeignKeyErrors))

			if !sr.OK || !ir.OK {
				fatal(fmt.Errorf("integrity problems found; run 'subvault store repair'"))
			}
		},
	}
}

func storeRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Repair the search index",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			report, err := eng.Index.Repair()
			if err != nil {
				fatal(err)
			}
			fmt.Printf("orphans deleted=%d shadows restored=%d tags reconciled=%d\n",
				report.OrphansDeleted, report.ShadowsRestored, report.TagsReconciled)
		},
	}
}
