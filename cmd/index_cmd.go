package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/subvault/subvault/internal/indexer"
)

func indexCmd() *cobra.Command {
	var (
		force bool
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "index [root...]",
		Short: "Index rendered post files into the search database",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			roots := args
			if len(roots) == 0 {
				roots = eng.Cfg.Indexer.Roots
			}
			if len(roots) == 0 {
				roots = []string{eng.Cfg.Executor.OutputDir}
			}
			eng.Cfg.Indexer.Roots = roots

			if force {
				eng.Indexer = indexer.New(eng.Index, indexer.Options{
					Extensions: eng.Cfg.Indexer.Extensions,
					Recursive:  eng.Cfg.Indexer.Recursive,
					Workers:    eng.Cfg.Indexer.Workers,
					BatchSize:  eng.Cfg.Indexer.BatchSize,
					Force:      true,
					Progress:   printProgress,
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stats, err := eng.IndexRoots(ctx)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("indexed=%d updated=%d skipped=%d failed=%d deleted=%d\n",
				stats.Indexed, stats.Updated, stats.Skipped, stats.Failed, stats.Deleted)

			if watch {
				w, err := indexer.NewWatcher(eng.Indexer, roots)
				if err != nil {
					fatal(err)
				}
				if err := w.Start(ctx); err != nil {
					fatal(err)
				}
				defer w.Stop()
				fmt.Println("watching for changes, press Ctrl-C to stop")
				<-ctx.Done()
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reindex even when files look unchanged")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the roots for changes")
	return cmd
}

func printProgress(p indexer.Progress) {
	fmt.Printf("\r%d/%d (%.0f%%) %.0f files/s eta %.0fs   ",
		p.Processed, p.Total, p.Percent, p.Rate, p.ETASeconds)
	if p.Percent >= 100 {
		fmt.Println()
	}
}
