package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/subvault/subvault/internal/config"
	"github.com/subvault/subvault/internal/engine"
	"github.com/subvault/subvault/internal/store"
)

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				fatal(err)
			}

			// Logging changes apply live; everything else needs a restart.
			if cw, err := config.NewWatcher(configPath); err == nil {
				cw.OnChange(func(cfg *config.Config) {
					engine.SetupLogging(cfg.Logging)
				})
				if err := cw.Start(); err == nil {
					defer cw.Stop()
				}
			}

			fmt.Println("scheduler running, press Ctrl-C to stop")
			<-ctx.Done()
			fmt.Println("shutting down...")
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled download tasks",
	}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskRemoveCmd())
	cmd.AddCommand(taskToggleCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var (
		name     string
		cron     string
		subs     []string
		maxPosts int
		timeout  int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled task",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			task := &store.ScheduledTask{
				ID:                   uuid.NewString()[:8],
				Name:                 name,
				CronExpression:       cron,
				Subreddits:           subs,
				Enabled:              true,
				MaxPostsPerSubreddit: maxPosts,
				RetryCount:           3,
				RetryDelaySeconds:    60,
				TimeoutSeconds:       timeout,
				CreatedAt:            time.Now().UTC(),
			}
			if err := eng.Scheduler.AddTask(task); err != nil {
				fatal(err)
			}
			fmt.Printf("Added task %s (%s), next run %s\n",
				task.ID, task.Name, task.NextRun.Format(time.RFC3339))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&cron, "cron", "@daily", "cron expression")
	cmd.Flags().StringSliceVar(&subs, "subreddits", nil, "subreddits to download (comma separated)")
	cmd.Flags().IntVar(&maxPosts, "max-posts", 25, "max posts per subreddit per run")
	cmd.Flags().IntVar(&timeout, "timeout", 300, "execution timeout in seconds")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("subreddits")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			tasks, err := eng.Store.ListTasks()
			if err != nil {
				fatal(err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCRON\tSUBREDDITS\tENABLED\tNEXT RUN\tLAST STATUS")
			for _, t := range tasks {
				next, status := "-", "-"
				if t.NextRun != nil {
					next = t.NextRun.Format(time.RFC3339)
				}
				if t.LastResult != nil {
					status = string(t.LastResult.Status)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					t.ID, t.Name, t.CronExpression,
					strings.Join(t.Subreddits, ","), t.Enabled, next, status)
			}
			w.Flush()
		},
	}
}

func taskRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [taskId]",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			if err := eng.Store.DeleteTask(args[0]); err != nil {
				fatal(err)
			}
			fmt.Printf("Removed task %s\n", args[0])
		},
	}
}

func taskToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [taskId] [on|off]",
		Short: "Enable or disable a task",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			eng, err := loadEngine()
			if err != nil {
				fatal(err)
			}
			defer eng.Stop()

			enabled := args[1] == "on" || args[1] == "true" || args[1] == "1"
			if err := eng.Store.SetTaskEnabled(args[0], enabled); err != nil {
				fatal(err)
			}
			fmt.Printf("Task %s enabled=%t\n", args[0], enabled)
		},
	}
}
