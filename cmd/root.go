// Package cmd holds the subvault command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/subvault/subvault/internal/config"
	"github.com/subvault/subvault/internal/engine"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subvault",
		Short: "Scheduled downloading and full-text search for archived reddit posts",
		Long: `subvault schedules reddit post downloads with cron expressions,
renders them to local files, and maintains a full-text search index
over the archive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "subvault.yaml", "path to config file")

	cmd.AddCommand(schedulerCmd())
	cmd.AddCommand(taskCmd())
	cmd.AddCommand(indexCmd())
	cmd.AddCommand(searchCmd())
	cmd.AddCommand(tagsCmd())
	cmd.AddCommand(storeCmd())
	return cmd
}

// Execute runs the CLI. Exit code 0 on success, 1 on error.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadEngine builds an engine from the config flag. Callers own Stop.
func loadEngine() (*engine.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	engine.SetupLogging(cfg.Logging)
	return engine.New(cfg)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}
