package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallery-engine",
		Short: "Scrape orchestration engine for the template gallery.",
		Long: `gallery-engine discovers template pages from the gallery sitemap,
captures stable screenshots through a shared browser pool and persists the
results in resumable batched sessions.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())

	return cmd
}
