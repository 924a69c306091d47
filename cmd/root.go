package cmd

import (
	"github.com/spf13/cobra"
	"media-enricher/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "media-enricher",
		Short:         "media enrichment workers and identity sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(worker(config))
	rootCmd.AddCommand(ingest(config))
	rootCmd.AddCommand(blobURL(config))
	return rootCmd
}
