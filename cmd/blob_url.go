package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"media-enricher/config"
	server2 "media-enricher/server"
	"media-enricher/service"
)

func blobURL(config *config.Config) *cobra.Command {
	var (
		expiry    time.Duration
		thumbnail bool
	)

	cmd := &cobra.Command{
		Use:   "blob-url <blob>",
		Short: "print a temporary URL for a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(config)
			defer cancel()

			name := args[0]
			if thumbnail {
				name = service.ThumbnailBlobName(name)
			}
			if expiry <= 0 {
				expiry = config.Media.URLExpiry
			}

			url, err := config.Storage.PresignedURL(ctx, name, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	cmd.Flags().DurationVar(&expiry, "expiry", 0, "URL lifetime, defaults to media.url_expiry")
	cmd.Flags().BoolVar(&thumbnail, "thumbnail", false, "sign the thumbnail derived from the video blob name")
	return cmd
}

// commandContext carries the configured logger and stops on SIGINT or SIGTERM.
func commandContext(config *config.Config) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(server2.SetupLogger(config), syscall.SIGINT, syscall.SIGTERM)
}
