package cmd

import (
	"fmt"
	"mime"
	"path"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"media-enricher/config"
	server2 "media-enricher/server"
	"media-enricher/service"
)

func ingest(config *config.Config) *cobra.Command {
	var (
		req        service.IngestRequest
		capturedAt string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "register a stored blob as a video and publish its upload event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(config)
			defer cancel()

			if capturedAt != "" {
				t, err := time.Parse(time.RFC3339, capturedAt)
				if err != nil {
					return fmt.Errorf("captured-at: %w", err)
				}
				req.CapturedAt = &t
			}
			if req.FileName == "" {
				req.FileName = path.Base(req.BlobName)
			}
			if req.ContentType == "" {
				req.ContentType = mime.TypeByExtension(path.Ext(req.BlobName))
			}
			if req.ContentType == "" {
				req.ContentType = "application/octet-stream"
			}

			repo, err := server2.NewRepository(ctx, config)
			if err != nil {
				return err
			}
			client, err := server2.NewBrokerClient(ctx, config)
			if err != nil {
				return err
			}
			defer func() {
				if err := client.Close(); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Msg("failed to close broker client")
				}
			}()

			event, err := service.NewIngestService(config.Storage, repo, client).Register(ctx, req)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(event, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.BlobName, "blob", "", "blob name in the bucket")
	flags.StringVar(&req.Title, "title", "", "video title")
	flags.StringVar(&req.Description, "description", "", "video description")
	flags.StringVar(&req.FileName, "file-name", "", "original file name, defaults to the blob base name")
	flags.StringVar(&req.ContentType, "content-type", "", "content type, guessed from the extension when empty")
	flags.StringVar(&req.OwnerID, "owner", "", "owner id")
	flags.Int64Var(&req.SizeInBytes, "size", 0, "size in bytes")
	flags.StringVar(&capturedAt, "captured-at", "", "capture time, RFC3339")
	_ = cmd.MarkFlagRequired("blob")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
