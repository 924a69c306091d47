package service

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"media-enricher/constant"
	"media-enricher/dto"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/process"
	"media-enricher/pkg/storage"
)

type ThumbnailService interface {
	Process(ctx context.Context, event dto.UploadEvent) error
}

type thumbnailService struct {
	store     storage.BlobStore
	runner    ProcessRunner
	publisher broker.Publisher
	commands  MediaCommands
	timeout   time.Duration
}

func NewThumbnailService(store storage.BlobStore, runner ProcessRunner, publisher broker.Publisher, commands MediaCommands, timeout time.Duration) ThumbnailService {
	return &thumbnailService{
		store:     store,
		runner:    runner,
		publisher: publisher,
		commands:  commands,
		timeout:   timeout,
	}
}

// ThumbnailBlobName derives the thumbnail name from the source blob name:
// videos/clip.mp4 becomes thumbnails/clip_thumb.jpg.
func ThumbnailBlobName(blobName string) string {
	base := path.Base(blobName)
	base = strings.TrimSuffix(base, path.Ext(base))
	return constant.ThumbnailPrefix + base + constant.ThumbnailSuffix
}

func (s *thumbnailService) Process(ctx context.Context, event dto.UploadEvent) (err error) {
	ctx = zerolog.Ctx(ctx).With().Str("blob_name", event.BlobName).Str("video_id", event.VideoID.String()).Logger().WithContext(ctx)
	reason := "extraction_failed"
	defer func() {
		acknowledgeNonRetryable(ctx, constant.GroupThumbnailWorker, reason, &err)
	}()

	thumbnailName := ThumbnailBlobName(event.BlobName)
	zerolog.Ctx(ctx).Info().Str("thumbnail", thumbnailName).Msg("generating thumbnail")

	src, err := s.store.Open(ctx, event.BlobName)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			reason = "source_missing"
			return errors.Join(ErrNonRetryable, err)
		}
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to download source")
		return err
	}
	defer src.Close()

	_, err = s.runner.Run(ctx, process.Spec{
		Binary:    s.commands.Extractor,
		Args:      s.commands.ExtractArgs,
		Input:     src,
		InputExt:  sourceExt(event),
		OutputExt: ".jpg",
		Timeout:   s.timeout,
		HandleOutput: func(ctx context.Context, outputPath string) error {
			return s.store.PutFile(ctx, thumbnailName, outputPath, constant.ThumbnailContentType)
		},
	})
	if err != nil {
		if process.IsContentFailure(err) {
			return errors.Join(ErrNonRetryable, err)
		}
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to generate thumbnail")
		return err
	}

	err = publish(ctx, s.publisher, constant.TopicEnrichment, event.BlobName, dto.ThumbnailGeneratedEvent{
		VideoBlobName:     event.BlobName,
		ThumbnailBlobName: thumbnailName,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to publish thumbnail event")
		return err
	}

	zerolog.Ctx(ctx).Info().Str("thumbnail", thumbnailName).Msg("thumbnail generated")
	return nil
}

func sourceExt(event dto.UploadEvent) string {
	if ext := filepath.Ext(event.FileName); ext != "" {
		return ext
	}
	return path.Ext(event.BlobName)
}
