package service

import (
	"context"

	"github.com/rs/zerolog"
	"media-enricher/constant"
	"media-enricher/dto"
	"media-enricher/pkg/metrics"
	"media-enricher/repository"
)

// ProjectionService applies enrichment events to the video read model. Each
// method owns a disjoint set of columns, so they never conflict.
type ProjectionService interface {
	ApplyMetadata(ctx context.Context, event dto.MetadataExtractedEvent) (int64, error)
	ApplyThumbnail(ctx context.Context, event dto.ThumbnailGeneratedEvent) (int64, error)
}

type projectionService struct {
	repo repository.VideoRepository
}

func NewProjectionService(repo repository.VideoRepository) ProjectionService {
	return &projectionService{repo: repo}
}

func (s *projectionService) ApplyMetadata(ctx context.Context, event dto.MetadataExtractedEvent) (int64, error) {
	key := repository.VideoKey{BlobName: event.BlobName, ID: event.VideoID}
	rows, err := s.repo.UpdateVideoMetadata(ctx, key, repository.VideoMetadata{
		Width:           event.Width,
		Height:          event.Height,
		DurationSeconds: event.DurationInSeconds,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("blob_name", event.BlobName).Msg("failed to apply metadata")
		return 0, err
	}
	s.record(ctx, constant.MessageTypeMetadataExtracted, event.BlobName, rows)
	return rows, nil
}

func (s *projectionService) ApplyThumbnail(ctx context.Context, event dto.ThumbnailGeneratedEvent) (int64, error) {
	rows, err := s.repo.UpdateVideoThumbnail(ctx, event.VideoBlobName, event.ThumbnailBlobName)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("blob_name", event.VideoBlobName).Msg("failed to apply thumbnail")
		return 0, err
	}
	s.record(ctx, constant.MessageTypeThumbnailGenerated, event.VideoBlobName, rows)
	return rows, nil
}

func (s *projectionService) record(ctx context.Context, messageType constant.MessageType, blobName string, rows int64) {
	if rows == 0 {
		zerolog.Ctx(ctx).Debug().Str("blob_name", blobName).Str("message_type", messageType.String()).Msg("no video row matched, nothing updated")
		metrics.ProjectionUpdates.WithLabelValues(messageType.String(), "no_row").Inc()
		return
	}
	zerolog.Ctx(ctx).Info().Str("blob_name", blobName).Str("message_type", messageType.String()).Int64("rows", rows).Msg("projection updated")
	metrics.ProjectionUpdates.WithLabelValues(messageType.String(), "applied").Inc()
}
