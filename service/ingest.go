package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-enricher/constant"
	"media-enricher/dto"
	"media-enricher/entities"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/storage"
	"media-enricher/repository"
)

var ErrSourceMissing = errors.New("source blob does not exist")

// IngestRequest registers a blob that is already in the store.
type IngestRequest struct {
	BlobName    string
	Title       string
	Description string
	FileName    string
	ContentType string
	OwnerID     string
	SizeInBytes int64
	CapturedAt  *time.Time
}

type IngestService interface {
	Register(ctx context.Context, req IngestRequest) (*dto.UploadEvent, error)
}

type ingestService struct {
	store     storage.BlobStore
	repo      repository.VideoRepository
	publisher broker.Publisher
}

func NewIngestService(store storage.BlobStore, repo repository.VideoRepository, publisher broker.Publisher) IngestService {
	return &ingestService{store: store, repo: repo, publisher: publisher}
}

// Register creates the video row and publishes its upload event. Running it
// twice for the same blob republishes the stored row's event, which the
// workers tolerate.
func (s *ingestService) Register(ctx context.Context, req IngestRequest) (*dto.UploadEvent, error) {
	ok, err := s.store.Exists(ctx, req.BlobName)
	if err != nil {
		return nil, fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, req.BlobName)
	}

	now := time.Now().UTC()
	asset := &entities.VideoAsset{
		ID:          uuid.New(),
		BlobName:    req.BlobName,
		Title:       req.Title,
		Description: req.Description,
		CapturedAt:  req.CapturedAt,
		OwnerID:     req.OwnerID,
		ContentType: req.ContentType,
		SizeInBytes: req.SizeInBytes,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateVideoAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("create video asset: %w", err)
	}
	// The row may predate this call, so the event describes what is stored.
	stored, err := s.repo.FindVideoAsset(ctx, req.BlobName)
	if err != nil {
		return nil, fmt.Errorf("load video asset: %w", err)
	}

	event := dto.UploadEvent{
		VideoID:     stored.ID,
		BlobName:    stored.BlobName,
		Title:       stored.Title,
		Description: stored.Description,
		FileName:    req.FileName,
		ContentType: stored.ContentType,
		OwnerID:     stored.OwnerID,
		SizeInBytes: stored.SizeInBytes,
		UploadedAt:  stored.UploadedAt,
	}
	if err := publish(ctx, s.publisher, constant.TopicUploads, event.BlobName, event); err != nil {
		return nil, fmt.Errorf("publish upload event: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("blob_name", event.BlobName).Str("video_id", event.VideoID.String()).Msg("upload registered")
	return &event, nil
}
