package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"media-enricher/entities"
)

var ErrVideoNotFound = errors.New("video asset not found")

type VideoRepository interface {
	CreateVideoAsset(ctx context.Context, asset *entities.VideoAsset) error
	UpdateVideoMetadata(ctx context.Context, key VideoKey, metadata VideoMetadata) (int64, error)
	UpdateVideoThumbnail(ctx context.Context, videoBlobName, thumbnailBlobName string) (int64, error)
	FindVideoEnrichment(ctx context.Context, blobName string) (*VideoEnrichment, error)
	FindVideoAsset(ctx context.Context, blobName string) (*entities.VideoAsset, error)
}

// VideoKey addresses a video row by blob name, falling back to the id.
type VideoKey struct {
	BlobName string
	ID       uuid.UUID
}

type VideoMetadata struct {
	Width           int32
	Height          int32
	DurationSeconds float64
}

// VideoEnrichment is the typed view of the enrichment columns, which are null
// until the corresponding event was applied.
type VideoEnrichment struct {
	ID                uuid.UUID
	BlobName          string
	ContentType       string
	Width             sql.NullInt32
	Height            sql.NullInt32
	DurationSeconds   sql.NullFloat64
	ThumbnailBlobName sql.NullString
	UpdatedAt         time.Time
}

// CreateVideoAsset inserts the row, leaving an existing row with the same blob name untouched.
func (r *repo) CreateVideoAsset(ctx context.Context, asset *entities.VideoAsset) error {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "blob_name"}}, DoNothing: true}).
		Create(asset).Error
}

func (r *repo) UpdateVideoMetadata(ctx context.Context, key VideoKey, metadata VideoMetadata) (int64, error) {
	updates := map[string]interface{}{
		"width":            metadata.Width,
		"height":           metadata.Height,
		"duration_seconds": metadata.DurationSeconds,
		"updated_at":       time.Now().UTC(),
	}
	return r.updateVideo(ctx, key, updates)
}

func (r *repo) UpdateVideoThumbnail(ctx context.Context, videoBlobName, thumbnailBlobName string) (int64, error) {
	updates := map[string]interface{}{
		"thumbnail_blob_name": thumbnailBlobName,
		"updated_at":          time.Now().UTC(),
	}
	return r.updateVideo(ctx, VideoKey{BlobName: videoBlobName}, updates)
}

// updateVideo patches only the given columns. A missing row affects zero rows and is not an error.
func (r *repo) updateVideo(ctx context.Context, key VideoKey, updates map[string]interface{}) (int64, error) {
	query := r.db.WithContext(ctx).Model(&entities.VideoAsset{})
	switch {
	case key.BlobName != "":
		query = query.Where("blob_name = ?", key.BlobName)
	case key.ID != uuid.Nil:
		query = query.Where("id = ?", key.ID)
	default:
		return 0, errors.New("video key requires a blob name or id")
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) FindVideoAsset(ctx context.Context, blobName string) (*entities.VideoAsset, error) {
	var asset entities.VideoAsset
	err := r.db.WithContext(ctx).Where("blob_name = ?", blobName).Take(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *repo) FindVideoEnrichment(ctx context.Context, blobName string) (*VideoEnrichment, error) {
	var row VideoEnrichment
	err := r.db.WithContext(ctx).
		Model(&entities.VideoAsset{}).
		Select("id", "blob_name", "content_type", "width", "height", "duration_seconds", "thumbnail_blob_name", "updated_at").
		Where("blob_name = ?", blobName).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
