package entities

import (
	"time"

	"github.com/google/uuid"
)

// VideoAsset is the read model row. Width, Height, DurationSeconds and
// ThumbnailBlobName stay nil until the matching enrichment event is applied.
type VideoAsset struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	BlobName          string     `json:"blob_name" gorm:"uniqueIndex;not null"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	CapturedAt        *time.Time `json:"captured_at"`
	OwnerID           string     `json:"owner_id" gorm:"index"`
	ContentType       string     `json:"content_type"`
	SizeInBytes       int64      `json:"size_in_bytes"`
	UploadedAt        time.Time  `json:"uploaded_at"`
	Width             *int32     `json:"width"`
	Height            *int32     `json:"height"`
	DurationSeconds   *float64   `json:"duration_seconds"`
	ThumbnailBlobName *string    `json:"thumbnail_blob_name"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (VideoAsset) TableName() string {
	return "video_assets"
}
