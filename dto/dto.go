package dto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"media-enricher/constant"
)

// ErrInvalidEvent marks a message that can never be processed as sent.
var ErrInvalidEvent = errors.New("invalid event")

type Event interface {
	MessageType() constant.MessageType
}

type UploadEvent struct {
	VideoID     uuid.UUID `json:"videoId" validate:"required"`
	BlobName    string    `json:"blobName" validate:"required"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	FileName    string    `json:"fileName" validate:"required"`
	ContentType string    `json:"contentType" validate:"required"`
	OwnerID     string    `json:"ownerId" validate:"required"`
	SizeInBytes int64     `json:"sizeInBytes" validate:"gte=0"`
	UploadedAt  time.Time `json:"uploadedAt" validate:"required"`
}

func (UploadEvent) MessageType() constant.MessageType {
	return constant.MessageTypeUpload
}

// MetadataExtractedEvent identifies the video by blob name, or by id when the blob name is empty.
type MetadataExtractedEvent struct {
	VideoID           uuid.UUID `json:"videoId"`
	BlobName          string    `json:"blobName" validate:"required_without=VideoID"`
	Width             int32     `json:"width" validate:"gt=0"`
	Height            int32     `json:"height" validate:"gt=0"`
	DurationInSeconds float64   `json:"durationInSeconds" validate:"gte=0"`
}

func (MetadataExtractedEvent) MessageType() constant.MessageType {
	return constant.MessageTypeMetadataExtracted
}

type ThumbnailGeneratedEvent struct {
	VideoBlobName     string `json:"videoBlobName" validate:"required"`
	ThumbnailBlobName string `json:"thumbnailBlobName" validate:"required"`
}

func (ThumbnailGeneratedEvent) MessageType() constant.MessageType {
	return constant.MessageTypeThumbnailGenerated
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

func Validate(event Event) error {
	if err := validatorInstance().Struct(event); err != nil {
		return errors.Join(ErrInvalidEvent, fmt.Errorf("%s: %w", event.MessageType(), err))
	}
	return nil
}

func Encode(event Event) ([]byte, error) {
	if err := Validate(event); err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// Decode unmarshals body into T and validates it.
func Decode[T Event](body []byte) (T, error) {
	var event T
	if err := json.Unmarshal(body, &event); err != nil {
		return event, errors.Join(ErrInvalidEvent, fmt.Errorf("%s: %w", event.MessageType(), err))
	}
	if err := Validate(event); err != nil {
		return event, err
	}
	return event, nil
}
