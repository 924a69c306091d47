package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"media-enricher/constant"
	"media-enricher/dto"
	"media-enricher/pkg/broker"
	"media-enricher/service"
)

type ServiceDependencies struct {
	ThumbnailService  service.ThumbnailService
	MetadataService   service.MetadataService
	ProjectionService service.ProjectionService
}

// Subscription binds a consumer group on a topic to the router serving it.
type Subscription struct {
	Group  string
	Topic  string
	Router *broker.Router
}

// Subscriptions lists the broker subscriptions a worker role runs.
func Subscriptions(role constant.Role, deps ServiceDependencies) []Subscription {
	var subs []Subscription
	if role.Includes(constant.RoleThumbnail) {
		router := broker.NewRouter()
		router.Handle(constant.MessageTypeUpload.String(), ThumbnailHandler(deps))
		subs = append(subs, Subscription{Group: constant.GroupThumbnailWorker, Topic: constant.TopicUploads, Router: router})
	}
	if role.Includes(constant.RoleMetadata) {
		router := broker.NewRouter()
		router.Handle(constant.MessageTypeUpload.String(), MetadataHandler(deps))
		subs = append(subs, Subscription{Group: constant.GroupMetadataWorker, Topic: constant.TopicUploads, Router: router})
	}
	if role.Includes(constant.RoleProjection) {
		router := broker.NewRouter()
		router.Handle(constant.MessageTypeMetadataExtracted.String(), MetadataProjectionHandler(deps))
		router.Handle(constant.MessageTypeThumbnailGenerated.String(), ThumbnailProjectionHandler(deps))
		subs = append(subs, Subscription{Group: constant.GroupProjectionUpdater, Topic: constant.TopicEnrichment, Router: router})
	}
	return subs
}

func ThumbnailHandler(deps ServiceDependencies) broker.HandlerFunc {
	return func(ctx context.Context, msg broker.Message) error {
		event, err := decode[dto.UploadEvent](ctx, msg)
		if err != nil {
			return err
		}
		return deps.ThumbnailService.Process(ctx, event)
	}
}

func MetadataHandler(deps ServiceDependencies) broker.HandlerFunc {
	return func(ctx context.Context, msg broker.Message) error {
		event, err := decode[dto.UploadEvent](ctx, msg)
		if err != nil {
			return err
		}
		return deps.MetadataService.Process(ctx, event)
	}
}

func MetadataProjectionHandler(deps ServiceDependencies) broker.HandlerFunc {
	return func(ctx context.Context, msg broker.Message) error {
		event, err := decode[dto.MetadataExtractedEvent](ctx, msg)
		if err != nil {
			return err
		}
		_, err = deps.ProjectionService.ApplyMetadata(ctx, event)
		return err
	}
}

func ThumbnailProjectionHandler(deps ServiceDependencies) broker.HandlerFunc {
	return func(ctx context.Context, msg broker.Message) error {
		event, err := decode[dto.ThumbnailGeneratedEvent](ctx, msg)
		if err != nil {
			return err
		}
		_, err = deps.ProjectionService.ApplyThumbnail(ctx, event)
		return err
	}
}

// decode turns an undecodable or invalid body into broker.ErrMalformed so the
// delivery goes straight to the dead letter queue.
func decode[T dto.Event](ctx context.Context, msg broker.Message) (T, error) {
	event, err := dto.Decode[T](msg.Body)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to decode message")
		if errors.Is(err, dto.ErrInvalidEvent) {
			return event, fmt.Errorf("%w: %w", broker.ErrMalformed, err)
		}
		return event, err
	}
	return event, nil
}
