package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"media-enricher/handler"
	"media-enricher/pkg/broker"
)

// consumerService runs one broker subscription under the supervisor, which
// restarts it when the subscription fails.
type consumerService struct {
	subscriber broker.Subscriber
	sub        handler.Subscription
}

func (s *consumerService) String() string {
	return fmt.Sprintf("consumer %s/%s", s.sub.Group, s.sub.Topic)
}

func (s *consumerService) Serve(ctx context.Context) error {
	ctx = zerolog.Ctx(ctx).With().Str("group", s.sub.Group).Str("topic", s.sub.Topic).Logger().WithContext(ctx)
	err := s.subscriber.Subscribe(ctx, s.sub.Group, s.sub.Topic, s.sub.Router.Dispatch)
	if err != nil && ctx.Err() == nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("consumer stopped")
	}
	return err
}
