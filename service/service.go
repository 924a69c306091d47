package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"media-enricher/dto"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/metrics"
	"media-enricher/pkg/process"
)

// ErrNonRetryable marks a failure caused by the content itself. The message is
// acknowledged without publishing because redelivery cannot change the outcome.
var ErrNonRetryable = errors.New("non-retryable error")

type ProcessRunner interface {
	Run(ctx context.Context, spec process.Spec) (*process.Result, error)
}

// acknowledgeNonRetryable logs and clears err when it is a content failure.
func acknowledgeNonRetryable(ctx context.Context, worker string, reason string, err *error) {
	if *err == nil || !errors.Is(*err, ErrNonRetryable) {
		return
	}
	zerolog.Ctx(ctx).Warn().Err(*err).Str("worker", worker).Str("reason", reason).Msg("skipping message, no event published")
	metrics.EnrichmentSkipped.WithLabelValues(worker, reason).Inc()
	*err = nil
}

func publish(ctx context.Context, publisher broker.Publisher, topic, key string, event dto.Event) error {
	body, err := dto.Encode(event)
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, topic, broker.Message{
		Type: event.MessageType().String(),
		Key:  key,
		Body: body,
	})
}
