package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"media-enricher/pkg/metrics"
)

type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeDeadLetter
	// OutcomeRequeue leaves the message for redelivery; used when shutdown interrupts handling.
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "requeue"
	}
}

// DeliveryPolicy retries transient handler failures and decides the fate of each delivery.
type DeliveryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p DeliveryPolicy) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	bo.MaxInterval = p.MaxInterval
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 10 * time.Second
	}
	return bo
}

// Handle runs handler until it succeeds, fails permanently, or runs out of tries.
func (p DeliveryPolicy) Handle(ctx context.Context, group string, msg Message, handler HandlerFunc) (Outcome, error) {
	started := time.Now()
	defer func() {
		metrics.MessageHandleDuration.WithLabelValues(group, msg.Type).Observe(time.Since(started).Seconds())
	}()

	maxTries := p.MaxTries
	if maxTries == 0 {
		maxTries = 5
	}

	operation := func() (struct{}, error) {
		err := handler(ctx, msg)
		if errors.Is(err, ErrMalformed) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			metrics.MessagesHandled.WithLabelValues(group, msg.Type, "retry").Inc()
			zerolog.Ctx(ctx).Warn().Err(err).Str("message_type", msg.Type).Msg("handler failed, retrying")
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(maxTries))
	outcome := classify(ctx, err)
	metrics.MessagesHandled.WithLabelValues(group, msg.Type, outcome.String()).Inc()
	return outcome, err
}

func classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case ctx.Err() != nil:
		return OutcomeRequeue
	default:
		return OutcomeDeadLetter
	}
}
