package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"media-enricher/pkg/broker"
)

type ConsumerConfig struct {
	Brokers  []string
	MinBytes int
	MaxBytes int
}

// Client implements the broker interfaces on Kafka consumer groups. Offsets are
// committed only after a delivery was acknowledged or dead-lettered.
type Client struct {
	producer   *Producer
	cfg        ConsumerConfig
	numWorkers int
	policy     broker.DeliveryPolicy
}

var (
	_ broker.Publisher  = (*Client)(nil)
	_ broker.Subscriber = (*Client)(nil)
)

func NewClient(producer *Producer, cfg ConsumerConfig, numWorkers int, policy broker.DeliveryPolicy) *Client {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Client{producer: producer, cfg: cfg, numWorkers: numWorkers, policy: policy}
}

func (c *Client) Publish(ctx context.Context, topic string, msg broker.Message) error {
	return c.producer.Publish(ctx, topic, msg)
}

func (c *Client) Close() error {
	return c.producer.Close()
}

// Subscribe runs one group member per worker; Kafka spreads partitions across them.
func (c *Client) Subscribe(ctx context.Context, group, topic string, handler broker.HandlerFunc) error {
	logger := zerolog.Ctx(ctx).With().Str("topic", topic).Str("group", group).Logger()
	ctx = logger.WithContext(ctx)

	// One failed member stops the rest so the caller can restart the subscription.
	workersCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			workerCtx := zerolog.Ctx(workersCtx).With().Int("worker", workerId).Logger().WithContext(workersCtx)
			if err := c.consume(workerCtx, group, topic, handler); err != nil && workersCtx.Err() == nil {
				errs <- err
				cancel()
			}
		}(i)
	}
	logger.Info().Int("workers", c.numWorkers).Msg("consuming")

	wg.Wait()
	close(errs)
	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	if joined != nil {
		logger.Error().Err(joined).Msg("consumer group member failed")
		return joined
	}
	return ctx.Err()
}

func (c *Client) consume(ctx context.Context, group, topic string, handler broker.HandlerFunc) error {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: c.cfg.MinBytes,
		MaxBytes: c.cfg.MaxBytes,
	})
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		msg := fromKafka(m)
		outcome, handleErr := c.policy.Handle(ctx, group, msg, handler)
		switch outcome {
		case broker.OutcomeRequeue:
			// Uncommitted; the group redelivers it after rebalance or restart.
			return ctx.Err()
		case broker.OutcomeDeadLetter:
			zerolog.Ctx(ctx).Error().Err(handleErr).Str("message_type", msg.Type).Msg("moving message to dead letter topic")
			if err := c.deadLetter(ctx, topic, msg, handleErr); err != nil {
				return err
			}
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

func (c *Client) deadLetter(ctx context.Context, topic string, msg broker.Message, cause error) error {
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	if cause != nil {
		msg.Headers[headerError] = cause.Error()
	}
	if err := c.producer.Publish(ctx, DeadLetterTopic(topic), msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}
