package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"media-enricher/pkg/broker"
)

// Subscribe declares the group queue for topic with its dead-letter pair and
// hands deliveries to numWorkers goroutines until ctx is done.
func (c *Client) Subscribe(ctx context.Context, group, topic string, handler broker.HandlerFunc) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	queueName := QueueName(group, topic)
	logger := zerolog.Ctx(ctx).With().Str("queue", queueName).Logger()
	ctx = logger.WithContext(ctx)

	if err := declareTopology(ch, c.cfg.Kind, group, topic); err != nil {
		logger.Error().Err(err).Msg("failed to declare topology")
		return err
	}

	err = ch.Qos(c.numWorkers, 0, false)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set QoS")
		return err
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to consume queue")
		return err
	}
	logger.Info().Int("workers", c.numWorkers).Msg("consuming")

	jobs := make(chan amqp.Delivery, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			workerCtx := zerolog.Ctx(ctx).With().Int("worker", workerId).Logger().WithContext(ctx)
			for msg := range jobs {
				c.handle(workerCtx, group, msg, handler)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("rabbitmq: delivery channel closed")
			}

			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
}

func (c *Client) handle(ctx context.Context, group string, delivery amqp.Delivery, handler broker.HandlerFunc) {
	msg := toMessage(delivery)
	outcome, err := c.policy.Handle(ctx, group, msg, handler)

	logger := zerolog.Ctx(ctx)
	switch outcome {
	case broker.OutcomeAck:
		if err := delivery.Ack(false); err != nil {
			logger.Error().Err(err).Msg("failed to acknowledge message")
		}
	case broker.OutcomeDeadLetter:
		logger.Error().Err(err).Str("message_type", msg.Type).Msg("moving message to dead letter queue")
		if err := delivery.Nack(false, false); err != nil {
			logger.Error().Err(err).Msg("failed to nack message")
		}
	case broker.OutcomeRequeue:
		if err := delivery.Nack(false, true); err != nil {
			logger.Error().Err(err).Msg("failed to requeue message")
		}
	}
}

func declareTopology(ch *amqp.Channel, kind, group, topic string) error {
	if err := ch.ExchangeDeclare(topic, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	dlx := DeadLetterExchangeName(topic)
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}

	dlq := DeadLetterQueueName(group, topic)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq, group, dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	queue := QueueName(group, topic)
	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": group,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue, "#", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func toMessage(d amqp.Delivery) broker.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}
	msgType := d.Type
	if msgType == "" {
		msgType = d.RoutingKey
	}
	return broker.Message{
		ID:      d.MessageId,
		Type:    msgType,
		Key:     d.CorrelationId,
		Body:    d.Body,
		Headers: headers,
	}
}

func QueueName(group, topic string) string {
	return group + "." + topic
}

func DeadLetterExchangeName(topic string) string {
	return topic + ".dlx"
}

func DeadLetterQueueName(group, topic string) string {
	return QueueName(group, topic) + ".dlq"
}
