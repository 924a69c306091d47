package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"media-enricher/config"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/metrics"
)

type DialFunc func(ctx context.Context) (*amqp.Connection, error)

// Client publishes to and consumes from topic exchanges. It redials when the
// connection has been closed, so a supervised restart recovers from broker outages.
type Client struct {
	dial       DialFunc
	cfg        *config.RabbitMQ
	numWorkers int
	policy     broker.DeliveryPolicy

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
}

var (
	_ broker.Publisher  = (*Client)(nil)
	_ broker.Subscriber = (*Client)(nil)
)

func NewClient(dial DialFunc, cfg *config.RabbitMQ, numWorkers int, policy broker.DeliveryPolicy) *Client {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Client{
		dial:       dial,
		cfg:        cfg,
		numWorkers: numWorkers,
		policy:     policy,
		declared:   make(map[string]bool),
	}
}

func (c *Client) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionLocked(ctx)
}

func (c *Client) connectionLocked(ctx context.Context) (*amqp.Connection, error) {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.pubCh = nil
	c.declared = make(map[string]bool)
	return conn, nil
}

func (c *Client) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	c.pubCh = ch
	c.declared = make(map[string]bool)
	return ch, nil
}

// Publish sends msg persistently to the topic exchange and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, topic string, msg broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.publishChannel(ctx)
	if err != nil {
		return err
	}
	if !c.declared[topic] {
		if err := ch.ExchangeDeclare(topic, c.cfg.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		c.declared[topic] = true
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, topic, msg.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.Key,
		Type:          msg.Type,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", msg.Type, err)
	}
	if !acked {
		return errors.New("rabbitmq: publish nacked by broker")
	}

	metrics.MessagesPublished.WithLabelValues(topic, msg.Type).Inc()
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
