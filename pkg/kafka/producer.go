package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/metrics"
)

const (
	headerEventType = "event_type"
	headerMessageID = "message_id"
	headerError     = "x-error"
)

type ProducerConfig struct {
	Brokers      []string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  kafkago.Compression
	RequiredAcks kafkago.RequiredAcks
	MaxAttempts  int
}

// Producer wraps a kafka-go Writer. The topic is chosen per message and the
// key keeps every event of one blob on one partition.
type Producer struct {
	writer *kafkago.Writer
}

func NewProducer(cfg ProducerConfig) *Producer {
	return &Producer{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Balancer:               &kafkago.Hash{},
			BatchSize:              cfg.BatchSize,
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           cfg.RequiredAcks,
			Compression:            cfg.Compression,
			MaxAttempts:            cfg.MaxAttempts,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, topic string, msg broker.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := p.writer.WriteMessages(ctx, toKafka(topic, msg)); err != nil {
		return err
	}
	metrics.MessagesPublished.WithLabelValues(topic, msg.Type).Inc()
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func toKafka(topic string, msg broker.Message) kafkago.Message {
	out := kafkago.Message{
		Topic: topic,
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Time:  time.Now().UTC(),
		Headers: []kafkago.Header{
			{Key: headerEventType, Value: []byte(msg.Type)},
			{Key: headerMessageID, Value: []byte(msg.ID)},
		},
	}
	for k, v := range msg.Headers {
		out.Headers = append(out.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafka(m kafkago.Message) broker.Message {
	msg := broker.Message{
		Key:     string(m.Key),
		Body:    m.Value,
		Headers: make(map[string]string, len(m.Headers)),
	}
	for _, h := range m.Headers {
		switch h.Key {
		case headerEventType:
			msg.Type = string(h.Value)
		case headerMessageID:
			msg.ID = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

// CompressionFromString maps textual codec to kafka-go value.
func CompressionFromString(name string) kafkago.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return kafkago.Gzip
	case "snappy":
		return kafkago.Snappy
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return kafkago.Snappy
	}
}
