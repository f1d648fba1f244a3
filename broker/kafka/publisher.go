// Package kafka publishes txbox outbox envelopes to Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oagudo/txbox"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Header keys written next to the message properties.
const (
	HeaderMessageID   = "message_id"
	HeaderAppID       = "app_id"
	HeaderContentType = "content_type"
	HeaderTimestamp   = "timestamp"
)

// ErrNoTopic is returned when an envelope has neither an exchange nor a routing key.
var ErrNoTopic = errors.New("kafka: envelope has no topic")

// Writer is the subset of *kafka.Writer used to publish.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher maps an envelope to a Kafka message: the exchange is the topic and the
// routing key is the message key. An envelope without an exchange goes to the topic
// named by its routing key.
type Publisher struct {
	writer Writer
	logger *zap.Logger
}

// NewPublisher creates a Publisher with a writer for brokers. The writer has no
// default topic, every message carries its own, and keys are hashed to partitions
// so messages with the same routing key stay ordered.
func NewPublisher(brokers []string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Logger:       zap.NewStdLog(logger.With(zap.String("kafka_component", "producer"))),
	}

	logger.Info("kafka publisher initialized", zap.Strings("brokers", brokers))
	return NewPublisherWithWriter(writer, logger)
}

// NewPublisherWithWriter creates a Publisher around an existing writer.
func NewPublisherWithWriter(writer Writer, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: writer, logger: logger}
}

// Publish implements txbox.MessagePublisher.
func (p *Publisher) Publish(ctx context.Context, env *txbox.Envelope) error {
	msg, err := toMessage(env)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to produce message to kafka topic",
			zap.String("topic", msg.Topic),
			zap.Int64("message_id", env.Header.ID),
			zap.Error(err))
		return fmt.Errorf("producing message %d to %q: %w", env.Header.ID, msg.Topic, err)
	}

	p.logger.Debug("produced message to topic", zap.String("topic", msg.Topic), zap.Int64("message_id", env.Header.ID))
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("closing kafka writer: %w", err)
	}
	return nil
}

func toMessage(env *txbox.Envelope) (kafka.Message, error) {
	topic := env.Exchange
	if topic == "" {
		topic = env.RoutingKey
	}
	if topic == "" {
		return kafka.Message{}, fmt.Errorf("message %d: %w", env.Header.ID, ErrNoTopic)
	}

	headers := []kafka.Header{
		{Key: HeaderMessageID, Value: []byte(strconv.FormatInt(env.Header.ID, 10))},
	}
	if env.Header.AppID != "" {
		headers = append(headers, kafka.Header{Key: HeaderAppID, Value: []byte(env.Header.AppID)})
	}
	if env.Header.ContentType != "" {
		headers = append(headers, kafka.Header{Key: HeaderContentType, Value: []byte(env.Header.ContentType)})
	}
	if !env.Header.Timestamp.IsZero() {
		headers = append(headers, kafka.Header{Key: HeaderTimestamp, Value: []byte(env.Header.Timestamp.Format(time.RFC3339Nano))})
	}
	for k, v := range env.Header.Properties {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Topic:   topic,
		Value:   env.Body,
		Headers: headers,
		Time:    env.Header.Timestamp,
	}
	if env.RoutingKey != "" {
		msg.Key = []byte(env.RoutingKey)
	}
	return msg, nil
}
