package rabbitmq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/oagudo/txbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler runs the business effect of a delivery inside the barrier transaction.
type Handler func(ctx context.Context, tx txbox.TxQueryer, d amqp.Delivery) error

// Consumer runs deliveries through an inbox Barrier and acknowledges them
// according to the outcome:
//
//   - Entered and completed, or AlreadyCompleted: Ack.
//   - Busy, or a handler error: Nack with requeue, so the broker redelivers later.
//   - A delivery without a numeric message id: Reject without requeue.
type Consumer struct {
	barrier *txbox.Barrier
	name    string
	handler Handler
	logger  *zap.Logger
}

// ConsumerOption is a function that configures a Consumer instance.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger. Default is a no-op logger.
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a Consumer registered in the barrier table as consumerName.
func NewConsumer(barrier *txbox.Barrier, consumerName string, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		barrier: barrier,
		name:    consumerName,
		handler: handler,
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(zap.String("consumer", consumerName))
	return c
}

// Run handles deliveries until ctx is done or the channel is closed.
// Deliveries must come from a channel consumed without auto-ack.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			_ = c.Handle(ctx, d)
		}
	}
}

// Handle runs one delivery through the barrier and acknowledges it. The returned
// error is the handler or barrier error, already acted upon with a Nack.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) error {
	td, err := ToDelivery(d)
	if err != nil {
		c.logger.Error("rejecting delivery without a usable message id",
			zap.String("message_id", d.MessageId), zap.Error(err))
		if rejectErr := d.Reject(false); rejectErr != nil {
			c.logger.Error("rejecting delivery failed", zap.Error(rejectErr))
		}
		return err
	}

	res, err := c.barrier.Execute(ctx, c.name, td, func(ctx context.Context, tx txbox.TxQueryer) error {
		return c.handler(ctx, tx, d)
	})

	if err != nil || res == txbox.Busy {
		c.logger.Debug("requeueing delivery",
			zap.Int64("message_id", td.MessageID),
			zap.Stringer("result", res),
			zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("nacking delivery failed", zap.Int64("message_id", td.MessageID), zap.Error(nackErr))
		}
		return err
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("acking delivery failed", zap.Int64("message_id", td.MessageID), zap.Error(ackErr))
		return fmt.Errorf("acking message %d: %w", td.MessageID, ackErr)
	}
	return nil
}

// ToDelivery maps an AMQP delivery to what the Barrier needs. The message id must
// be the decimal id written by Publisher.
func ToDelivery(d amqp.Delivery) (txbox.Delivery, error) {
	id, err := strconv.ParseInt(d.MessageId, 10, 64)
	if err != nil {
		return txbox.Delivery{}, fmt.Errorf("parsing message id %q: %w", d.MessageId, err)
	}
	if id <= 0 {
		return txbox.Delivery{}, fmt.Errorf("message id %d: %w", id, txbox.ErrInvalidMessageID)
	}

	var props map[string]string
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			if props == nil {
				props = make(map[string]string, len(d.Headers))
			}
			props[k] = s
		}
	}

	return txbox.Delivery{
		MessageID:  id,
		Exchange:   d.Exchange,
		RoutingKey: d.RoutingKey,
		Header: txbox.MessageHeader{
			ID:          id,
			AppID:       d.AppId,
			ContentType: d.ContentType,
			Timestamp:   d.Timestamp.UTC(),
			Properties:  props,
		},
	}, nil
}
