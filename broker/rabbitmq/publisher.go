// Package rabbitmq connects txbox to RabbitMQ: a MessagePublisher for the outbox
// Dispatcher and a Consumer that runs deliveries through the inbox Barrier.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/oagudo/txbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")

// Channel is the subset of *amqp.Channel used to publish.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelFactory opens a new channel.
type ChannelFactory func() (Channel, error)

// Publisher publishes outbox envelopes over a small pool of channels opened from
// one connection. A channel is used by one Publish call at a time; a channel that
// returned an error is closed instead of going back to the pool.
type Publisher struct {
	open      ChannelFactory
	logger    *zap.Logger
	mandatory bool

	mu     sync.Mutex
	idle   []Channel
	size   int
	closed bool
}

// PublisherOption is a function that configures a Publisher instance.
type PublisherOption func(*Publisher)

// WithPoolSize sets how many idle channels are kept open. Default is 8.
func WithPoolSize(size int) PublisherOption {
	return func(p *Publisher) {
		if size > 0 {
			p.size = size
		}
	}
}

// WithMandatory publishes with the mandatory flag, so unroutable messages are
// returned by the broker instead of being dropped.
func WithMandatory() PublisherOption {
	return func(p *Publisher) {
		p.mandatory = true
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a Publisher that opens its channels from conn.
func NewPublisher(conn *amqp.Connection, opts ...PublisherOption) *Publisher {
	return NewPublisherWithFactory(func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, opts...)
}

// NewPublisherWithFactory creates a Publisher with a custom channel factory.
func NewPublisherWithFactory(open ChannelFactory, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		open:   open,
		logger: zap.NewNop(),
		size:   8,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish implements txbox.MessagePublisher.
func (p *Publisher) Publish(ctx context.Context, env *txbox.Envelope) error {
	ch, err := p.acquire()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, env.Exchange, env.RoutingKey, p.mandatory, false, toPublishing(env))
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("publishing message %d to %q with key %q: %w", env.Header.ID, env.Exchange, env.RoutingKey, err)
	}

	p.release(ch)
	return nil
}

// Close closes every idle channel. Channels in use are closed when released.
func (p *Publisher) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, ch := range idle {
		err = multierr.Append(err, ch.Close())
	}
	return err
}

func (p *Publisher) acquire() (Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPublisherClosed
	}
	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return ch, nil
	}
	p.mu.Unlock()

	ch, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	p.logger.Debug("amqp channel opened")
	return ch, nil
}

func (p *Publisher) release(ch Channel) {
	p.mu.Lock()
	if !p.closed && len(p.idle) < p.size {
		p.idle = append(p.idle, ch)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	_ = ch.Close()
}

func toPublishing(env *txbox.Envelope) amqp.Publishing {
	var headers amqp.Table
	if len(env.Header.Properties) > 0 {
		headers = make(amqp.Table, len(env.Header.Properties))
		for k, v := range env.Header.Properties {
			headers[k] = v
		}
	}

	return amqp.Publishing{
		MessageId:    strconv.FormatInt(env.Header.ID, 10),
		AppId:        env.Header.AppID,
		ContentType:  env.Header.ContentType,
		Timestamp:    env.Header.Timestamp,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Body:         env.Body,
	}
}
