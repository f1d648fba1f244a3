// Package nats publishes txbox outbox envelopes to NATS.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/oagudo/txbox"
)

// Header keys written next to the message properties.
const (
	HeaderMessageID   = "message_id"
	HeaderAppID       = "app_id"
	HeaderContentType = "content_type"
)

// ErrNoSubject is returned when an envelope has neither an exchange nor a routing key.
var ErrNoSubject = errors.New("nats: envelope has no subject")

// Conn is the subset of *nats.Conn used to publish.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Publisher publishes each envelope to the subject "<exchange>.<routingKey>",
// or to whichever of the two is set.
type Publisher struct {
	conn  Conn
	flush bool
}

// PublisherOption is a function that configures a Publisher instance.
type PublisherOption func(*Publisher)

// WithFlush makes Publish wait until the server has processed the message.
// Without it a publish only reaches the client's outgoing buffer.
func WithFlush() PublisherOption {
	return func(p *Publisher) {
		p.flush = true
	}
}

// NewPublisher creates a Publisher on conn.
func NewPublisher(conn Conn, opts ...PublisherOption) *Publisher {
	p := &Publisher{conn: conn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish implements txbox.MessagePublisher.
func (p *Publisher) Publish(ctx context.Context, env *txbox.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := toMsg(env)
	if err != nil {
		return err
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing message %d to %q: %w", env.Header.ID, msg.Subject, err)
	}

	if p.flush {
		if err := p.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flushing message %d to %q: %w", env.Header.ID, msg.Subject, err)
		}
	}
	return nil
}

// Subject returns the subject an envelope is published to.
func Subject(exchange, routingKey string) string {
	parts := make([]string, 0, 2)
	if exchange != "" {
		parts = append(parts, exchange)
	}
	if routingKey != "" {
		parts = append(parts, routingKey)
	}
	return strings.Join(parts, ".")
}

func toMsg(env *txbox.Envelope) (*nats.Msg, error) {
	subject := Subject(env.Exchange, env.RoutingKey)
	if subject == "" {
		return nil, fmt.Errorf("message %d: %w", env.Header.ID, ErrNoSubject)
	}

	msg := nats.NewMsg(subject)
	msg.Data = env.Body
	msg.Header.Set(HeaderMessageID, strconv.FormatInt(env.Header.ID, 10))
	if env.Header.AppID != "" {
		msg.Header.Set(HeaderAppID, env.Header.AppID)
	}
	if env.Header.ContentType != "" {
		msg.Header.Set(HeaderContentType, env.Header.ContentType)
	}
	for k, v := range env.Header.Properties {
		msg.Header.Set(k, v)
	}
	return msg, nil
}
