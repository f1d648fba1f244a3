package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oagudo/txbox"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	writeErr error
	closeErr error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func headerMap(headers []kafka.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

func TestPublisher_Publish(t *testing.T) {
	writer := &fakeWriter{}
	p := NewPublisherWithWriter(writer, nil)

	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	err := p.Publish(context.Background(), &txbox.Envelope{
		Exchange:   "entity-events",
		RoutingKey: "entity-7",
		Header: txbox.MessageHeader{
			ID:          99,
			AppID:       "entities",
			ContentType: "application/json",
			Timestamp:   ts,
			Properties:  map[string]string{"tenant": "acme"},
		},
		Body: []byte(`{"id":7}`),
	})
	require.NoError(t, err)

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "entity-events", msg.Topic)
	assert.Equal(t, []byte("entity-7"), msg.Key)
	assert.Equal(t, []byte(`{"id":7}`), msg.Value)
	assert.True(t, msg.Time.Equal(ts))
	assert.Equal(t, map[string]string{
		HeaderMessageID:   "99",
		HeaderAppID:       "entities",
		HeaderContentType: "application/json",
		HeaderTimestamp:   "2025-03-14T09:26:53Z",
		"tenant":          "acme",
	}, headerMap(msg.Headers))
}

func TestToMessage_Topic(t *testing.T) {
	tests := []struct {
		name       string
		exchange   string
		routingKey string
		wantTopic  string
		wantKey    []byte
		wantErr    error
	}{
		{name: "exchange and key", exchange: "orders", routingKey: "o-1", wantTopic: "orders", wantKey: []byte("o-1")},
		{name: "routing key only", routingKey: "orders", wantTopic: "orders", wantKey: []byte("orders")},
		{name: "exchange only", exchange: "orders", wantTopic: "orders"},
		{name: "neither", wantErr: ErrNoTopic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := toMessage(&txbox.Envelope{
				Exchange:   tt.exchange,
				RoutingKey: tt.routingKey,
				Header:     txbox.MessageHeader{ID: 1},
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTopic, msg.Topic)
			assert.Equal(t, tt.wantKey, msg.Key)
			assert.Equal(t, map[string]string{HeaderMessageID: "1"}, headerMap(msg.Headers))
		})
	}
}

func TestPublisher_Errors(t *testing.T) {
	writeErr := errors.New("leader not available")
	writer := &fakeWriter{writeErr: writeErr, closeErr: errors.New("flush failed")}
	p := NewPublisherWithWriter(writer, nil)

	err := p.Publish(context.Background(), &txbox.Envelope{Exchange: "orders", Header: txbox.MessageHeader{ID: 5}})
	assert.ErrorIs(t, err, writeErr)
	assert.Contains(t, err.Error(), `message 5 to "orders"`)

	err = p.Publish(context.Background(), &txbox.Envelope{Header: txbox.MessageHeader{ID: 6}})
	assert.ErrorIs(t, err, ErrNoTopic)

	assert.ErrorContains(t, p.Close(), "flush failed")
	assert.True(t, writer.closed)
}
