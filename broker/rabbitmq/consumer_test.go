package rabbitmq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oagudo/txbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackRecord struct {
	acked    int
	nacked   int
	rejected int
	requeue  bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: make(map[uint64]*ackRecord)}
}

func (a *fakeAcknowledger) record(tag uint64) *ackRecord {
	r, ok := a.records[tag]
	if !ok {
		r = &ackRecord{}
		a.records[tag] = r
	}
	return r
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(tag).acked++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.record(tag)
	r.nacked++
	r.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.record(tag)
	r.rejected++
	r.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) get(tag uint64) ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.record(tag)
}

func newTestBarrier(t *testing.T) *txbox.Barrier {
	t.Helper()

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "inbox.db")))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	dbCtx, err := txbox.NewDBContext(db, txbox.SQLDialectSQLite)
	require.NoError(t, err)
	require.NoError(t, dbCtx.EnsureTablesExist(context.Background()))

	return txbox.NewBarrier(dbCtx)
}

func newAMQPDelivery(ack amqp.Acknowledger, tag uint64, messageID string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    messageID,
		Exchange:     "orders",
		RoutingKey:   "order.created",
		AppId:        "shop",
		ContentType:  "application/json",
		Timestamp:    time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		Headers:      amqp.Table{"tenant": "acme", "attempt": int32(2)},
		Body:         []byte(`{"id":1}`),
	}
}

func TestConsumer_HandleAcksOnce(t *testing.T) {
	ack := newFakeAcknowledger()
	var calls int
	consumer := NewConsumer(newTestBarrier(t), "billing", func(context.Context, txbox.TxQueryer, amqp.Delivery) error {
		calls++
		return nil
	})

	require.NoError(t, consumer.Handle(context.Background(), newAMQPDelivery(ack, 1, "42")))
	require.NoError(t, consumer.Handle(context.Background(), newAMQPDelivery(ack, 2, "42")))

	assert.Equal(t, 1, calls, "a redelivered message is not handled twice")
	assert.Equal(t, ackRecord{acked: 1}, ack.get(1))
	assert.Equal(t, ackRecord{acked: 1}, ack.get(2), "a completed duplicate is still acked")
}

func TestConsumer_HandlerErrorRequeues(t *testing.T) {
	ack := newFakeAcknowledger()
	handlerErr := errors.New("downstream timeout")
	fail := true
	consumer := NewConsumer(newTestBarrier(t), "billing", func(context.Context, txbox.TxQueryer, amqp.Delivery) error {
		if fail {
			return handlerErr
		}
		return nil
	})

	err := consumer.Handle(context.Background(), newAMQPDelivery(ack, 1, "42"))
	assert.ErrorIs(t, err, handlerErr)
	assert.Equal(t, ackRecord{nacked: 1, requeue: true}, ack.get(1))

	fail = false
	require.NoError(t, consumer.Handle(context.Background(), newAMQPDelivery(ack, 2, "42")))
	assert.Equal(t, ackRecord{acked: 1}, ack.get(2))
}

func TestConsumer_RejectsInvalidMessageID(t *testing.T) {
	ack := newFakeAcknowledger()
	consumer := NewConsumer(newTestBarrier(t), "billing", func(context.Context, txbox.TxQueryer, amqp.Delivery) error {
		t.Fatal("handler must not run")
		return nil
	})

	for tag, id := range map[uint64]string{1: "", 2: "abc", 3: "-5"} {
		err := consumer.Handle(context.Background(), newAMQPDelivery(ack, tag, id))
		assert.Error(t, err)
		assert.Equal(t, ackRecord{rejected: 1}, ack.get(tag), "message id %q", id)
	}
}

func TestConsumer_Run(t *testing.T) {
	ack := newFakeAcknowledger()
	var handled []string
	consumer := NewConsumer(newTestBarrier(t), "billing", func(_ context.Context, _ txbox.TxQueryer, d amqp.Delivery) error {
		handled = append(handled, d.MessageId)
		return nil
	})

	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- newAMQPDelivery(ack, 1, "1")
	deliveries <- newAMQPDelivery(ack, 2, "2")
	deliveries <- newAMQPDelivery(ack, 3, "1")
	close(deliveries)

	require.NoError(t, consumer.Run(context.Background(), deliveries))
	assert.Equal(t, []string{"1", "2"}, handled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, consumer.Run(ctx, make(chan amqp.Delivery)), context.Canceled)
}

func TestToDelivery(t *testing.T) {
	d, err := ToDelivery(newAMQPDelivery(nil, 1, "42"))
	require.NoError(t, err)

	assert.Equal(t, int64(42), d.MessageID)
	assert.Equal(t, "orders", d.Exchange)
	assert.Equal(t, "order.created", d.RoutingKey)
	assert.Equal(t, int64(42), d.Header.ID)
	assert.Equal(t, "shop", d.Header.AppID)
	assert.Equal(t, "application/json", d.Header.ContentType)
	assert.Equal(t, map[string]string{"tenant": "acme"}, d.Header.Properties, "non-string headers are dropped")

	_, err = ToDelivery(newAMQPDelivery(nil, 1, "0"))
	assert.ErrorIs(t, err, txbox.ErrInvalidMessageID)
}
