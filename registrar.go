package txbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Registrar stores messages in the outbox table as part of the caller's database
// transaction. The message becomes visible to the Dispatcher only when that
// transaction commits, and disappears with it when it rolls back.
//
// With a publisher configured, a registered message can also be published right
// after commit through its OutboxHandle, without waiting for the next dispatch cycle.
type Registrar struct {
	dbCtx  *DBContext
	logger *zap.Logger

	publisher          MessagePublisher
	publishAfterCommit bool
	storeText          bool
	defaultAppID       string
	fastPathTimeout    time.Duration
	policy             RetryPolicy

	deliverer *deliverer
}

// OutboxWorkFunc is the user supplied callback for [Registrar.Write].
// It executes user defined queries and registers messages within the same transaction.
// The Registrar commits or rolls back the transaction once the callback completes.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, reg MessageRegistrar) error

// MessageRegistrar registers messages within a managed transaction.
type MessageRegistrar interface {
	// Register stores a message for the given destination.
	// The message is committed when the enclosing transaction commits.
	Register(ctx context.Context, exchange, routingKey string, msg *Message) (*OutboxHandle, error)

	// RegisterAuto stores a message whose value implements Routable.
	RegisterAuto(ctx context.Context, msg *Message) (*OutboxHandle, error)
}

// RegistrarOption is a function that configures a Registrar instance.
type RegistrarOption func(*Registrar)

// WithPublisher sets the publisher used by OutboxHandle.Publish.
func WithPublisher(publisher MessagePublisher) RegistrarOption {
	return func(r *Registrar) {
		r.publisher = publisher
	}
}

// WithPublishAfterCommit configures Write to publish every message it registered
// right after the transaction commits, in registration order.
//
// Note: this path is just an efficiency optimization, not something the system
// depends on for correctness. A message that is not published here is published
// by the Dispatcher. A message may be published by both if the Dispatcher leases
// it after the fast path's lease expired.
func WithPublishAfterCommit(publisher MessagePublisher) RegistrarOption {
	return func(r *Registrar) {
		r.publisher = publisher
		r.publishAfterCommit = true
	}
}

// WithoutMessageText disables the human readable copy of the body stored in message_text.
func WithoutMessageText() RegistrarOption {
	return func(r *Registrar) {
		r.storeText = false
	}
}

// WithDefaultAppID sets the app id written to the header of messages that carry none.
func WithDefaultAppID(appID string) RegistrarOption {
	return func(r *Registrar) {
		r.defaultAppID = appID
	}
}

// WithFastPathTimeout sets the timeout for publishing a message through its handle
// and recording the outcome. Default is 10 seconds.
func WithFastPathTimeout(timeout time.Duration) RegistrarOption {
	return func(r *Registrar) {
		if timeout > 0 {
			r.fastPathTimeout = timeout
		}
	}
}

// WithFastPathPolicy sets the retry policy applied when a fast path publish fails.
// It should match the Dispatcher's policy.
func WithFastPathPolicy(policy RetryPolicy) RegistrarOption {
	return func(r *Registrar) {
		r.policy = policy
	}
}

// NewRegistrar creates a new outbox Registrar with the given database context and options.
func NewRegistrar(dbCtx *DBContext, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		dbCtx:           dbCtx,
		logger:          dbCtx.componentLogger("registrar"),
		storeText:       true,
		fastPathTimeout: 10 * time.Second,
		policy:          DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.policy = r.policy.normalize()

	if r.publisher != nil {
		r.deliverer = &deliverer{
			dbCtx:          dbCtx,
			publisher:      r.publisher,
			logger:         r.logger,
			policy:         r.policy,
			publishTimeout: r.fastPathTimeout,
			updateTimeout:  r.fastPathTimeout,
		}
	}

	return r
}

// Register stores msg in the outbox table through tx, addressed to exchange and routingKey.
//
// The caller owns tx: the message is persisted only if tx commits. If Register
// returns an error the caller must roll back. A nil tx makes Register run the insert
// in a transaction of its own.
func (r *Registrar) Register(ctx context.Context, tx TxQueryer, exchange, routingKey string, msg *Message) (*OutboxHandle, error) {
	row, err := r.newOutboxMessage(exchange, routingKey, msg)
	if err != nil {
		return nil, err
	}

	insert := func(q Queryer) error {
		if err := r.dbCtx.provider.InsertOutbox(ctx, q, row); err != nil {
			return fmt.Errorf("registering message %d: %w", row.MessageID, err)
		}
		return nil
	}

	if tx == nil {
		err = r.dbCtx.inTx(ctx, sql.LevelDefault, func(tx Tx) error { return insert(tx) })
	} else {
		err = insert(tx)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug("outbox message registered",
		zap.Int64("message_id", row.MessageID),
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey))

	return &OutboxHandle{registrar: r, messageID: row.MessageID}, nil
}

// RegisterAuto stores msg like Register, resolving the destination from the message
// value. It returns ErrNoRoute if the value does not implement Routable.
func (r *Registrar) RegisterAuto(ctx context.Context, tx TxQueryer, msg *Message) (*OutboxHandle, error) {
	if msg == nil {
		return nil, fmt.Errorf("registering message: %w", ErrInvalidMessageID)
	}

	routable, ok := msg.Value.(Routable)
	if !ok {
		return nil, fmt.Errorf("registering message %d with value %T: %w", msg.ID, msg.Value, ErrNoRoute)
	}

	exchange, routingKey := routable.Route()
	return r.Register(ctx, tx, exchange, routingKey, msg)
}

// Write executes user defined queries and registers messages within the same managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics. Messages are committed atomically with your database changes.
//
// If WithPublishAfterCommit is configured, committed messages are published
// asynchronously after the transaction commits.
//
// Example:
//
//	err := registrar.Write(ctx, func(ctx context.Context, tx txbox.TxQueryer, reg txbox.MessageRegistrar) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE orders SET state = 'paid' WHERE id = $1", orderID)
//	    if err != nil {
//	        return err
//	    }
//
//	    msg, err := txbox.NewJSONMessage(snowflake.Next(), OrderPaid{ID: orderID})
//	    if err != nil {
//	        return err
//	    }
//	    _, err = reg.Register(ctx, "orders", "order.paid", msg)
//	    return err
//	})
func (r *Registrar) Write(ctx context.Context, fn OutboxWorkFunc) error {
	tx, err := r.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	reg := &txRegistrar{registrar: r, tx: tx}

	err = fn(ctx, tx, reg)
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil

	if txCommitted && r.publishAfterCommit {
		go r.publishAfterCommitted(ctx, reg.handles)
	}

	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// publishAfterCommitted publishes handles in registration order and stops at the
// first failure; the Dispatcher handles the rest.
func (r *Registrar) publishAfterCommitted(ctx context.Context, handles []*OutboxHandle) {
	ctx = context.WithoutCancel(ctx)

	for _, h := range handles {
		if err := h.Publish(ctx); err != nil {
			r.logger.Debug("publish after commit failed, leaving the rest to the dispatcher",
				zap.Int64("message_id", h.messageID), zap.Error(err))
			return
		}
	}
}

func (r *Registrar) newOutboxMessage(exchange, routingKey string, msg *Message) (*OutboxMessage, error) {
	if msg == nil || msg.ID <= 0 {
		return nil, fmt.Errorf("registering message: %w", ErrInvalidMessageID)
	}

	now := r.dbCtx.now()

	appID := msg.AppID
	if appID == "" {
		appID = r.defaultAppID
	}

	header, err := encodeHeader(MessageHeader{
		ID:          msg.ID,
		AppID:       appID,
		ContentType: msg.ContentType,
		Timestamp:   now,
		Properties:  msg.Properties,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding header of message %d: %w", msg.ID, err)
	}

	row := &OutboxMessage{
		MessageID:     msg.ID,
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Header:        header,
		Body:          encodeBody(msg.Body),
		Status:        StatusPending,
		NextRetryTime: now,
		CreateTime:    now,
		UpdateTime:    now,
	}
	if r.storeText {
		row.Text = bodyText(msg.Body)
	}

	return row, nil
}

type txRegistrar struct {
	registrar *Registrar
	tx        TxQueryer
	handles   []*OutboxHandle
}

func (t *txRegistrar) Register(ctx context.Context, exchange, routingKey string, msg *Message) (*OutboxHandle, error) {
	h, err := t.registrar.Register(ctx, t.tx, exchange, routingKey, msg)
	if err != nil {
		return nil, err
	}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *txRegistrar) RegisterAuto(ctx context.Context, msg *Message) (*OutboxHandle, error) {
	h, err := t.registrar.RegisterAuto(ctx, t.tx, msg)
	if err != nil {
		return nil, err
	}
	t.handles = append(t.handles, h)
	return h, nil
}

// OutboxHandle refers to a registered outbox message.
type OutboxHandle struct {
	registrar *Registrar
	messageID int64
}

// MessageID returns the id of the registered message.
func (h *OutboxHandle) MessageID() int64 {
	return h.messageID
}

// Publish tries to publish the message now instead of waiting for the Dispatcher.
// It must be called after the registering transaction committed.
//
// Publish leases the row first. If the row is not leasable, because a Dispatcher
// holds it or it was already published, Publish returns nil without publishing.
// A failed publish is recorded and retried by the Dispatcher, and its error is returned.
func (h *OutboxHandle) Publish(ctx context.Context) error {
	r := h.registrar
	if r.deliverer == nil {
		return ErrNoPublisher
	}

	ctx, cancel := context.WithTimeout(ctx, r.fastPathTimeout)
	defer cancel()

	lockID := r.dbCtx.newLockID()
	locked, err := r.dbCtx.provider.TryLockOutbox(ctx, r.dbCtx.db, h.messageID, lockID, r.dbCtx.now(), r.policy.LockTimeout)
	if err != nil {
		return fmt.Errorf("leasing message %d: %w", h.messageID, err)
	}
	if !locked {
		r.logger.Debug("outbox message not leasable, leaving it to the dispatcher", zap.Int64("message_id", h.messageID))
		return nil
	}

	msgs, err := r.dbCtx.provider.GetLockedOutboxBatch(ctx, r.dbCtx.db, lockID, 1)
	if err != nil {
		return fmt.Errorf("reading leased message %d: %w", h.messageID, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	_, err = r.deliverer.deliver(ctx, msgs[0], lockID)
	return err
}
