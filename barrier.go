package txbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// consumer_name columns are 200 characters wide.
const maxConsumerNameLength = 200

// Barrier guards a consumer's business transaction so that the effect of a given
// message runs at most once per consumer, even when the broker redelivers it or
// several consumer instances receive it concurrently.
type Barrier struct {
	dbCtx  *DBContext
	logger *zap.Logger

	lockTimeout    time.Duration
	isolation      sql.IsolationLevel
	maxErrorLength int
}

// BarrierTicket identifies a barrier lease obtained by Enter.
type BarrierTicket struct {
	ConsumerName string
	MessageID    int64
	LockID       string
}

// HandlerFunc is the business handler run by [Barrier.Execute] inside the barrier
// transaction. Every write it makes must go through tx.
type HandlerFunc func(ctx context.Context, tx TxQueryer) error

// BarrierOption is a function that configures a Barrier instance.
type BarrierOption func(*Barrier)

// WithBarrierLockTimeout sets how long a barrier lease stays valid. A consumer that
// crashed mid-handler blocks redeliveries of that message until the lease expires.
// Default is 30 seconds.
func WithBarrierLockTimeout(timeout time.Duration) BarrierOption {
	return func(b *Barrier) {
		if timeout > 0 {
			b.lockTimeout = timeout
		}
	}
}

// WithIsolationLevel sets the isolation level of the transaction opened by Execute.
// Default is sql.LevelReadCommitted. Use sql.LevelSerializable when the handler reads
// state that concurrent consumers of other messages may write.
// Ignored for SQLite.
func WithIsolationLevel(level sql.IsolationLevel) BarrierOption {
	return func(b *Barrier) {
		b.isolation = level
	}
}

// WithBarrierMaxErrorLength bounds the handler error stored in last_error, in runes.
// Default is 512.
func WithBarrierMaxErrorLength(length int) BarrierOption {
	return func(b *Barrier) {
		if length > 0 {
			b.maxErrorLength = length
		}
	}
}

// NewBarrier creates a new inbox Barrier with the given database context and options.
func NewBarrier(dbCtx *DBContext, opts ...BarrierOption) *Barrier {
	b := &Barrier{
		dbCtx:          dbCtx,
		logger:         dbCtx.componentLogger("barrier"),
		lockTimeout:    30 * time.Second,
		isolation:      sql.LevelReadCommitted,
		maxErrorLength: defaultMaxErrorLength,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Enter tries to lease the barrier for consumerName and the delivered message,
// through q which should be the caller's business transaction.
//
// On Entered the caller owns the ticket and must finish with MarkSucceeded in the
// same transaction, or with MarkFailed. On AlreadyCompleted or Busy the ticket is nil
// and the handler must not run.
func (b *Barrier) Enter(ctx context.Context, q Queryer, consumerName string, d Delivery) (*BarrierTicket, EnterResult, error) {
	if err := validateConsumerName(consumerName); err != nil {
		return nil, 0, err
	}
	if d.MessageID <= 0 {
		return nil, 0, fmt.Errorf("entering barrier %s: %w", consumerName, ErrInvalidMessageID)
	}

	header, err := encodeHeader(d.Header)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding header of message %d: %w", d.MessageID, err)
	}

	now := b.dbCtx.now()
	row := &InboxBarrier{
		ConsumerName: consumerName,
		MessageID:    d.MessageID,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		Header:       header,
		Status:       StatusProcessing,
		LockID:       b.dbCtx.newLockID(),
		LockTime:     now,
		CreateTime:   now,
		UpdateTime:   now,
	}

	res, err := b.dbCtx.provider.TryEnterInboxBarrier(ctx, q, row, b.lockTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("entering barrier %s/%d: %w", consumerName, d.MessageID, err)
	}
	if res != Entered {
		return nil, res, nil
	}

	return &BarrierTicket{
		ConsumerName: consumerName,
		MessageID:    d.MessageID,
		LockID:       row.LockID,
	}, Entered, nil
}

// MarkSucceeded completes the barrier. It reports false when the lease was lost to
// another consumer, in which case the caller must roll back its transaction.
func (b *Barrier) MarkSucceeded(ctx context.Context, q Queryer, ticket *BarrierTicket) (bool, error) {
	ok, err := b.dbCtx.provider.MarkInboxBarrierSucceeded(ctx, q, ticket.ConsumerName, ticket.MessageID,
		ticket.LockID, b.dbCtx.now())
	if err != nil {
		return false, fmt.Errorf("completing barrier %s/%d: %w", ticket.ConsumerName, ticket.MessageID, err)
	}
	return ok, nil
}

// MarkFailed records cause on the barrier and releases it, so the next delivery of
// the message can enter right away. It reports false when the lease was lost.
func (b *Barrier) MarkFailed(ctx context.Context, q Queryer, ticket *BarrierTicket, cause error) (bool, error) {
	ok, err := b.dbCtx.provider.MarkInboxBarrierFailed(ctx, q, ticket.ConsumerName, ticket.MessageID,
		ticket.LockID, b.dbCtx.now(), sanitizeError(cause, b.maxErrorLength))
	if err != nil {
		return false, fmt.Errorf("failing barrier %s/%d: %w", ticket.ConsumerName, ticket.MessageID, err)
	}
	return ok, nil
}

// Execute runs handler at most once per consumer and message:
//
//  1. It opens a business transaction and enters the barrier inside it.
//  2. On AlreadyCompleted or Busy it commits and returns the result without running
//     the handler. Busy means the message should be redelivered later.
//  3. On Entered it runs handler in the transaction, marks the barrier succeeded
//     and commits. If the lease was lost meanwhile, it rolls back and returns ErrLockLost.
//
// A handler error rolls the transaction back and is returned unchanged after the
// failure has been recorded on the barrier, best-effort. A handler panic is
// recorded the same way and re-panicked.
func (b *Barrier) Execute(ctx context.Context, consumerName string, d Delivery, handler HandlerFunc) (EnterResult, error) {
	tx, err := b.dbCtx.db.BeginTx(ctx, b.dbCtx.txOptions(b.isolation))
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}

	var txDone bool
	defer func() {
		if !txDone {
			_ = tx.Rollback()
		}
	}()

	ticket, res, err := b.Enter(ctx, tx, consumerName, d)
	if err != nil {
		return 0, err
	}

	if res != Entered {
		txDone = true
		if err := tx.Commit(); err != nil {
			return res, fmt.Errorf("committing transaction: %w", err)
		}
		b.logger.Debug("barrier not entered",
			zap.String("consumer", consumerName),
			zap.Int64("message_id", d.MessageID),
			zap.Stringer("result", res))
		return res, nil
	}

	if err := b.runHandler(ctx, tx, d, ticket, handler); err != nil {
		txDone = true
		_ = tx.Rollback()
		b.recordFailure(ctx, consumerName, d, err)
		return Entered, err
	}

	ok, err := b.MarkSucceeded(ctx, tx, ticket)
	if err != nil {
		return Entered, err
	}
	if !ok {
		b.logger.Warn("barrier lease lost while the handler ran, rolling back",
			zap.String("consumer", consumerName),
			zap.Int64("message_id", d.MessageID),
			zap.String("lock_id", ticket.LockID))
		return Entered, fmt.Errorf("completing barrier %s/%d: %w", consumerName, d.MessageID, ErrLockLost)
	}

	txDone = true
	if err := tx.Commit(); err != nil {
		return Entered, fmt.Errorf("committing transaction: %w", err)
	}

	return Entered, nil
}

func (b *Barrier) runHandler(ctx context.Context, tx Tx, d Delivery, ticket *BarrierTicket, handler HandlerFunc) error {
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			b.recordFailure(ctx, ticket.ConsumerName, d, fmt.Errorf("handler panicked: %v", r))
			panic(r)
		}
	}()

	return handler(ctx, tx)
}

// recordFailure stores cause on the barrier after the business transaction rolled
// back. The rollback also discarded the lease taken by Execute, so the barrier is
// entered again in a short transaction of its own and marked failed there. Errors
// are logged and never returned; the handler error is what the caller needs.
func (b *Barrier) recordFailure(ctx context.Context, consumerName string, d Delivery, cause error) {
	ctx = context.WithoutCancel(ctx)

	b.logger.Warn("barrier handler failed",
		zap.String("consumer", consumerName),
		zap.Int64("message_id", d.MessageID),
		zap.Error(cause))

	err := b.dbCtx.inTx(ctx, sql.LevelDefault, func(tx Tx) error {
		ticket, res, err := b.Enter(ctx, tx, consumerName, d)
		if err != nil || res != Entered {
			return err
		}
		_, err = b.MarkFailed(ctx, tx, ticket, cause)
		return err
	})
	if err != nil {
		b.logger.Error("recording barrier failure failed",
			zap.String("consumer", consumerName),
			zap.Int64("message_id", d.MessageID),
			zap.Error(err))
	}
}

func validateConsumerName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > maxConsumerNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidConsumerName, name)
	}
	return nil
}
