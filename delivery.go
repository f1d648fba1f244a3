package txbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessagePublisher defines an interface for publishing messages to a message broker.
type MessagePublisher interface {
	// Publish sends the envelope to env.Exchange with env.RoutingKey.
	// This function may be called multiple times for the same message.
	// Consumers must be idempotent, which is what the inbox Barrier provides.
	// Return nil on success.
	// Return error on failure. In this case the row is marked Failed and retried
	// after the configured retry interval, until the maximum number of retries is reached.
	Publish(ctx context.Context, env *Envelope) error
}

// RetryFailedFunc is invoked after every failed publish attempt with the row as it
// was before the attempt and the publish error. It runs on its own goroutine; a panic
// inside it is recovered and logged.
type RetryFailedFunc func(ctx context.Context, msg OutboxMessage, err error)

// RetryPolicy controls how failed publish attempts are scheduled and recorded.
type RetryPolicy struct {
	// MaxRetry is the number of failed attempts after which a row is no longer claimed.
	MaxRetry int

	// LockTimeout is how long a lease stays valid. A Processing row whose lease is
	// older than this is reclaimable by any node.
	LockTimeout time.Duration

	// RetryInterval computes how long to wait before the next attempt, given the
	// number of failed attempts so far (starting at 1).
	RetryInterval DelayFunc

	// MaxErrorLength bounds the error text stored in last_error, in runes.
	MaxErrorLength int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetry:       10,
		LockTimeout:    30 * time.Second,
		RetryInterval:  Exponential(time.Second, 10*time.Minute),
		MaxErrorLength: defaultMaxErrorLength,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetry <= 0 {
		p.MaxRetry = def.MaxRetry
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = def.LockTimeout
	}
	if p.RetryInterval == nil {
		p.RetryInterval = def.RetryInterval
	}
	if p.MaxErrorLength <= 0 {
		p.MaxErrorLength = def.MaxErrorLength
	}
	return p
}

type deliveryOutcome int

const (
	outcomePublished deliveryOutcome = iota
	outcomeFailed
	outcomeLockLost
	outcomeStateUpdateFailed
	outcomeAbandoned
)

// deliverer publishes a leased row and records the outcome. It is shared by the
// Dispatcher and the post-commit fast path of OutboxHandle.
type deliverer struct {
	dbCtx     *DBContext
	publisher MessagePublisher
	logger    *zap.Logger
	policy    RetryPolicy

	publishTimeout time.Duration
	updateTimeout  time.Duration
	retryDelay     DelayFunc
	retryFailed    RetryFailedFunc

	hooks       sync.WaitGroup
	onError     func(error)
	onExhausted func(OutboxMessage)
}

// deliver publishes msg, which must be leased by lockID, and marks it Succeeded or Failed.
// The returned error is the publish or update error, if any.
func (d *deliverer) deliver(ctx context.Context, msg *OutboxMessage, lockID string) (deliveryOutcome, error) {
	if msg.RetryCount > 0 && d.retryDelay != nil {
		if err := sleepContext(ctx, d.retryDelay(msg.RetryCount)); err != nil {
			// Abandoned rows keep their lease and are reclaimed once it expires.
			return outcomeAbandoned, err
		}
	}

	pubErr := d.publish(ctx, msg)
	if pubErr == nil {
		return d.markSucceeded(ctx, msg, lockID)
	}

	d.logger.Warn("publishing outbox message failed",
		zap.Int64("message_id", msg.MessageID),
		zap.Int("retry_count", msg.RetryCount),
		zap.Error(pubErr))
	d.reportError(&PublishError{Message: *msg, Err: pubErr})

	outcome, err := d.markFailed(ctx, msg, lockID, pubErr)
	d.runRetryFailedHook(ctx, *msg, pubErr)
	if err != nil {
		return outcome, err
	}
	return outcome, pubErr
}

func (d *deliverer) publish(ctx context.Context, msg *OutboxMessage) error {
	env, err := msg.Envelope()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	return d.publisher.Publish(ctx, env)
}

func (d *deliverer) markSucceeded(ctx context.Context, msg *OutboxMessage, lockID string) (deliveryOutcome, error) {
	// Record the outcome even when the caller is shutting down; otherwise the row is published twice.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.updateTimeout)
	defer cancel()

	ok, err := d.dbCtx.provider.MarkOutboxSucceeded(ctx, d.dbCtx.db, msg.MessageID, lockID, d.dbCtx.now())
	if err != nil {
		d.logger.Error("marking outbox message succeeded failed",
			zap.Int64("message_id", msg.MessageID), zap.String("lock_id", lockID), zap.Error(err))
		d.reportError(&UpdateError{Message: *msg, Err: err})
		return outcomeStateUpdateFailed, err
	}
	if !ok {
		d.logger.Debug("outbox lease lost before marking succeeded",
			zap.Int64("message_id", msg.MessageID), zap.String("lock_id", lockID))
		return outcomeLockLost, nil
	}

	d.logger.Debug("outbox message published", zap.Int64("message_id", msg.MessageID))
	return outcomePublished, nil
}

func (d *deliverer) markFailed(ctx context.Context, msg *OutboxMessage, lockID string, pubErr error) (deliveryOutcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.updateTimeout)
	defer cancel()

	now := d.dbCtx.now()
	attempts := msg.RetryCount + 1
	next := now.Add(d.policy.RetryInterval(attempts))
	lastError := sanitizeError(pubErr, d.policy.MaxErrorLength)

	ok, err := d.dbCtx.provider.MarkOutboxFailed(ctx, d.dbCtx.db, msg.MessageID, lockID, now, next, lastError)
	if err != nil {
		d.logger.Error("marking outbox message failed failed",
			zap.Int64("message_id", msg.MessageID), zap.String("lock_id", lockID), zap.Error(err))
		d.reportError(&UpdateError{Message: *msg, Err: fmt.Errorf("scheduling retry: %w", err)})
		return outcomeStateUpdateFailed, err
	}
	if !ok {
		d.logger.Debug("outbox lease lost before marking failed",
			zap.Int64("message_id", msg.MessageID), zap.String("lock_id", lockID))
		return outcomeLockLost, nil
	}

	if attempts >= d.policy.MaxRetry {
		d.logger.Error("outbox message exhausted its retries",
			zap.Int64("message_id", msg.MessageID), zap.Int("retry_count", attempts))
		if d.onExhausted != nil {
			exhausted := *msg
			exhausted.Status = StatusFailed
			exhausted.RetryCount = attempts
			exhausted.NextRetryTime = next
			exhausted.LastError = lastError
			exhausted.UpdateTime = now
			d.onExhausted(exhausted)
		}
	}

	return outcomeFailed, nil
}

func (d *deliverer) runRetryFailedHook(ctx context.Context, msg OutboxMessage, err error) {
	if d.retryFailed == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	d.hooks.Add(1)
	go func() {
		defer d.hooks.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("retry failed hook panicked",
					zap.Int64("message_id", msg.MessageID), zap.Any("panic", r))
			}
		}()

		d.retryFailed(ctx, msg, err)
	}()
}

func (d *deliverer) reportError(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}
