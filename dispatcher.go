package txbox

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Dispatcher periodically leases due rows from the outbox table and publishes them
// to a message broker. Several dispatchers, in one process or many, can share a table:
// every row is leased by exactly one of them at a time.
type Dispatcher struct {
	dbCtx     *DBContext
	logger    *zap.Logger
	metrics   dispatcherMetrics
	deliverer *deliverer

	scanInterval   time.Duration
	readTimeout    time.Duration
	publishTimeout time.Duration
	updateTimeout  time.Duration
	batchSize      int
	policy         RetryPolicy
	retryDelay     DelayFunc
	retryFailed    RetryFailedFunc

	healthy atomic.Bool

	started     int32
	closed      int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	chMu        sync.RWMutex
	chClosed    bool
	errCh       chan error
	exhaustedCh chan OutboxMessage
}

// DispatchResult summarizes one dispatch cycle.
type DispatchResult struct {
	// Claimed is the number of rows leased in this cycle.
	Claimed int
	// Published is the number of rows published and marked Succeeded.
	Published int
	// Failed is the number of rows whose publish failed and were scheduled for retry.
	Failed int
	// StateUpdateFailed is the number of rows whose outcome could not be recorded.
	// They stay Processing until the lease expires.
	StateUpdateFailed int
}

// DispatcherOption is a function that configures a Dispatcher instance.
type DispatcherOption func(*Dispatcher)

// WithScanInterval sets how long the dispatcher sleeps after a cycle that found nothing to do.
// Default is 1 second.
func WithScanInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.scanInterval = interval
		}
	}
}

// WithLockTimeout sets how long a lease stays valid. A row leased by a node that
// crashed is dispatched again once its lease is older than this.
// Default is 30 seconds. Must be comfortably longer than the publish timeout.
func WithLockTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy.LockTimeout = timeout
	}
}

// WithMaxRetry sets the number of failed publish attempts after which a row is left
// Failed and no longer dispatched. Users can use `ExhaustedMessages` to be notified.
// Default is 10. Must be positive.
func WithMaxRetry(maxRetry int) DispatcherOption {
	return func(d *Dispatcher) {
		if maxRetry > 0 {
			d.policy.MaxRetry = maxRetry
		}
	}
}

// WithBatchSize sets the maximum number of rows leased per cycle.
// Default is 100. Must be positive.
func WithBatchSize(batchSize int) DispatcherOption {
	return func(d *Dispatcher) {
		if batchSize > 0 {
			d.batchSize = batchSize
		}
	}
}

// WithRetryInterval sets the backoff used to compute next_retry_time after a failed
// publish. The function receives the number of failed attempts so far, starting at 1.
// Default is Exponential(1s, 10m).
func WithRetryInterval(delayFunc DelayFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy.RetryInterval = delayFunc
	}
}

// WithRetryDelay sets a pause applied inside a cycle before republishing a row that
// already failed at least once. It throttles publishing against a recovering broker.
// Default is no pause.
func WithRetryDelay(delayFunc DelayFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.retryDelay = delayFunc
	}
}

// WithMaxErrorLength bounds the publish error stored in last_error, in runes.
// Default is 512.
func WithMaxErrorLength(length int) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy.MaxErrorLength = length
	}
}

// WithRetryPolicy replaces the whole retry policy. Zero fields keep their defaults.
func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// WithReadTimeout sets the timeout for leasing and reading a batch.
// Default is 5 seconds.
func WithReadTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.readTimeout = timeout
	}
}

// WithPublishTimeout sets the timeout for publishing one message to the broker.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.publishTimeout = timeout
	}
}

// WithUpdateTimeout sets the timeout for recording the outcome of a publish attempt.
// Default is 5 seconds.
func WithUpdateTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.updateTimeout = timeout
	}
}

// WithRetryFailedHook registers a function called after every failed publish attempt.
func WithRetryFailedHook(hook RetryFailedFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.retryFailed = hook
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.errCh = make(chan error, size)
		}
	}
}

// WithExhaustedChannelSize sets the size of the exhausted messages channel.
// Default is 128. Size must be positive.
func WithExhaustedChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.exhaustedCh = make(chan OutboxMessage, size)
		}
	}
}

// NewDispatcher creates a new outbox Dispatcher with the given database context,
// message publisher, and options.
func NewDispatcher(dbCtx *DBContext, publisher MessagePublisher, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		dbCtx:          dbCtx,
		logger:         dbCtx.componentLogger("dispatcher"),
		ctx:            ctx,
		cancel:         cancel,
		scanInterval:   time.Second,
		readTimeout:    5 * time.Second,
		publishTimeout: 5 * time.Second,
		updateTimeout:  5 * time.Second,
		batchSize:      100,
		policy:         DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.policy = d.policy.normalize()

	if d.errCh == nil {
		d.errCh = make(chan error, 128)
	}
	if d.exhaustedCh == nil {
		d.exhaustedCh = make(chan OutboxMessage, 128)
	}

	metrics, err := newDispatcherMetrics(dbCtx.meterProvider)
	if err != nil {
		d.logger.Warn("dispatcher metrics disabled", zap.Error(err))
		metrics = noopDispatcherMetrics()
	}
	d.metrics = metrics

	d.deliverer = &deliverer{
		dbCtx:          dbCtx,
		publisher:      publisher,
		logger:         d.logger,
		policy:         d.policy,
		publishTimeout: d.publishTimeout,
		updateTimeout:  d.updateTimeout,
		retryDelay:     d.retryDelay,
		retryFailed:    d.retryFailed,
		onError:        d.sendError,
		onExhausted:    d.sendExhausted,
	}

	return d
}

// Start begins the background dispatch loop. A cycle that handled rows is followed
// immediately by the next one; an idle cycle is followed by the scan interval.
// If Start is called multiple times, only the first call has an effect.
func (d *Dispatcher) Start() {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.closeChannels()
		defer d.deliverer.hooks.Wait()

		d.logger.Info("dispatcher started",
			zap.Duration("scan_interval", d.scanInterval),
			zap.Int("batch_size", d.batchSize),
			zap.Int("max_retry", d.policy.MaxRetry))

		for {
			res, _ := d.DispatchOnce(d.ctx)
			if d.ctx.Err() != nil {
				return
			}
			if res.Claimed > 0 {
				continue
			}
			if err := sleepContext(d.ctx, d.scanInterval); err != nil {
				return
			}
		}
	}()
}

// Stop gracefully shuts down the dispatcher.
// It prevents new cycles from starting and waits for the row being published to be
// recorded. Rows leased but not yet published keep their lease and are dispatched
// again once it expires. The provided context controls how long to wait.
//
// If the context expires before processing completes, Stop returns the context's
// error. If shutdown completes successfully, it returns nil.
// Calling Stop multiple times is safe and only the first call has an effect.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}

	d.cancel() // signal stop

	if atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		// Never started; no loop will close the channels.
		d.closeChannels()
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
		d.deliverer.hooks.Wait()
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOnce runs a single cycle: it leases up to the batch size of due rows under
// a fresh lock id, publishes them in creation order and records each outcome.
//
// The returned error reports a failure to lease or read the batch; publish and update
// failures are counted in the result and sent to Errors.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	started := time.Now()
	defer func() {
		d.metrics.record(context.WithoutCancel(ctx), res, time.Since(started).Seconds())
	}()

	lockID := d.dbCtx.newLockID()

	msgs, err := d.claim(ctx, lockID)
	if err != nil {
		return res, err
	}
	res.Claimed = len(msgs)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			d.logger.Debug("dispatch cycle interrupted, remaining rows keep their lease",
				zap.String("lock_id", lockID))
			return res, ctx.Err()
		}

		outcome, _ := d.deliverer.deliver(ctx, msg, lockID)
		switch outcome {
		case outcomePublished:
			res.Published++
		case outcomeFailed:
			res.Failed++
		case outcomeStateUpdateFailed:
			res.StateUpdateFailed++
		case outcomeAbandoned:
			return res, ctx.Err()
		}
	}

	if res.Claimed > 0 {
		d.logger.Debug("dispatch cycle completed",
			zap.String("lock_id", lockID),
			zap.Int("claimed", res.Claimed),
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed))
	}

	return res, nil
}

func (d *Dispatcher) claim(ctx context.Context, lockID string) ([]*OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()

	if !d.healthy.Load() {
		if err := d.dbCtx.ensureConnection(ctx); err != nil {
			return nil, d.claimFailed(lockID, err)
		}
		d.healthy.Store(true)
	}

	var claimed int64
	err := d.dbCtx.inTx(ctx, sql.LevelReadCommitted, func(tx Tx) error {
		var err error
		claimed, err = d.dbCtx.provider.TryLockOutboxBatch(ctx, tx, lockID, d.dbCtx.now(),
			d.policy.LockTimeout, d.policy.MaxRetry, d.batchSize)
		return err
	})
	if err != nil {
		return nil, d.claimFailed(lockID, err)
	}
	if claimed == 0 {
		return nil, nil
	}

	msgs, err := d.dbCtx.provider.GetLockedOutboxBatch(ctx, d.dbCtx.db, lockID, int(claimed))
	if err != nil {
		d.healthy.Store(false)
		d.logger.Error("reading leased outbox batch failed", zap.String("lock_id", lockID), zap.Error(err))
		readErr := &ReadError{LockID: lockID, Err: err}
		d.sendError(readErr)
		return nil, readErr
	}

	return msgs, nil
}

func (d *Dispatcher) claimFailed(lockID string, err error) error {
	d.healthy.Store(false)
	d.logger.Error("leasing outbox batch failed", zap.String("lock_id", lockID), zap.Error(err))
	claimErr := &ClaimError{LockID: lockID, Err: err}
	d.sendError(claimErr)
	return claimErr
}

// Errors returns a channel that receives errors from the dispatcher.
// The channel is buffered to prevent blocking the dispatcher. If the buffer becomes
// full, subsequent errors will be dropped to maintain dispatcher throughput.
// The channel is closed when the dispatcher is stopped.
//
// The returned error will be one of the following types, which can be checked
// using a type switch:
//   - *ClaimError:   Failed to lease a batch of rows.
//   - *ReadError:    Failed to read back a leased batch.
//   - *PublishError: Failed to publish a message. Contains the row.
//   - *UpdateError:  Failed to record the outcome of a publish attempt. Contains the row.
//
// Example of error handling:
//
//	for err := range d.Errors() {
//		switch e := err.(type) {
//		case *txbox.PublishError:
//			log.Printf("Failed to publish message | ID: %d | Error: %v",
//				e.Message.MessageID, e.Err)
//
//		case *txbox.UpdateError:
//			log.Printf("Failed to update message | ID: %d | Error: %v",
//				e.Message.MessageID, e.Err)
//
//		case *txbox.ClaimError, *txbox.ReadError:
//			log.Printf("Failed to lease outbox messages | Error: %v", e)
//
//		default:
//			log.Printf("Unexpected error occurred | Error: %v", e)
//		}
//	}
func (d *Dispatcher) Errors() <-chan error {
	return d.errCh
}

// ExhaustedMessages returns a channel that receives rows that failed for the last
// time and will not be dispatched again. They stay in the table with status Failed.
// The channel is closed when the dispatcher is stopped.
//
// Consumers should drain this channel promptly to avoid missing messages.
func (d *Dispatcher) ExhaustedMessages() <-chan OutboxMessage {
	return d.exhaustedCh
}

func (d *Dispatcher) sendError(err error) {
	d.chMu.RLock()
	defer d.chMu.RUnlock()

	if d.chClosed {
		return
	}
	select {
	case d.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (d *Dispatcher) sendExhausted(msg OutboxMessage) {
	d.chMu.RLock()
	defer d.chMu.RUnlock()

	if d.chClosed {
		return
	}
	select {
	case d.exhaustedCh <- msg:
	default:
		// Channel buffer full, drop the message to prevent blocking
	}
}

func (d *Dispatcher) closeChannels() {
	d.chMu.Lock()
	defer d.chMu.Unlock()

	d.chClosed = true
	close(d.errCh)
	close(d.exhaustedCh)
}
