package txbox

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Cleaner periodically deletes Succeeded rows from the outbox and inbox barrier
// tables. Rows in any other status are never deleted.
//
// Two independent strategies are available: an age based one, enabled by default,
// and a count based one that keeps the number of Succeeded rows bounded.
type Cleaner struct {
	dbCtx   *DBContext
	logger  *zap.Logger
	metrics cleanerMetrics

	interval      time.Duration
	keepCompleted time.Duration
	maxCompleted  int64
	batchSize     int

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// CleanupResult reports the rows deleted by one cleanup pass.
type CleanupResult struct {
	OutboxDeleted int64
	InboxDeleted  int64
}

func (r *CleanupResult) add(table Table, n int64) {
	if table == InboxTable {
		r.InboxDeleted += n
		return
	}
	r.OutboxDeleted += n
}

// CleanerOption is a function that configures a Cleaner instance.
type CleanerOption func(*Cleaner)

// WithCleanupInterval sets the time between cleanup passes.
// Default is 1 hour.
func WithCleanupInterval(interval time.Duration) CleanerOption {
	return func(c *Cleaner) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithKeepCompleted sets how long Succeeded rows are kept, measured from their last
// update. Default is 7 days. Zero disables the age based strategy.
func WithKeepCompleted(keep time.Duration) CleanerOption {
	return func(c *Cleaner) {
		if keep >= 0 {
			c.keepCompleted = keep
		}
	}
}

// WithMaxCompletedCount bounds the number of Succeeded rows kept per table. When a
// table holds more, the oldest are deleted until at most half of them remain.
// Default is 0, which disables the count based strategy.
func WithMaxCompletedCount(count int64) CleanerOption {
	return func(c *Cleaner) {
		if count >= 0 {
			c.maxCompleted = count
		}
	}
}

// WithDeleteBatchSize sets the maximum number of rows deleted per statement. Every
// batch runs in its own short transaction.
// Default is 1000. Size must be positive.
func WithDeleteBatchSize(size int) CleanerOption {
	return func(c *Cleaner) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// NewCleaner creates a new Cleaner with the given database context and options.
func NewCleaner(dbCtx *DBContext, opts ...CleanerOption) *Cleaner {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cleaner{
		dbCtx:         dbCtx,
		logger:        dbCtx.componentLogger("cleaner"),
		ctx:           ctx,
		cancel:        cancel,
		interval:      time.Hour,
		keepCompleted: 7 * 24 * time.Hour,
		batchSize:     1000,
	}

	for _, opt := range opts {
		opt(c)
	}

	metrics, err := newCleanerMetrics(dbCtx.meterProvider)
	if err != nil {
		c.logger.Warn("cleaner metrics disabled", zap.Error(err))
		metrics = noopCleanerMetrics()
	}
	c.metrics = metrics

	return c
}

// Start begins the periodic cleanup. The first pass runs one interval after Start.
// If Start is called multiple times, only the first call has an effect.
func (c *Cleaner) Start() {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return
	}

	c.wg.Add(1)
	go func() {
		ticker := time.NewTicker(c.interval)

		defer c.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = c.CleanOnce(c.ctx)
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts down the periodic cleanup and waits for a running pass to stop.
// A pass stops between batches, so no delete is interrupted midway.
// Calling Stop multiple times is safe and only the first call has an effect.
func (c *Cleaner) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanOnce runs both enabled strategies once. Errors from both tables are combined;
// a failure on one table does not stop the other.
func (c *Cleaner) CleanOnce(ctx context.Context) (CleanupResult, error) {
	var (
		res  CleanupResult
		errs error
	)

	if c.keepCompleted > 0 {
		errs = multierr.Append(errs, c.cleanByAge(ctx, &res))
	}

	if c.maxCompleted > 0 {
		for _, table := range []Table{OutboxTable, InboxTable} {
			n, err := c.cleanByCount(ctx, table)
			res.add(table, n)
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		c.logger.Error("cleanup pass failed", zap.Error(errs))
	}
	if res.OutboxDeleted > 0 || res.InboxDeleted > 0 {
		c.logger.Info("cleanup pass completed",
			zap.Int64("outbox_deleted", res.OutboxDeleted),
			zap.Int64("inbox_deleted", res.InboxDeleted))
	}

	return res, errs
}

// cleanByAge deletes in rounds, outbox then inbox, until each table returns a short batch.
func (c *Cleaner) cleanByAge(ctx context.Context, res *CleanupResult) error {
	cutoff := c.dbCtx.now().Add(-c.keepCompleted)

	var errs error
	done := map[Table]bool{}
	for !done[OutboxTable] || !done[InboxTable] {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		for _, table := range []Table{OutboxTable, InboxTable} {
			if done[table] {
				continue
			}

			n, err := c.deleteBatch(ctx, table, func(tx Tx) (int64, error) {
				return c.dbCtx.provider.DeleteSucceededBefore(ctx, tx, table, cutoff, c.batchSize)
			})
			res.add(table, n)
			if err != nil {
				errs = multierr.Append(errs, err)
				done[table] = true
				continue
			}
			if n < int64(c.batchSize) {
				done[table] = true
			}
		}
	}

	return errs
}

// cleanByCount deletes the oldest Succeeded rows while the table holds more than
// the configured maximum, at least half of them per round.
func (c *Cleaner) cleanByCount(ctx context.Context, table Table) (int64, error) {
	var total int64
	for {
		count, err := c.dbCtx.provider.CountByStatus(ctx, c.dbCtx.db, table, StatusSucceeded)
		if err != nil {
			return total, err
		}
		if count <= c.maxCompleted {
			return total, nil
		}

		target := max(count/2, count-c.maxCompleted)

		var deleted int64
		for deleted < target {
			if err := ctx.Err(); err != nil {
				return total + deleted, err
			}

			take := int(min(int64(c.batchSize), target-deleted))
			n, err := c.deleteBatch(ctx, table, func(tx Tx) (int64, error) {
				return c.dbCtx.provider.DeleteOldestSucceeded(ctx, tx, table, take)
			})
			if err != nil {
				return total + deleted, err
			}
			if n == 0 {
				break
			}
			deleted += n
		}

		total += deleted
		if deleted == 0 {
			return total, nil
		}
	}
}

func (c *Cleaner) deleteBatch(ctx context.Context, table Table, fn func(tx Tx) (int64, error)) (int64, error) {
	var deleted int64
	err := c.dbCtx.inTx(ctx, sql.LevelDefault, func(tx Tx) error {
		var err error
		deleted, err = fn(tx)
		return err
	})
	if err != nil {
		return 0, err
	}

	c.metrics.record(ctx, table, deleted)
	return deleted, nil
}
