package txbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// dialect supplies the statements whose syntax differs between databases.
// Statements shared by every dialect live on sqlProvider and use each
// placeholder once, in ascending order, so positional dialects line up.
type dialect interface {
	placeholder(index int) string
	createTables(t Tables) []string
	lockOutboxBatch(table string, p lockBatchParams) (string, []any)
	selectLimited(columns, table, where, orderBy string, limitIndex int) string
	deleteLimited(table, where string, limitIndex int) string
	// inboxConflictClause is appended to barrier inserts. It is empty when the
	// dialect reports primary key conflicts as errors instead.
	inboxConflictClause() string
	isDuplicateKey(err error) bool
}

type lockBatchParams struct {
	lockID   string
	now      time.Time
	cutoff   time.Time
	maxRetry int
	take     int
}

const outboxColumns = "message_id, exchange, routing_key, message_header, message_body, message_text, " +
	"status, retry_count, next_retry_time, lock_id, lock_time, last_error, create_time, update_time"

type sqlProvider struct {
	name   SQLDialect
	tables Tables
	d      dialect
}

func newSQLProvider(name SQLDialect, tables Tables, d dialect) *sqlProvider {
	return &sqlProvider{name: name, tables: tables, d: d}
}

func (p *sqlProvider) Name() SQLDialect {
	return p.name
}

func (p *sqlProvider) ph(index int) string {
	return p.d.placeholder(index)
}

func (p *sqlProvider) placeholders(from, n int) string {
	phs := make([]string, 0, n)
	for i := from; i < from+n; i++ {
		phs = append(phs, p.ph(i))
	}
	return strings.Join(phs, ", ")
}

func (p *sqlProvider) EnsureTablesExist(ctx context.Context, q Queryer) error {
	for _, stmt := range p.d.createTables(p.tables) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (p *sqlProvider) InsertOutbox(ctx context.Context, q Queryer, msg *OutboxMessage) error {
	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (message_id, exchange, routing_key, message_header, message_body, message_text, "+
		"status, retry_count, next_retry_time, create_time, update_time) VALUES (%s)",
		p.tables.Outbox, p.placeholders(1, 11))

	_, err := q.ExecContext(ctx, query,
		msg.MessageID,
		msg.Exchange,
		msg.RoutingKey,
		msg.Header,
		msg.Body,
		nullString(msg.Text),
		int64(msg.Status),
		int64(msg.RetryCount),
		msg.NextRetryTime,
		msg.CreateTime,
		msg.UpdateTime,
	)
	if err != nil {
		return fmt.Errorf("inserting message %d into %s: %w", msg.MessageID, p.tables.Outbox, err)
	}
	return nil
}

func (p *sqlProvider) TryLockOutboxBatch(ctx context.Context, q Queryer, lockID string, now time.Time,
	lockTimeout time.Duration, maxRetry, take int,
) (int64, error) {
	query, args := p.d.lockOutboxBatch(p.tables.Outbox, lockBatchParams{
		lockID:   lockID,
		now:      now,
		cutoff:   now.Add(-lockTimeout),
		maxRetry: maxRetry,
		take:     take,
	})

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("locking outbox batch: %w", err)
	}
	return res.RowsAffected()
}

func (p *sqlProvider) GetLockedOutboxBatch(ctx context.Context, q Queryer, lockID string, take int) ([]*OutboxMessage, error) {
	where := fmt.Sprintf("lock_id = %s AND status = %d", p.ph(1), StatusProcessing)
	query := p.d.selectLimited(outboxColumns, p.tables.Outbox, where, "create_time", 2)

	rows, err := q.QueryContext(ctx, query, lockID, take)
	if err != nil {
		return nil, fmt.Errorf("querying locked outbox messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []*OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}
	return messages, nil
}

func scanOutboxMessage(rows *sql.Rows) (*OutboxMessage, error) {
	var (
		msg                                             OutboxMessage
		exchange, routingKey, header, body, text        sql.NullString
		lockID, lastError                               sql.NullString
		status, retryCount                              int64
		nextRetryTime, lockTime, createTime, updateTime sql.NullTime
	)

	err := rows.Scan(&msg.MessageID, &exchange, &routingKey, &header, &body, &text,
		&status, &retryCount, &nextRetryTime, &lockID, &lockTime, &lastError, &createTime, &updateTime)
	if err != nil {
		return nil, err
	}

	msg.Exchange = exchange.String
	msg.RoutingKey = routingKey.String
	msg.Header = header.String
	msg.Body = body.String
	msg.Text = text.String
	msg.Status = Status(status)
	msg.RetryCount = int(retryCount)
	msg.NextRetryTime = utcTime(nextRetryTime)
	msg.LockID = lockID.String
	msg.LockTime = utcTime(lockTime)
	msg.LastError = lastError.String
	msg.CreateTime = utcTime(createTime)
	msg.UpdateTime = utcTime(updateTime)

	return &msg, nil
}

func (p *sqlProvider) TryLockOutbox(ctx context.Context, q Queryer, messageID int64, lockID string, now time.Time,
	lockTimeout time.Duration,
) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %d, lock_id = %s, lock_time = %s, update_time = %s "+
		"WHERE message_id = %s AND next_retry_time <= %s "+
		"AND (status IN (%d, %d) OR (status = %d AND lock_time < %s))",
		p.tables.Outbox, StatusProcessing, p.ph(1), p.ph(2), p.ph(3),
		p.ph(4), p.ph(5),
		StatusPending, StatusFailed, StatusProcessing, p.ph(6))

	res, err := q.ExecContext(ctx, query, lockID, now, now, messageID, now, now.Add(-lockTimeout))
	if err != nil {
		return false, fmt.Errorf("locking message %d: %w", messageID, err)
	}
	return affectedOne(res)
}

func (p *sqlProvider) MarkOutboxSucceeded(ctx context.Context, q Queryer, messageID int64, lockID string, now time.Time) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %d, update_time = %s WHERE message_id = %s AND lock_id = %s AND status = %d",
		p.tables.Outbox, StatusSucceeded, p.ph(1), p.ph(2), p.ph(3), StatusProcessing)

	res, err := q.ExecContext(ctx, query, now, messageID, lockID)
	if err != nil {
		return false, fmt.Errorf("marking message %d succeeded: %w", messageID, err)
	}
	return affectedOne(res)
}

func (p *sqlProvider) MarkOutboxFailed(ctx context.Context, q Queryer, messageID int64, lockID string, now, nextRetryTime time.Time,
	lastError string,
) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %d, retry_count = retry_count + 1, next_retry_time = %s, last_error = %s, update_time = %s "+
		"WHERE message_id = %s AND lock_id = %s AND status = %d",
		p.tables.Outbox, StatusFailed, p.ph(1), p.ph(2), p.ph(3), p.ph(4), p.ph(5), StatusProcessing)

	res, err := q.ExecContext(ctx, query, nextRetryTime, nullString(lastError), now, messageID, lockID)
	if err != nil {
		return false, fmt.Errorf("marking message %d failed: %w", messageID, err)
	}
	return affectedOne(res)
}

func (p *sqlProvider) TryEnterInboxBarrier(ctx context.Context, q Queryer, b *InboxBarrier, lockTimeout time.Duration) (EnterResult, error) {
	cutoff := b.LockTime.Add(-lockTimeout)

	// A second pass only happens when the conflicting row disappeared before it could be read.
	for range 2 {
		inserted, err := p.insertInboxBarrier(ctx, q, b)
		if err != nil {
			return 0, err
		}
		if inserted {
			return Entered, nil
		}

		status, lockTime, found, err := p.readInboxBarrier(ctx, q, b.ConsumerName, b.MessageID)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}

		switch {
		case status == StatusSucceeded:
			return AlreadyCompleted, nil
		case status == StatusProcessing && !lockTime.Before(cutoff):
			return Busy, nil
		}

		took, err := p.reenterInboxBarrier(ctx, q, b, cutoff)
		if err != nil {
			return 0, err
		}
		if took {
			return Entered, nil
		}

		// Lost the race to another consumer; report what it left behind.
		status, _, found, err = p.readInboxBarrier(ctx, q, b.ConsumerName, b.MessageID)
		if err != nil {
			return 0, err
		}
		if found && status == StatusSucceeded {
			return AlreadyCompleted, nil
		}
		return Busy, nil
	}

	return Busy, nil
}

func (p *sqlProvider) insertInboxBarrier(ctx context.Context, q Queryer, b *InboxBarrier) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (consumer_name, message_id, exchange, routing_key, message_header, "+
		"status, lock_id, lock_time, create_time, update_time) VALUES (%s)%s",
		p.tables.Inbox, p.placeholders(1, 10), p.d.inboxConflictClause())

	res, err := q.ExecContext(ctx, query,
		b.ConsumerName,
		b.MessageID,
		b.Exchange,
		b.RoutingKey,
		b.Header,
		int64(StatusProcessing),
		b.LockID,
		b.LockTime,
		b.CreateTime,
		b.UpdateTime,
	)
	if err != nil {
		if p.d.isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting barrier %s/%d: %w", b.ConsumerName, b.MessageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *sqlProvider) readInboxBarrier(ctx context.Context, q Queryer, consumerName string, messageID int64) (Status, time.Time, bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("SELECT status, lock_time FROM %s WHERE consumer_name = %s AND message_id = %s",
		p.tables.Inbox, p.ph(1), p.ph(2))

	rows, err := q.QueryContext(ctx, query, consumerName, messageID)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("reading barrier %s/%d: %w", consumerName, messageID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return 0, time.Time{}, false, rows.Err()
	}

	var (
		status   int64
		lockTime sql.NullTime
	)
	if err := rows.Scan(&status, &lockTime); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("scanning barrier %s/%d: %w", consumerName, messageID, err)
	}
	return Status(status), utcTime(lockTime), true, rows.Err()
}

func (p *sqlProvider) reenterInboxBarrier(ctx context.Context, q Queryer, b *InboxBarrier, cutoff time.Time) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %d, lock_id = %s, lock_time = %s, update_time = %s, "+
		"exchange = %s, routing_key = %s, message_header = %s "+
		"WHERE consumer_name = %s AND message_id = %s "+
		"AND (status IN (%d, %d) OR (status = %d AND lock_time < %s))",
		p.tables.Inbox, StatusProcessing, p.ph(1), p.ph(2), p.ph(3),
		p.ph(4), p.ph(5), p.ph(6),
		p.ph(7), p.ph(8),
		StatusPending, StatusFailed, StatusProcessing, p.ph(9))

	res, err := q.ExecContext(ctx, query,
		b.LockID, b.LockTime, b.UpdateTime,
		b.Exchange, b.RoutingKey, b.Header,
		b.ConsumerName, b.MessageID,
		cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("re-entering barrier %s/%d: %w", b.ConsumerName, b.MessageID, err)
	}
	return affectedOne(res)
}

func (p *sqlProvider) MarkInboxBarrierSucceeded(ctx context.Context, q Queryer, consumerName string, messageID int64, lockID string,
	now time.Time,
) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %d, update_time = %s "+
		"WHERE consumer_name = %s AND message_id = %s AND lock_id = %s AND status = %d",
		p.tables.Inbox, StatusSucceeded, p.ph(1), p.ph(2), p.ph(3), p.ph(4), StatusProcessing)

	res, err := q.ExecContext(ctx, query, now, consumerName, messageID, lockID)
	if err != nil {
		return false, fmt.Errorf("marking barrier %s/%d succeeded: %w", consumerName, messageID, err)
	}
	return affectedOne(res)
}

func (p *sqlProvider) MarkInboxBarrierFailed(ctx context.Context, q Queryer, consumerName string, messageID int64, lockID string,
	now time.Time, lastError string,
) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %d, last_error = %s, update_time = %s "+
		"WHERE consumer_name = %s AND message_id = %s AND lock_id = %s AND status = %d",
		p.tables.Inbox, StatusFailed, p.ph(1), p.ph(2), p.ph(3), p.ph(4), p.ph(5), StatusProcessing)

	res, err := q.ExecContext(ctx, query, nullString(lastError), now, consumerName, messageID, lockID)
	if err != nil {
		return false, fmt.Errorf("marking barrier %s/%d failed: %w", consumerName, messageID, err)
	}
	return affectedOne(res)
}

func (p *sqlProvider) CountByStatus(ctx context.Context, q Queryer, table Table, status Status) (int64, error) {
	// nolint:gosec
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = %s", p.tables.name(table), p.ph(1))

	rows, err := q.QueryContext(ctx, query, int64(status))
	if err != nil {
		return 0, fmt.Errorf("counting %s rows in %s: %w", status, p.tables.name(table), err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("scanning %s count: %w", p.tables.name(table), err)
		}
	}
	return count, rows.Err()
}

func (p *sqlProvider) DeleteSucceededBefore(ctx context.Context, q Queryer, table Table, cutoff time.Time, take int) (int64, error) {
	where := fmt.Sprintf("status = %d AND update_time < %s", StatusSucceeded, p.ph(1))
	query := p.d.deleteLimited(p.tables.name(table), where, 2)

	res, err := q.ExecContext(ctx, query, cutoff, take)
	if err != nil {
		return 0, fmt.Errorf("deleting expired rows from %s: %w", p.tables.name(table), err)
	}
	return res.RowsAffected()
}

func (p *sqlProvider) DeleteOldestSucceeded(ctx context.Context, q Queryer, table Table, take int) (int64, error) {
	where := fmt.Sprintf("status = %d", StatusSucceeded)
	query := p.d.deleteLimited(p.tables.name(table), where, 1)

	res, err := q.ExecContext(ctx, query, take)
	if err != nil {
		return 0, fmt.Errorf("deleting oldest rows from %s: %w", p.tables.name(table), err)
	}
	return res.RowsAffected()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

// sqlStateError is implemented by the lib/pq and pgx error types.
type sqlStateError interface {
	SQLState() string
}

func hasSQLState(err error, code string) bool {
	var stateErr sqlStateError
	return errors.As(err, &stateErr) && stateErr.SQLState() == code
}
