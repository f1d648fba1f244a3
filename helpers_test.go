package txbox

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oagudo/txbox/internal/clock"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type sqliteEnv struct {
	db    *sql.DB
	dbCtx *DBContext
	clock *clock.ManualClock
}

// newSQLiteEnv opens a fresh SQLite database in a temp dir with both tables created.
// A single connection serializes access the way SQLite's writer lock would anyway.
func newSQLiteEnv(t *testing.T, opts ...DBContextOption) *sqliteEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "txbox.db"))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	clk := clock.NewManual(testEpoch)
	opts = append([]DBContextOption{WithClock(clk), WithNodeID("test-node")}, opts...)

	dbCtx, err := NewDBContext(db, SQLDialectSQLite, opts...)
	require.NoError(t, err)
	require.NoError(t, dbCtx.EnsureTablesExist(context.Background()))

	return &sqliteEnv{db: db, dbCtx: dbCtx, clock: clk}
}

func (e *sqliteEnv) register(t *testing.T, id int64, exchange, routingKey string, body string) {
	t.Helper()

	_, err := NewRegistrar(e.dbCtx).Register(context.Background(), nil, exchange, routingKey, NewMessage(id, []byte(body)))
	require.NoError(t, err)
}

func (e *sqliteEnv) outboxRow(t *testing.T, id int64) *OutboxMessage {
	t.Helper()

	rows, err := e.db.Query(fmt.Sprintf("SELECT %s FROM %s WHERE message_id = ?", outboxColumns, e.dbCtx.tables.Outbox), id)
	require.NoError(t, err)
	defer func() {
		_ = rows.Close()
	}()

	require.True(t, rows.Next(), "outbox row %d not found", id)
	msg, err := scanOutboxMessage(rows)
	require.NoError(t, err)
	return msg
}

type inboxRow struct {
	status    Status
	lockID    string
	lastError string
}

func (e *sqliteEnv) inboxRow(t *testing.T, consumer string, id int64) (inboxRow, bool) {
	t.Helper()

	var (
		row               inboxRow
		status            int64
		lockID, lastError sql.NullString
	)
	err := e.db.QueryRow(fmt.Sprintf("SELECT status, lock_id, last_error FROM %s WHERE consumer_name = ? AND message_id = ?",
		e.dbCtx.tables.Inbox), consumer, id).Scan(&status, &lockID, &lastError)
	if err == sql.ErrNoRows {
		return row, false
	}
	require.NoError(t, err)

	row.status = Status(status)
	row.lockID = lockID.String
	row.lastError = lastError.String
	return row, true
}

func (e *sqliteEnv) count(t *testing.T, table Table) int {
	t.Helper()

	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM "+e.dbCtx.tables.name(table)).Scan(&n))
	return n
}

// seedSucceeded inserts n Succeeded rows into table, ids starting at firstID, all
// last updated at updateTime.
func (e *sqliteEnv) seedSucceeded(t *testing.T, table Table, firstID int64, n int, updateTime time.Time) {
	t.Helper()

	tx, err := e.db.Begin()
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		id := firstID + int64(i)
		if table == InboxTable {
			_, err = tx.Exec(fmt.Sprintf("INSERT INTO %s (consumer_name, message_id, message_header, status, create_time, update_time) "+
				"VALUES (?, ?, '{}', ?, ?, ?)", e.dbCtx.tables.Inbox), "seed", id, int64(StatusSucceeded), updateTime, updateTime)
		} else {
			_, err = tx.Exec(fmt.Sprintf("INSERT INTO %s (message_id, message_header, message_body, status, next_retry_time, create_time, update_time) "+
				"VALUES (?, '{}', '', ?, ?, ?, ?)", e.dbCtx.tables.Outbox), id, int64(StatusSucceeded), updateTime, updateTime, updateTime)
		}
		require.NoError(t, err)
	}

	require.NoError(t, tx.Commit())
}

type fakePublisher struct {
	mu        sync.Mutex
	envelopes []*Envelope
	onPublish func(env *Envelope) error
}

func (p *fakePublisher) Publish(_ context.Context, env *Envelope) error {
	if p.onPublish != nil {
		if err := p.onPublish(env); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return nil
}

func (p *fakePublisher) published() []*Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Envelope(nil), p.envelopes...)
}

type fakeDB struct {
	beginTxErr error
	tx         *fakeTx
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	return f.tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, nil
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

type fakeTx struct {
	execErr     error
	commitErr   error
	rollbackErr error

	execCalled bool
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	f.execCalled = true
	return nil, f.execErr
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return f.rollbackErr
}
