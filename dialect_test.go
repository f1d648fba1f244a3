package txbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sijms/go-ora/v2/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

// recordingQueryer captures the statements a Provider sends.
type recordingQueryer struct {
	queries []string
	args    [][]any
	result  sql.Result
	err     error
}

func (q *recordingQueryer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	q.queries = append(q.queries, query)
	q.args = append(q.args, args)
	if q.err != nil {
		return nil, q.err
	}
	if q.result == nil {
		return fakeResult(1), nil
	}
	return q.result, nil
}

func (q *recordingQueryer) QueryContext(_ context.Context, query string, args ...any) (*sql.Rows, error) {
	q.queries = append(q.queries, query)
	q.args = append(q.args, args)
	return nil, errors.New("recordingQueryer: queries are not supported")
}

var testTables = Tables{Outbox: "outbox", Inbox: "inbox_barrier"}

func providerFor(t *testing.T, name SQLDialect) Provider {
	t.Helper()
	p, err := LookupProvider(name, testTables)
	require.NoError(t, err)
	return p
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		dialect SQLDialect
		want    []string
	}{
		{SQLDialectPostgres, []string{"$1", "$2", "$3", "$4", "$5"}},
		{SQLDialectSQLServer, []string{"@p1", "@p2", "@p3", "@p4", "@p5"}},
		{SQLDialectOracle, []string{":1", ":2", ":3", ":4", ":5"}},
		{SQLDialectMySQL, []string{"?"}},
		{SQLDialectSQLite, []string{"?"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			q := &recordingQueryer{}
			now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

			ok, err := providerFor(t, tt.dialect).MarkOutboxFailed(context.Background(), q, 7, "node:1", now, now.Add(time.Second), "boom")
			require.NoError(t, err)
			assert.True(t, ok)

			require.Len(t, q.queries, 1)
			for _, ph := range tt.want {
				assert.Contains(t, q.queries[0], ph)
			}
			assert.Equal(t, []any{now.Add(time.Second), sql.NullString{String: "boom", Valid: true}, now, int64(7), "node:1"}, q.args[0])
		})
	}
}

func TestLockOutboxBatchStatements(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)

	tests := []struct {
		dialect  SQLDialect
		contains []string
		args     []any
	}{
		{
			dialect:  SQLDialectPostgres,
			contains: []string{"FOR UPDATE SKIP LOCKED", "LIMIT $5", "lock_id = $1"},
			args:     []any{"node:1", now, 3, now.Add(-10 * time.Second), 50},
		},
		{
			dialect:  SQLDialectMySQL,
			contains: []string{"ORDER BY create_time", "LIMIT ?"},
			args:     []any{"node:1", now, now, 3, now, now.Add(-10 * time.Second), 50},
		},
		{
			dialect:  SQLDialectSQLServer,
			contains: []string{"TOP (@p5)", "READPAST", "UPDATE claimed"},
			args:     []any{"node:1", now, 3, now.Add(-10 * time.Second), 50},
		},
		{
			dialect:  SQLDialectSQLite,
			contains: []string{"WHERE message_id IN (", "LIMIT ?"},
			args:     []any{"node:1", now, now, 3, now, now.Add(-10 * time.Second), 50},
		},
		{
			dialect:  SQLDialectOracle,
			contains: []string{"FETCH FIRST :7 ROWS ONLY", "lock_time < :6"},
			args:     []any{"node:1", now, now, 3, now, now.Add(-10 * time.Second), 50},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			q := &recordingQueryer{result: fakeResult(4)}

			n, err := providerFor(t, tt.dialect).TryLockOutboxBatch(context.Background(), q, "node:1", now, 10*time.Second, 3, 50)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)

			require.Len(t, q.queries, 1)
			for _, s := range tt.contains {
				assert.Contains(t, q.queries[0], s)
			}
			assert.Contains(t, q.queries[0], fmt.Sprintf("status = %d", StatusProcessing))
			assert.Equal(t, tt.args, q.args[0])
		})
	}
}

func TestDeleteStatementsOnlyTouchSucceededRows(t *testing.T) {
	for _, name := range []SQLDialect{SQLDialectPostgres, SQLDialectMySQL, SQLDialectSQLServer, SQLDialectSQLite, SQLDialectOracle} {
		t.Run(string(name), func(t *testing.T) {
			q := &recordingQueryer{result: fakeResult(2)}
			p := providerFor(t, name)

			n, err := p.DeleteSucceededBefore(context.Background(), q, InboxTable, time.Now(), 10)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			_, err = p.DeleteOldestSucceeded(context.Background(), q, OutboxTable, 10)
			require.NoError(t, err)

			require.Len(t, q.queries, 2)
			assert.Contains(t, q.queries[0], "inbox_barrier")
			assert.Contains(t, q.queries[1], "outbox")
			for _, query := range q.queries {
				assert.Contains(t, query, fmt.Sprintf("status = %d", StatusSucceeded))
				assert.Contains(t, query, "ORDER BY update_time")
			}
		})
	}
}

func TestCreateTablesUseConfiguredNames(t *testing.T) {
	for _, name := range []SQLDialect{SQLDialectPostgres, SQLDialectMySQL, SQLDialectSQLServer, SQLDialectSQLite, SQLDialectOracle} {
		t.Run(string(name), func(t *testing.T) {
			q := &recordingQueryer{}
			p, err := LookupProvider(name, Tables{Outbox: "app_outbox", Inbox: "app_inbox"})
			require.NoError(t, err)

			require.NoError(t, p.EnsureTablesExist(context.Background(), q))

			all := strings.Join(q.queries, "\n")
			assert.Contains(t, all, "app_outbox")
			assert.Contains(t, all, "app_inbox")
			assert.NotContains(t, all, "inbox_barrier")
		})
	}
}

func TestOracleOutboxAcceptsEmptyBody(t *testing.T) {
	q := &recordingQueryer{}
	require.NoError(t, providerFor(t, SQLDialectOracle).EnsureTablesExist(context.Background(), q))

	// Oracle stores an empty string as NULL, and an empty payload encodes to "".
	var outbox string
	for _, query := range q.queries {
		if strings.Contains(query, "message_body") {
			outbox = query
			break
		}
	}
	require.NotEmpty(t, outbox)
	assert.Contains(t, outbox, "message_body CLOB NULL")
	assert.NotContains(t, outbox, "message_body CLOB NOT NULL")
	assert.Equal(t, "", encodeBody([]byte{}))
}

func TestEnsureTablesExist_ReportsFailingStatement(t *testing.T) {
	q := &recordingQueryer{err: errors.New("permission denied")}

	err := providerFor(t, SQLDialectPostgres).EnsureTablesExist(context.Background(), q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREATE TABLE IF NOT EXISTS outbox")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		d    dialect
		err  error
		want bool
	}{
		{"postgres unique violation", postgresDialect{}, &pgconn.PgError{Code: "23505"}, true},
		{"postgres other error", postgresDialect{}, &pgconn.PgError{Code: "40001"}, false},
		{"mysql duplicate entry", mysqlDialect{}, &mysql.MySQLError{Number: 1062}, true},
		{"mysql wrapped duplicate entry", mysqlDialect{}, fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), true},
		{"mysql deadlock", mysqlDialect{}, &mysql.MySQLError{Number: 1213}, false},
		{"sqlserver unique constraint", sqlServerDialect{}, mssql.Error{Number: 2627}, true},
		{"sqlserver unique index", sqlServerDialect{}, mssql.Error{Number: 2601}, true},
		{"sqlserver other error", sqlServerDialect{}, mssql.Error{Number: 1205}, false},
		{"oracle unique constraint", oracleDialect{}, &network.OracleError{ErrCode: 1}, true},
		{"oracle other error", oracleDialect{}, &network.OracleError{ErrCode: 60}, false},
		{"plain error", mysqlDialect{}, errors.New("duplicate"), false},
		{"sqlite never reports duplicates", sqliteDialect{}, errors.New("UNIQUE constraint failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.isDuplicateKey(tt.err))
		})
	}
}

func TestInsertOutboxStoresNullTextWhenEmpty(t *testing.T) {
	q := &recordingQueryer{}
	now := time.Now().UTC()

	err := providerFor(t, SQLDialectMySQL).InsertOutbox(context.Background(), q, &OutboxMessage{
		MessageID:     3,
		Header:        "{}",
		Body:          "",
		NextRetryTime: now,
		CreateTime:    now,
		UpdateTime:    now,
	})
	require.NoError(t, err)

	require.Len(t, q.args, 1)
	assert.Equal(t, sql.NullString{}, q.args[0][5])
	assert.Equal(t, int64(StatusPending), q.args[0][6])
}
