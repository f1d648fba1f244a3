package txbox

import (
	"errors"
	"fmt"

	mssql "github.com/denisenkom/go-mssqldb"
)

type sqlServerDialect struct{}

// Unique constraint and unique index violations.
const (
	sqlServerErrUniqueConstraint = 2627
	sqlServerErrUniqueIndex      = 2601
)

func (sqlServerDialect) placeholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

func (sqlServerDialect) createTables(t Tables) []string {
	return []string{
		fmt.Sprintf(`IF OBJECT_ID(N'%[1]s', N'U') IS NULL
BEGIN
	CREATE TABLE %[1]s (
		message_id BIGINT NOT NULL PRIMARY KEY,
		exchange NVARCHAR(255) NOT NULL DEFAULT '',
		routing_key NVARCHAR(255) NOT NULL DEFAULT '',
		message_header NVARCHAR(MAX) NOT NULL,
		message_body NVARCHAR(MAX) NOT NULL,
		message_text NVARCHAR(MAX) NULL,
		status TINYINT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		next_retry_time DATETIME2(7) NOT NULL,
		lock_id NVARCHAR(100) NULL,
		lock_time DATETIME2(7) NULL,
		last_error NVARCHAR(2000) NULL,
		create_time DATETIME2(7) NOT NULL,
		update_time DATETIME2(7) NOT NULL
	);
	CREATE INDEX ix_%[1]s_status_next_retry_time ON %[1]s (status, next_retry_time);
	CREATE INDEX ix_%[1]s_lock_time ON %[1]s (lock_time);
END`, t.Outbox),
		fmt.Sprintf(`IF OBJECT_ID(N'%[1]s', N'U') IS NULL
BEGIN
	CREATE TABLE %[1]s (
		consumer_name NVARCHAR(200) NOT NULL,
		message_id BIGINT NOT NULL,
		exchange NVARCHAR(255) NOT NULL DEFAULT '',
		routing_key NVARCHAR(255) NOT NULL DEFAULT '',
		message_header NVARCHAR(MAX) NOT NULL,
		status TINYINT NOT NULL DEFAULT 0,
		lock_id NVARCHAR(100) NULL,
		lock_time DATETIME2(7) NULL,
		last_error NVARCHAR(2000) NULL,
		create_time DATETIME2(7) NOT NULL,
		update_time DATETIME2(7) NOT NULL,
		CONSTRAINT pk_%[1]s PRIMARY KEY (consumer_name, message_id)
	);
	CREATE INDEX ix_%[1]s_status_lock_time ON %[1]s (status, lock_time);
END`, t.Inbox),
	}
}

// lockOutboxBatch updates through a CTE so TOP, ORDER BY and the READPAST hint
// apply to the rows being claimed.
func (sqlServerDialect) lockOutboxBatch(table string, p lockBatchParams) (string, []any) {
	// nolint:gosec
	query := fmt.Sprintf(`WITH claimed AS (
	SELECT TOP (@p5) status, lock_id, lock_time, update_time
	FROM %s WITH (UPDLOCK, READPAST, ROWLOCK)
	WHERE retry_count < @p3 AND next_retry_time <= @p2
		AND (status IN (%d, %d) OR (status = %d AND lock_time < @p4))
	ORDER BY create_time
)
UPDATE claimed SET status = %d, lock_id = @p1, lock_time = @p2, update_time = @p2`,
		table, StatusPending, StatusFailed, StatusProcessing, StatusProcessing)

	return query, []any{p.lockID, p.now, p.maxRetry, p.cutoff, p.take}
}

func (sqlServerDialect) selectLimited(columns, table, where, orderBy string, limitIndex int) string {
	// nolint:gosec
	return fmt.Sprintf("SELECT TOP (@p%d) %s FROM %s WHERE %s ORDER BY %s", limitIndex, columns, table, where, orderBy)
}

func (sqlServerDialect) deleteLimited(table, where string, limitIndex int) string {
	// nolint:gosec
	return fmt.Sprintf("WITH doomed AS (SELECT TOP (@p%d) * FROM %s WHERE %s ORDER BY update_time) DELETE FROM doomed",
		limitIndex, table, where)
}

func (sqlServerDialect) inboxConflictClause() string {
	return ""
}

func (sqlServerDialect) isDuplicateKey(err error) bool {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return false
	}
	return msErr.Number == sqlServerErrUniqueConstraint || msErr.Number == sqlServerErrUniqueIndex
}
