package txbox

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// mysqlDialect serves MySQL 8 and MariaDB 10.6+. DATETIME columns require
// parseTime=true in the DSN.
type mysqlDialect struct{}

const mysqlErrDuplicateEntry = 1062

func (mysqlDialect) placeholder(int) string {
	return "?"
}

func (mysqlDialect) createTables(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	message_id BIGINT NOT NULL,
	exchange VARCHAR(255) NOT NULL DEFAULT '',
	routing_key VARCHAR(255) NOT NULL DEFAULT '',
	message_header TEXT NOT NULL,
	message_body LONGTEXT NOT NULL,
	message_text LONGTEXT NULL,
	status TINYINT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	next_retry_time DATETIME(6) NOT NULL,
	lock_id VARCHAR(100) NULL,
	lock_time DATETIME(6) NULL,
	last_error VARCHAR(2000) NULL,
	create_time DATETIME(6) NOT NULL,
	update_time DATETIME(6) NOT NULL,
	PRIMARY KEY (message_id),
	INDEX ix_%[1]s_status_next_retry_time (status, next_retry_time),
	INDEX ix_%[1]s_lock_time (lock_time)
)`, t.Outbox),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	consumer_name VARCHAR(200) NOT NULL,
	message_id BIGINT NOT NULL,
	exchange VARCHAR(255) NOT NULL DEFAULT '',
	routing_key VARCHAR(255) NOT NULL DEFAULT '',
	message_header TEXT NOT NULL,
	status TINYINT NOT NULL DEFAULT 0,
	lock_id VARCHAR(100) NULL,
	lock_time DATETIME(6) NULL,
	last_error VARCHAR(2000) NULL,
	create_time DATETIME(6) NOT NULL,
	update_time DATETIME(6) NOT NULL,
	PRIMARY KEY (consumer_name, message_id),
	INDEX ix_%[1]s_status_lock_time (status, lock_time)
)`, t.Inbox),
	}
}

// lockOutboxBatch relies on single-table UPDATE with ORDER BY and LIMIT. InnoDB
// re-evaluates the WHERE clause on rows it had to wait for, so a row claimed by a
// concurrent node no longer matches.
func (mysqlDialect) lockOutboxBatch(table string, p lockBatchParams) (string, []any) {
	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %d, lock_id = ?, lock_time = ?, update_time = ?
WHERE retry_count < ? AND next_retry_time <= ?
	AND (status IN (%d, %d) OR (status = %d AND lock_time < ?))
ORDER BY create_time
LIMIT ?`,
		table, StatusProcessing, StatusPending, StatusFailed, StatusProcessing)

	return query, []any{p.lockID, p.now, p.now, p.maxRetry, p.now, p.cutoff, p.take}
}

func (mysqlDialect) selectLimited(columns, table, where, orderBy string, _ int) string {
	// nolint:gosec
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ?", columns, table, where, orderBy)
}

func (mysqlDialect) deleteLimited(table, where string, _ int) string {
	// nolint:gosec
	return fmt.Sprintf("DELETE FROM %s WHERE %s ORDER BY update_time LIMIT ?", table, where)
}

func (mysqlDialect) inboxConflictClause() string {
	return ""
}

func (mysqlDialect) isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}
