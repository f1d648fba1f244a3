package txbox

import "fmt"

// sqliteDialect serializes writers at the database level, so a plain
// UPDATE ... WHERE message_id IN (subquery) is already atomic.
type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string {
	return "?"
}

func (sqliteDialect) createTables(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	message_id INTEGER NOT NULL PRIMARY KEY,
	exchange TEXT NOT NULL DEFAULT '',
	routing_key TEXT NOT NULL DEFAULT '',
	message_header TEXT NOT NULL,
	message_body TEXT NOT NULL,
	message_text TEXT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_time DATETIME NOT NULL,
	lock_id TEXT NULL,
	lock_time DATETIME NULL,
	last_error TEXT NULL,
	create_time DATETIME NOT NULL,
	update_time DATETIME NOT NULL
)`, t.Outbox),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%[1]s_status_next_retry_time ON %[1]s (status, next_retry_time)", t.Outbox),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%[1]s_lock_time ON %[1]s (lock_time)", t.Outbox),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	consumer_name TEXT NOT NULL,
	message_id INTEGER NOT NULL,
	exchange TEXT NOT NULL DEFAULT '',
	routing_key TEXT NOT NULL DEFAULT '',
	message_header TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	lock_id TEXT NULL,
	lock_time DATETIME NULL,
	last_error TEXT NULL,
	create_time DATETIME NOT NULL,
	update_time DATETIME NOT NULL,
	PRIMARY KEY (consumer_name, message_id)
)`, t.Inbox),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%[1]s_status_lock_time ON %[1]s (status, lock_time)", t.Inbox),
	}
}

func (sqliteDialect) lockOutboxBatch(table string, p lockBatchParams) (string, []any) {
	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %[1]s SET status = %[2]d, lock_id = ?, lock_time = ?, update_time = ?
WHERE message_id IN (
	SELECT message_id FROM %[1]s
	WHERE retry_count < ? AND next_retry_time <= ?
		AND (status IN (%[3]d, %[4]d) OR (status = %[2]d AND lock_time < ?))
	ORDER BY create_time
	LIMIT ?
)`,
		table, StatusProcessing, StatusPending, StatusFailed)

	return query, []any{p.lockID, p.now, p.now, p.maxRetry, p.now, p.cutoff, p.take}
}

func (sqliteDialect) selectLimited(columns, table, where, orderBy string, _ int) string {
	// nolint:gosec
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ?", columns, table, where, orderBy)
}

func (sqliteDialect) deleteLimited(table, where string, _ int) string {
	// nolint:gosec
	return fmt.Sprintf("DELETE FROM %[1]s WHERE rowid IN (SELECT rowid FROM %[1]s WHERE %[2]s ORDER BY update_time LIMIT ?)",
		table, where)
}

func (sqliteDialect) inboxConflictClause() string {
	return " ON CONFLICT (consumer_name, message_id) DO NOTHING"
}

func (sqliteDialect) isDuplicateKey(error) bool {
	return false
}
