package txbox

import "fmt"

type postgresDialect struct{}

func (postgresDialect) placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (postgresDialect) createTables(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	message_id BIGINT NOT NULL PRIMARY KEY,
	exchange VARCHAR(255) NOT NULL DEFAULT '',
	routing_key VARCHAR(255) NOT NULL DEFAULT '',
	message_header TEXT NOT NULL,
	message_body TEXT NOT NULL,
	message_text TEXT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	next_retry_time TIMESTAMPTZ NOT NULL,
	lock_id VARCHAR(100) NULL,
	lock_time TIMESTAMPTZ NULL,
	last_error VARCHAR(2000) NULL,
	create_time TIMESTAMPTZ NOT NULL,
	update_time TIMESTAMPTZ NOT NULL
)`, t.Outbox),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%[1]s_status_next_retry_time ON %[1]s (status, next_retry_time)", t.Outbox),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%[1]s_lock_time ON %[1]s (lock_time)", t.Outbox),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	consumer_name VARCHAR(200) NOT NULL,
	message_id BIGINT NOT NULL,
	exchange VARCHAR(255) NOT NULL DEFAULT '',
	routing_key VARCHAR(255) NOT NULL DEFAULT '',
	message_header TEXT NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	lock_id VARCHAR(100) NULL,
	lock_time TIMESTAMPTZ NULL,
	last_error VARCHAR(2000) NULL,
	create_time TIMESTAMPTZ NOT NULL,
	update_time TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (consumer_name, message_id)
)`, t.Inbox),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%[1]s_status_lock_time ON %[1]s (status, lock_time)", t.Inbox),
	}
}

// lockOutboxBatch skips rows another node is claiming right now instead of waiting for them.
func (postgresDialect) lockOutboxBatch(table string, p lockBatchParams) (string, []any) {
	// nolint:gosec
	query := fmt.Sprintf(`WITH claimed AS (
	SELECT message_id FROM %[1]s
	WHERE retry_count < $3 AND next_retry_time <= $2
		AND (status IN (%[2]d, %[3]d) OR (status = %[4]d AND lock_time < $4))
	ORDER BY create_time
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s AS o SET status = %[4]d, lock_id = $1, lock_time = $2, update_time = $2
FROM claimed WHERE o.message_id = claimed.message_id`,
		table, StatusPending, StatusFailed, StatusProcessing)

	return query, []any{p.lockID, p.now, p.maxRetry, p.cutoff, p.take}
}

func (postgresDialect) selectLimited(columns, table, where, orderBy string, limitIndex int) string {
	// nolint:gosec
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT $%d", columns, table, where, orderBy, limitIndex)
}

func (postgresDialect) deleteLimited(table, where string, limitIndex int) string {
	// nolint:gosec
	return fmt.Sprintf("DELETE FROM %[1]s WHERE ctid = ANY(ARRAY(SELECT ctid FROM %[1]s WHERE %[2]s ORDER BY update_time LIMIT $%[3]d))",
		table, where, limitIndex)
}

func (postgresDialect) inboxConflictClause() string {
	return " ON CONFLICT (consumer_name, message_id) DO NOTHING"
}

func (postgresDialect) isDuplicateKey(err error) bool {
	return hasSQLState(err, "23505")
}
