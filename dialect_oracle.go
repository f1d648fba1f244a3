package txbox

import (
	"errors"
	"fmt"

	"github.com/sijms/go-ora/v2/network"
)

// oracleDialect targets Oracle 12c+. Oracle stores empty strings as NULL, so the
// destination columns are nullable here.
type oracleDialect struct{}

// ORA-00001: unique constraint violated.
const oracleErrUniqueConstraint = 1

func (oracleDialect) placeholder(index int) string {
	return fmt.Sprintf(":%d", index)
}

// createTables wraps each DDL statement so that "name is already used by an
// existing object" (ORA-00955) and "column list already indexed" (ORA-01408) are ignored.
func (oracleDialect) createTables(t Tables) []string {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE %s (
	message_id NUMBER(19) NOT NULL PRIMARY KEY,
	exchange VARCHAR2(255) NULL,
	routing_key VARCHAR2(255) NULL,
	message_header CLOB NOT NULL,
	message_body CLOB NULL,
	message_text CLOB NULL,
	status NUMBER(3) DEFAULT 0 NOT NULL,
	retry_count NUMBER(10) DEFAULT 0 NOT NULL,
	next_retry_time TIMESTAMP(6) NOT NULL,
	lock_id VARCHAR2(100) NULL,
	lock_time TIMESTAMP(6) NULL,
	last_error VARCHAR2(2000) NULL,
	create_time TIMESTAMP(6) NOT NULL,
	update_time TIMESTAMP(6) NOT NULL
)`, t.Outbox),
		fmt.Sprintf("CREATE INDEX ix_%[1]s_status_next_retry_time ON %[1]s (status, next_retry_time)", t.Outbox),
		fmt.Sprintf("CREATE INDEX ix_%[1]s_lock_time ON %[1]s (lock_time)", t.Outbox),
		fmt.Sprintf(`CREATE TABLE %[1]s (
	consumer_name VARCHAR2(200) NOT NULL,
	message_id NUMBER(19) NOT NULL,
	exchange VARCHAR2(255) NULL,
	routing_key VARCHAR2(255) NULL,
	message_header CLOB NULL,
	status NUMBER(3) DEFAULT 0 NOT NULL,
	lock_id VARCHAR2(100) NULL,
	lock_time TIMESTAMP(6) NULL,
	last_error VARCHAR2(2000) NULL,
	create_time TIMESTAMP(6) NOT NULL,
	update_time TIMESTAMP(6) NOT NULL,
	CONSTRAINT pk_%[1]s PRIMARY KEY (consumer_name, message_id)
)`, t.Inbox),
		fmt.Sprintf("CREATE INDEX ix_%[1]s_status_lock_time ON %[1]s (status, lock_time)", t.Inbox),
	}

	stmts := make([]string, 0, len(ddl))
	for _, stmt := range ddl {
		stmts = append(stmts, fmt.Sprintf(`BEGIN
	EXECUTE IMMEDIATE '%s';
EXCEPTION
	WHEN OTHERS THEN
		IF SQLCODE NOT IN (-955, -1408) THEN
			RAISE;
		END IF;
END;`, stmt))
	}
	return stmts
}

func (oracleDialect) lockOutboxBatch(table string, p lockBatchParams) (string, []any) {
	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %[1]s SET status = %[2]d, lock_id = :1, lock_time = :2, update_time = :3
WHERE message_id IN (
	SELECT message_id FROM %[1]s
	WHERE retry_count < :4 AND next_retry_time <= :5
		AND (status IN (%[3]d, %[4]d) OR (status = %[2]d AND lock_time < :6))
	ORDER BY create_time
	FETCH FIRST :7 ROWS ONLY
)`,
		table, StatusProcessing, StatusPending, StatusFailed)

	return query, []any{p.lockID, p.now, p.now, p.maxRetry, p.now, p.cutoff, p.take}
}

func (oracleDialect) selectLimited(columns, table, where, orderBy string, limitIndex int) string {
	// nolint:gosec
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s FETCH FIRST :%d ROWS ONLY", columns, table, where, orderBy, limitIndex)
}

func (oracleDialect) deleteLimited(table, where string, limitIndex int) string {
	// nolint:gosec
	return fmt.Sprintf("DELETE FROM %[1]s WHERE rowid IN (SELECT rowid FROM %[1]s WHERE %[2]s ORDER BY update_time FETCH FIRST :%[3]d ROWS ONLY)",
		table, where, limitIndex)
}

func (oracleDialect) inboxConflictClause() string {
	return ""
}

func (oracleDialect) isDuplicateKey(err error) bool {
	var oraErr *network.OracleError
	return errors.As(err, &oraErr) && oraErr.ErrCode == oracleErrUniqueConstraint
}
