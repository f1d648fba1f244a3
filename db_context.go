package txbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/oagudo/txbox/internal/clock"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// SQLDialect names a SQL database dialect. It is also the key under which a Provider is registered.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// Clock provides the current time. Implementations must return UTC.
type Clock interface {
	Now() time.Time
}

// Tables holds the table names used by a Provider.
type Tables struct {
	Outbox string
	Inbox  string
}

// Table selects one of the two tables for the cleanup primitives.
type Table int

// Tables known to the cleanup primitives.
const (
	OutboxTable Table = iota
	InboxTable
)

func (t Table) String() string {
	if t == InboxTable {
		return "inbox"
	}
	return "outbox"
}

func (t Tables) name(table Table) string {
	if table == InboxTable {
		return t.Inbox
	}
	return t.Outbox
}

// DBContext holds the database connection, the dialect specific Provider and the
// settings shared by every component built on top of it.
type DBContext struct {
	db       DB
	dialect  SQLDialect
	provider Provider
	tables   Tables

	nodeID        string
	clock         Clock
	logger        *zap.Logger
	meterProvider metric.MeterProvider
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithOutboxTable sets a custom table name for the outbox table.
// Default is "outbox".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
func WithOutboxTable(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tables.Outbox = tableName
	}
}

// WithInboxTable sets a custom table name for the inbox barrier table.
// Default is "inbox_barrier". Same naming rules as WithOutboxTable apply.
func WithInboxTable(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tables.Inbox = tableName
	}
}

// WithNodeID sets the identifier of this process. It prefixes every lock id the
// process writes, so operators can tell which node holds a lease.
// Default is the host name, or a random UUID if the host name is unavailable.
func WithNodeID(nodeID string) DBContextOption {
	return func(c *DBContext) {
		if nodeID != "" {
			c.nodeID = nodeID
		}
	}
}

// WithClock sets the time source used for every timestamp written to the tables.
func WithClock(clk Clock) DBContextOption {
	return func(c *DBContext) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the logger shared by all components. Default is a no-op logger.
func WithLogger(logger *zap.Logger) DBContextOption {
	return func(c *DBContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider used for component metrics.
// Default is the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) DBContextOption {
	return func(c *DBContext) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) (*DBContext, error) {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) (*DBContext, error) {
	c := &DBContext{
		db:      db,
		dialect: dialect,
		tables: Tables{
			Outbox: "outbox",
			Inbox:  "inbox_barrier",
		},
		nodeID:        defaultNodeID(),
		clock:         clock.RealClock{},
		logger:        zap.NewNop(),
		meterProvider: otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := validateTableName(c.tables.Outbox); err != nil {
		return nil, err
	}
	if err := validateTableName(c.tables.Inbox); err != nil {
		return nil, err
	}
	if c.tables.Outbox == c.tables.Inbox {
		return nil, fmt.Errorf("outbox and inbox tables must differ, both are %q", c.tables.Outbox)
	}

	provider, err := LookupProvider(dialect, c.tables)
	if err != nil {
		return nil, err
	}
	c.provider = provider

	if r := []rune(c.nodeID); len(r) > maxNodeIDLength {
		c.nodeID = string(r[:maxNodeIDLength])
	}

	return c, nil
}

// Provider returns the dialect specific Provider.
func (c *DBContext) Provider() Provider {
	return c.provider
}

// Tables returns the configured table names.
func (c *DBContext) Tables() Tables {
	return c.tables
}

// NodeID returns the identifier used as lock id prefix.
func (c *DBContext) NodeID() string {
	return c.nodeID
}

// EnsureTablesExist creates the outbox and inbox barrier tables and their indexes if missing.
func (c *DBContext) EnsureTablesExist(ctx context.Context) error {
	if err := c.provider.EnsureTablesExist(ctx, c.db); err != nil {
		return fmt.Errorf("ensuring %s tables: %w", c.dialect, err)
	}
	return nil
}

// lock_id columns are 100 characters wide; a UUID and a separator take 37.
const maxNodeIDLength = 60

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host
}

func (c *DBContext) newLockID() string {
	return c.nodeID + ":" + uuid.NewString()
}

func (c *DBContext) now() time.Time {
	return c.clock.Now().UTC()
}

func (c *DBContext) componentLogger(component string) *zap.Logger {
	return c.logger.With(zap.String("component", component), zap.String("node_id", c.nodeID))
}

// txOptions returns the options for a transaction at the given isolation level.
// SQLite transactions are always serializable and the level is left to the driver.
func (c *DBContext) txOptions(level sql.IsolationLevel) *sql.TxOptions {
	if level == sql.LevelDefault || c.dialect == SQLDialectSQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: level}
}

// inTx runs fn in a short transaction that commits when fn returns nil.
func (c *DBContext) inTx(ctx context.Context, level sql.IsolationLevel, fn func(tx Tx) error) error {
	tx, err := c.db.BeginTx(ctx, c.txOptions(level))
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	txCommitted = true

	return nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// ensureConnection pings the database, retrying with backoff. database/sql reopens
// broken connections on its own; this only waits for the server to be reachable again.
func (c *DBContext) ensureConnection(ctx context.Context) error {
	p, ok := c.db.(pinger)
	if !ok {
		return nil
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}

func (a *dbAdapter) PingContext(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}
