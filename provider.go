package txbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// EnterResult is the outcome of trying to enter an inbox barrier.
type EnterResult int

// Barrier outcomes.
const (
	// Entered means the caller now owns the barrier and must run the handler.
	Entered EnterResult = iota + 1
	// AlreadyCompleted means the handler already succeeded for this consumer and message.
	AlreadyCompleted
	// Busy means another consumer holds an unexpired lease; the message should be redelivered later.
	Busy
)

func (r EnterResult) String() string {
	switch r {
	case Entered:
		return "entered"
	case AlreadyCompleted:
		return "already_completed"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("enter_result(%d)", int(r))
	}
}

// Provider performs the atomic table operations for one SQL dialect. It holds no
// policy: callers decide lock ids, timestamps and batch sizes.
//
// Every operation that moves a row out of Processing is conditional on the lock id
// that owns the row and reports false when it affected nothing.
type Provider interface {
	// Name returns the dialect the provider was registered under.
	Name() SQLDialect

	// EnsureTablesExist creates both tables and their indexes if missing.
	EnsureTablesExist(ctx context.Context, q Queryer) error

	// InsertOutbox inserts a row. It must run in the caller's business transaction.
	InsertOutbox(ctx context.Context, q Queryer, msg *OutboxMessage) error

	// TryLockOutboxBatch leases up to take due rows for lockID in a single statement
	// and returns how many rows it claimed.
	TryLockOutboxBatch(ctx context.Context, q Queryer, lockID string, now time.Time, lockTimeout time.Duration, maxRetry, take int) (int64, error)

	// GetLockedOutboxBatch reads back the rows currently leased by lockID, oldest first.
	GetLockedOutboxBatch(ctx context.Context, q Queryer, lockID string, take int) ([]*OutboxMessage, error)

	// TryLockOutbox leases a single due row by id.
	TryLockOutbox(ctx context.Context, q Queryer, messageID int64, lockID string, now time.Time, lockTimeout time.Duration) (bool, error)

	MarkOutboxSucceeded(ctx context.Context, q Queryer, messageID int64, lockID string, now time.Time) (bool, error)
	MarkOutboxFailed(ctx context.Context, q Queryer, messageID int64, lockID string, now, nextRetryTime time.Time, lastError string) (bool, error)

	// TryEnterInboxBarrier inserts the barrier row, or takes over an existing one whose
	// lease expired or whose previous attempt failed.
	TryEnterInboxBarrier(ctx context.Context, q Queryer, barrier *InboxBarrier, lockTimeout time.Duration) (EnterResult, error)

	MarkInboxBarrierSucceeded(ctx context.Context, q Queryer, consumerName string, messageID int64, lockID string, now time.Time) (bool, error)
	MarkInboxBarrierFailed(ctx context.Context, q Queryer, consumerName string, messageID int64, lockID string, now time.Time, lastError string) (bool, error)

	// CountByStatus counts the rows of table in the given status.
	CountByStatus(ctx context.Context, q Queryer, table Table, status Status) (int64, error)

	// DeleteSucceededBefore deletes up to take Succeeded rows last updated before cutoff.
	DeleteSucceededBefore(ctx context.Context, q Queryer, table Table, cutoff time.Time, take int) (int64, error)

	// DeleteOldestSucceeded deletes the take least recently updated Succeeded rows.
	DeleteOldestSucceeded(ctx context.Context, q Queryer, table Table, take int) (int64, error)
}

// ProviderFactory builds a Provider bound to the given table names.
type ProviderFactory func(tables Tables) Provider

var (
	providersMu sync.RWMutex
	providers   = map[SQLDialect]ProviderFactory{
		SQLDialectPostgres:  func(t Tables) Provider { return newSQLProvider(SQLDialectPostgres, t, postgresDialect{}) },
		SQLDialectMySQL:     func(t Tables) Provider { return newSQLProvider(SQLDialectMySQL, t, mysqlDialect{}) },
		SQLDialectMariaDB:   func(t Tables) Provider { return newSQLProvider(SQLDialectMariaDB, t, mysqlDialect{}) },
		SQLDialectSQLServer: func(t Tables) Provider { return newSQLProvider(SQLDialectSQLServer, t, sqlServerDialect{}) },
		SQLDialectSQLite:    func(t Tables) Provider { return newSQLProvider(SQLDialectSQLite, t, sqliteDialect{}) },
		SQLDialectOracle:    func(t Tables) Provider { return newSQLProvider(SQLDialectOracle, t, oracleDialect{}) },
	}
)

// RegisterProvider makes a Provider available under name, replacing any previous registration.
func RegisterProvider(name SQLDialect, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// LookupProvider returns the Provider registered under name, bound to tables.
func LookupProvider(name SQLDialect, tables Tables) (Provider, error) {
	providersMu.RLock()
	factory, ok := providers[name]
	providersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownProvider, name, ProviderNames())
	}
	return factory(tables), nil
}

// ProviderNames lists the registered provider names in sorted order.
func ProviderNames() []SQLDialect {
	providersMu.RLock()
	defer providersMu.RUnlock()

	names := make([]SQLDialect, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func providerRegistered(name SQLDialect) bool {
	providersMu.RLock()
	defer providersMu.RUnlock()

	_, ok := providers[name]
	return ok
}
