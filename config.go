package txbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Config describes a complete outbox and inbox setup for NewEngine.
type Config struct {
	// Provider is the name a Provider is registered under, e.g. "postgres".
	Provider string

	// ConnectionFactory opens the database. It is called once by NewEngine.
	ConnectionFactory func(ctx context.Context) (*sql.DB, error)

	// NodeID identifies this process in lock ids. Default is the host name.
	NodeID string

	// AutoCreateTables makes Engine.Start create missing tables and indexes.
	AutoCreateTables bool

	// OutboxTable and InboxTable override the default table names.
	OutboxTable string
	InboxTable  string

	Publisher PublisherConfig
	Cleanup   CleanupConfig
}

// PublisherConfig configures the Dispatcher. Zero values keep the defaults.
type PublisherConfig struct {
	ScanInterval   time.Duration
	LockTimeout    time.Duration
	MaxRetry       int
	BatchSize      int
	RetryInterval  DelayFunc
	MaxErrorLength int
}

// CleanupConfig configures the Cleaner.
type CleanupConfig struct {
	Enabled           bool
	ScanInterval      time.Duration
	KeepCompletedDays int
	MaxCompletedCount int64
	DeleteBatchSize   int
}

// DefaultConfig returns a Config with the cleanup worker enabled and every other
// setting at its default. Provider and ConnectionFactory must still be set.
func DefaultConfig() Config {
	return Config{
		AutoCreateTables: true,
		Cleanup: CleanupConfig{
			Enabled:           true,
			ScanInterval:      time.Hour,
			KeepCompletedDays: 7,
			DeleteBatchSize:   1000,
		},
	}
}

func (c Config) validate() error {
	if !providerRegistered(SQLDialect(c.Provider)) {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}
	if c.ConnectionFactory == nil {
		return ErrMissingConnectionFactory
	}
	if c.Publisher.MaxRetry < 0 || c.Publisher.BatchSize < 0 {
		return fmt.Errorf("publisher max retry and batch size must not be negative")
	}
	if c.Cleanup.KeepCompletedDays < 0 || c.Cleanup.MaxCompletedCount < 0 || c.Cleanup.DeleteBatchSize < 0 {
		return fmt.Errorf("cleanup settings must not be negative")
	}
	return nil
}

func (c Config) dbContextOptions() []DBContextOption {
	var opts []DBContextOption
	if c.NodeID != "" {
		opts = append(opts, WithNodeID(c.NodeID))
	}
	if c.OutboxTable != "" {
		opts = append(opts, WithOutboxTable(c.OutboxTable))
	}
	if c.InboxTable != "" {
		opts = append(opts, WithInboxTable(c.InboxTable))
	}
	return opts
}

func (c PublisherConfig) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetry:       c.MaxRetry,
		LockTimeout:    c.LockTimeout,
		RetryInterval:  c.RetryInterval,
		MaxErrorLength: c.MaxErrorLength,
	}.normalize()
}

func (c PublisherConfig) dispatcherOptions() []DispatcherOption {
	opts := []DispatcherOption{WithRetryPolicy(c.retryPolicy())}
	if c.ScanInterval > 0 {
		opts = append(opts, WithScanInterval(c.ScanInterval))
	}
	if c.BatchSize > 0 {
		opts = append(opts, WithBatchSize(c.BatchSize))
	}
	return opts
}

func (c CleanupConfig) cleanerOptions() []CleanerOption {
	opts := []CleanerOption{
		WithKeepCompleted(time.Duration(c.KeepCompletedDays) * 24 * time.Hour),
		WithMaxCompletedCount(c.MaxCompletedCount),
	}
	if c.ScanInterval > 0 {
		opts = append(opts, WithCleanupInterval(c.ScanInterval))
	}
	if c.DeleteBatchSize > 0 {
		opts = append(opts, WithDeleteBatchSize(c.DeleteBatchSize))
	}
	return opts
}
