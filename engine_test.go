package txbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.db")
	cfg := DefaultConfig()
	cfg.Provider = string(SQLDialectSQLite)
	cfg.NodeID = "engine-test"
	cfg.ConnectionFactory = func(context.Context) (*sql.DB, error) {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}
	cfg.Publisher.ScanInterval = 10 * time.Millisecond
	return cfg
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		publisher MessagePublisher
		wantErr   error
		errMsg    string
	}{
		{
			name:      "unknown provider",
			mutate:    func(c *Config) { c.Provider = "db2" },
			publisher: &fakePublisher{},
			wantErr:   ErrUnknownProvider,
		},
		{
			name:      "missing connection factory",
			mutate:    func(c *Config) { c.ConnectionFactory = nil },
			publisher: &fakePublisher{},
			wantErr:   ErrMissingConnectionFactory,
		},
		{
			name:    "missing publisher",
			mutate:  func(*Config) {},
			wantErr: ErrMissingPublisher,
		},
		{
			name:      "negative batch size",
			mutate:    func(c *Config) { c.Publisher.BatchSize = -1 },
			publisher: &fakePublisher{},
			errMsg:    "must not be negative",
		},
		{
			name:      "negative retention",
			mutate:    func(c *Config) { c.Cleanup.KeepCompletedDays = -1 },
			publisher: &fakePublisher{},
			errMsg:    "must not be negative",
		},
		{
			name:      "invalid table name",
			mutate:    func(c *Config) { c.OutboxTable = "outbox; DROP TABLE users" },
			publisher: &fakePublisher{},
			errMsg:    "invalid table name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sqliteConfig(t)
			tt.mutate(&cfg)

			_, err := NewEngine(context.Background(), cfg, tt.publisher)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestNewEngine_ConnectionFactoryError(t *testing.T) {
	cfg := sqliteConfig(t)
	factoryErr := errors.New("vault unreachable")
	cfg.ConnectionFactory = func(context.Context) (*sql.DB, error) { return nil, factoryErr }

	_, err := NewEngine(context.Background(), cfg, &fakePublisher{})
	assert.ErrorIs(t, err, factoryErr)
}

func TestEngine_EndToEnd(t *testing.T) {
	cfg := sqliteConfig(t)
	publisher := &fakePublisher{}

	engine, err := NewEngine(context.Background(), cfg, publisher)
	require.NoError(t, err)
	assert.Equal(t, "engine-test", engine.DBContext().NodeID())
	assert.Equal(t, SQLDialectSQLite, engine.DBContext().Provider().Name())

	require.NoError(t, engine.Start(context.Background()))

	_, err = engine.db.Exec("CREATE TABLE orders (id INTEGER PRIMARY KEY, total INTEGER NOT NULL)")
	require.NoError(t, err)

	placeOrder := func(orderID, total int64, fail error) error {
		return engine.Registrar().Write(context.Background(), func(ctx context.Context, tx TxQueryer, reg MessageRegistrar) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO orders (id, total) VALUES (?, ?)", orderID, total); err != nil {
				return err
			}
			if _, err := reg.Register(ctx, "", "orders", NewMessage(orderID, []byte("hello"))); err != nil {
				return err
			}
			return fail
		})
	}

	require.NoError(t, placeOrder(42, 10, nil))
	rejected := errors.New("card declined")
	require.ErrorIs(t, placeOrder(43, 99, rejected), rejected)

	var orders int
	require.NoError(t, engine.db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&orders))
	assert.Equal(t, 1, orders, "only the committed business write is kept")

	var outboxRows int
	require.NoError(t, engine.db.QueryRow("SELECT COUNT(*) FROM outbox WHERE message_id = 43").Scan(&outboxRows))
	assert.Zero(t, outboxRows, "the message of a rolled back business write is discarded with it")

	require.Eventually(t, func() bool {
		return len(publisher.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env := publisher.published()[0]
	assert.Equal(t, int64(42), env.Header.ID)
	assert.Equal(t, "", env.Exchange)
	assert.Equal(t, "orders", env.RoutingKey)

	res, err := engine.Barrier().Execute(context.Background(), "projection", Delivery{MessageID: 42, RoutingKey: "orders"},
		func(context.Context, TxQueryer) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Entered, res)

	_, err = engine.Cleaner().CleanOnce(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(ctx))

	_, open := <-engine.Dispatcher().Errors()
	assert.False(t, open)
}
