package txbox

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine wires a Registrar, a Dispatcher, a Barrier and a Cleaner around one
// database connection built from a Config.
type Engine struct {
	cfg    Config
	db     *sql.DB
	dbCtx  *DBContext
	logger *zap.Logger

	registrar  *Registrar
	dispatcher *Dispatcher
	barrier    *Barrier
	cleaner    *Cleaner
}

// NewEngine validates cfg, opens the database and builds every component.
// opts configure the shared DBContext, e.g. WithLogger or WithMeterProvider.
//
// It fails fast with ErrUnknownProvider, ErrMissingConnectionFactory or
// ErrMissingPublisher. Nothing runs until Start.
func NewEngine(ctx context.Context, cfg Config, publisher MessagePublisher, opts ...DBContextOption) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, ErrMissingPublisher
	}

	db, err := cfg.ConnectionFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Provider, err)
	}

	dbCtx, err := NewDBContext(db, SQLDialect(cfg.Provider), append(cfg.dbContextOptions(), opts...)...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	policy := cfg.Publisher.retryPolicy()

	e := &Engine{
		cfg:        cfg,
		db:         db,
		dbCtx:      dbCtx,
		logger:     dbCtx.componentLogger("engine"),
		registrar:  NewRegistrar(dbCtx, WithPublisher(publisher), WithFastPathPolicy(policy)),
		dispatcher: NewDispatcher(dbCtx, publisher, cfg.Publisher.dispatcherOptions()...),
		barrier:    NewBarrier(dbCtx, WithBarrierLockTimeout(policy.LockTimeout)),
		cleaner:    NewCleaner(dbCtx, cfg.Cleanup.cleanerOptions()...),
	}

	return e, nil
}

// Start waits for the database to be reachable, creates the tables when
// AutoCreateTables is set and starts the background workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.dbCtx.ensureConnection(ctx); err != nil {
		return fmt.Errorf("connecting to %s database: %w", e.cfg.Provider, err)
	}

	if e.cfg.AutoCreateTables {
		if err := e.dbCtx.EnsureTablesExist(ctx); err != nil {
			return err
		}
	}

	e.dispatcher.Start()
	if e.cfg.Cleanup.Enabled {
		e.cleaner.Start()
	}

	e.logger.Info("engine started",
		zap.String("provider", e.cfg.Provider),
		zap.Bool("cleanup", e.cfg.Cleanup.Enabled))
	return nil
}

// Stop stops the workers concurrently, then closes the database.
func (e *Engine) Stop(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Stop(ctx) })
	g.Go(func() error { return e.cleaner.Stop(ctx) })

	err := g.Wait()
	err = multierr.Append(err, e.db.Close())

	e.logger.Info("engine stopped", zap.Error(err))
	return err
}

// DBContext returns the shared database context.
func (e *Engine) DBContext() *DBContext { return e.dbCtx }

// Registrar returns the outbox registrar.
func (e *Engine) Registrar() *Registrar { return e.registrar }

// Dispatcher returns the outbox dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Barrier returns the inbox barrier.
func (e *Engine) Barrier() *Barrier { return e.barrier }

// Cleaner returns the cleanup worker.
func (e *Engine) Cleaner() *Cleaner { return e.cleaner }
