// Command txbox-relay runs the outbox dispatcher and cleanup worker against one
// database and publishes to RabbitMQ, Kafka or NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	natsgo "github.com/nats-io/nats.go"
	"github.com/oagudo/txbox"
	kafkabroker "github.com/oagudo/txbox/broker/kafka"
	natsbroker "github.com/oagudo/txbox/broker/nats"
	"github.com/oagudo/txbox/broker/rabbitmq"
	"github.com/oagudo/txbox/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	_ "github.com/sijms/go-ora/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, closer, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Error("closing broker connection failed", zap.Error(err))
		}
	}()

	engine, err := txbox.NewEngine(ctx, cfg.EngineConfig(), publisher, txbox.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	go func() {
		for msg := range engine.Dispatcher().ExhaustedMessages() {
			logger.Error("outbox message exhausted its retries",
				zap.Int64("message_id", msg.MessageID),
				zap.String("exchange", msg.Exchange),
				zap.String("routing_key", msg.RoutingKey),
				zap.String("last_error", msg.LastError))
		}
	}()

	logger.Info("relay running",
		zap.String("provider", cfg.Provider),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("node_id", engine.DBContext().NodeID()))

	<-ctx.Done()
	logger.Info("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	return engine.Stop(shutdownCtx)
}

func newPublisher(cfg *config.Config, logger *zap.Logger) (txbox.MessagePublisher, io.Closer, error) {
	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		conn, err := amqp.Dial(cfg.Broker.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		return rabbitmq.NewPublisher(conn, rabbitmq.WithLogger(logger)), conn, nil

	case config.BrokerKafka:
		publisher := kafkabroker.NewPublisher(cfg.Broker.Addrs, logger)
		return publisher, publisher, nil

	case config.BrokerNATS:
		conn, err := natsgo.Connect(cfg.Broker.URL, natsgo.Name("txbox-relay"))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return natsbroker.NewPublisher(conn, natsbroker.WithFlush()), closerFunc(func() error {
			return conn.Drain()
		}), nil

	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)

	return zapConfig.Build()
}
