// Command dispatcher runs the event pipeline: it drains the
// transactional outbox into NATS JetStream and keeps the waiting-queue
// read model in sync with the event log.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/plaenen/waitqueue/pkg/config"
	"github.com/plaenen/waitqueue/pkg/credentials"
	"github.com/plaenen/waitqueue/pkg/events"
	"github.com/plaenen/waitqueue/pkg/nats"
	"github.com/plaenen/waitqueue/pkg/observability"
	"github.com/plaenen/waitqueue/pkg/outbox"
	"github.com/plaenen/waitqueue/pkg/projection"
	"github.com/plaenen/waitqueue/pkg/runner"
	"github.com/plaenen/waitqueue/pkg/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), *configPath, logger); err != nil {
		logger.Error("dispatcher exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider()
	defer meterProvider.Shutdown(context.Background())

	metrics, err := observability.NewMetrics(meterProvider.Meter("waitqueue"))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// Event log and outbox share one database and one transaction.
	store, err := sqlite.NewStore(sqlite.WithDSN(cfg.Database.DSN))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	readModelDB := store.DB()
	if cfg.Database.ReadModelDSN != "" {
		readModelDB, err = sql.Open("sqlite", cfg.Database.ReadModelDSN)
		if err != nil {
			return fmt.Errorf("failed to open read model database: %w", err)
		}
		defer readModelDB.Close()
	}

	readModel, err := sqlite.NewReadModelStore(readModelDB)
	if err != nil {
		return fmt.Errorf("failed to open read model store: %w", err)
	}

	brokerConfig, err := resolveBrokerConfig(ctx, cfg.Broker)
	if err != nil {
		return err
	}

	publisher, err := nats.NewPublisher(brokerConfig)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer publisher.Close()

	dispatcher := outbox.NewDispatcher(store, publisher, events.NewRegistry(),
		outbox.WithPollInterval(cfg.Dispatcher.PollInterval),
		outbox.WithBatchSize(cfg.Dispatcher.BatchSize),
		outbox.WithMaxAttempts(cfg.Dispatcher.MaxAttempts),
		outbox.WithRetryDelays(cfg.Dispatcher.BaseRetryDelay, cfg.Dispatcher.MaxRetryDelay),
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
	)

	consumer, err := nats.NewConsumer(brokerConfig, cfg.Projection.ID)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	engine := projection.NewEngine(
		cfg.Projection.ID,
		readModel,
		store,
		events.NewRegistry(),
		projection.QueueHandlers(cfg.Projection.ID),
		projection.WithLogger(logger),
		projection.WithMetrics(metrics),
	)

	projectionService := projection.NewService(engine, consumer,
		projection.WithRebuildOnStart(cfg.Projection.RebuildOnStart),
		projection.WithServiceLogger(logger),
	)

	r := runner.New(
		[]runner.Service{dispatcher, projectionService},
		runner.WithLogger(runner.NewSlogLogger(logger)),
	)
	return r.Run(ctx)
}

// resolveBrokerConfig fills broker credentials, preferring the secret
// backend over inline config.
func resolveBrokerConfig(ctx context.Context, broker config.BrokerConfig) (nats.Config, error) {
	brokerConfig := nats.DefaultConfig()
	brokerConfig.URL = broker.URL
	brokerConfig.StreamName = broker.StreamName
	brokerConfig.SubjectPrefix = broker.SubjectPrefix
	brokerConfig.Username = broker.Username
	brokerConfig.Password = broker.Password

	if broker.CredentialsURL != "" {
		provider, err := credentials.NewSecretProvider(ctx, broker.CredentialsURL, 0)
		if err != nil {
			return nats.Config{}, fmt.Errorf("failed to open credentials provider: %w", err)
		}
		defer provider.Close()

		creds, err := provider.GetCredentials(ctx)
		if err != nil {
			return nats.Config{}, fmt.Errorf("failed to resolve broker credentials: %w", err)
		}
		brokerConfig.Username = creds.User
		brokerConfig.Password = creds.Password
	}

	return brokerConfig, nil
}
