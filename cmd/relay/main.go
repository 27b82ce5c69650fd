// Command relay polls the outbox table and dispatches committed domain
// events to the configured broker, exposing an ops HTTP surface for health,
// stats, and dead-letter replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborline/lib-outbox/config"
	"github.com/harborline/lib-outbox/idempotency"
	"github.com/harborline/lib-outbox/kafka"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/ops"
	"github.com/harborline/lib-outbox/order"
	"github.com/harborline/lib-outbox/outbox"
	outboxPostgres "github.com/harborline/lib-outbox/outbox/postgres"
	libPostgres "github.com/harborline/lib-outbox/postgres"
	"github.com/harborline/lib-outbox/rabbitmq"
	"github.com/harborline/lib-outbox/server"
	"github.com/harborline/lib-outbox/telemetry"
	libZap "github.com/harborline/lib-outbox/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to the relay config file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	logger, _, err := libZap.New(libZap.Config{
		Environment: libZap.Environment(settings.Service.Environment),
		Level:       "info",
	})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	ctx := context.Background()

	tel, err := telemetry.Init(ctx, &telemetry.Config{
		ServiceName:       settings.Service.Name,
		ServiceVersion:    settings.Service.Version,
		DeploymentEnv:     settings.Service.Environment,
		CollectorEndpoint: settings.Telemetry.CollectorEndpoint,
		EnableTelemetry:   settings.Telemetry.Enabled,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	tracer := otel.Tracer("github.com/harborline/lib-outbox/cmd/relay")

	replicaDSN := settings.Database.ReplicaDSN
	if replicaDSN == "" {
		replicaDSN = settings.Database.PrimaryDSN
	}

	conn := &libPostgres.Connection{
		ConnectionStringPrimary: settings.Database.PrimaryDSN,
		ConnectionStringReplica: replicaDSN,
		PrimaryDBName:           settings.Database.Name,
		MigrationsPath:          settings.Database.MigrationsPath,
		MaxOpenConnections:      settings.Database.MaxOpenConns,
		MaxIdleConnections:      settings.Database.MaxIdleConns,
		Logger:                  logger,
	}

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Log(ctx, liblog.LevelWarn, "failed to close postgres connection", liblog.Err(closeErr))
		}
	}()

	repo, err := outboxPostgres.NewRepository(conn,
		outboxPostgres.WithTableName(settings.Database.OutboxTable),
		outboxPostgres.WithLogger(logger),
		outboxPostgres.WithTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("building outbox repository: %w", err)
	}

	handler, closeSink, err := buildSink(settings, logger, tracer)
	if err != nil {
		return err
	}

	defer closeSink()

	handler, err = guardHandler(settings, logger, tracer, handler)
	if err != nil {
		return err
	}

	registry := outbox.NewHandlerRegistry()

	for _, eventType := range []string{
		order.EventTypePlaced,
		order.EventTypePaid,
		order.EventTypeCancelled,
	} {
		if err := registry.Register(eventType, handler); err != nil {
			return fmt.Errorf("registering handler for %s: %w", eventType, err)
		}
	}

	dispatcher, err := outbox.NewDispatcher(repo, registry, logger, tracer,
		outbox.WithPollInterval(settings.Dispatcher.PollInterval),
		outbox.WithBatchSize(settings.Dispatcher.BatchSize),
		outbox.WithMaxDispatchAttempts(settings.Dispatcher.MaxDispatchAttempts),
		outbox.WithRetryBackoff(settings.Dispatcher.RetryBackoffBase, settings.Dispatcher.RetryBackoffCeiling),
		outbox.WithLeaseDuration(settings.Dispatcher.LeaseDuration),
		outbox.WithHandlerTimeout(settings.Dispatcher.HandlerTimeout),
	)
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	go func() {
		if runErr := dispatcher.Run(ctx); runErr != nil {
			logger.Log(ctx, liblog.LevelError, "dispatcher stopped", liblog.Err(runErr))
		}
	}()

	opsHandler, err := ops.NewHandler(repo, ops.WithLogger(logger), ops.WithTracer(tracer))
	if err != nil {
		return fmt.Errorf("building ops handler: %w", err)
	}

	return server.NewManager(tel, logger).
		WithHTTPServer(ops.NewApp(opsHandler), settings.HTTP.Address).
		WithStopper(func(stopCtx context.Context) {
			if shutdownErr := dispatcher.Shutdown(stopCtx); shutdownErr != nil {
				logger.Log(stopCtx, liblog.LevelWarn, "dispatcher shutdown incomplete", liblog.Err(shutdownErr))
			}
		}).
		Run()
}

// buildSink wires the broker publisher selected by broker.kind and returns
// its outbox handler plus a close hook for the underlying connections.
func buildSink(settings *config.Settings, logger liblog.Logger, tracer trace.Tracer) (outbox.EventHandler, func(), error) {
	switch settings.Broker.Kind {
	case "kafka":
		writer := &kafkago.Writer{
			Addr:         kafkago.TCP(settings.Broker.Kafka.Brokers...),
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
		}

		pub, err := kafka.NewPublisher(writer, settings.Broker.Kafka.Topic,
			kafka.WithLogger(logger), kafka.WithTracer(tracer))
		if err != nil {
			return nil, nil, fmt.Errorf("building kafka publisher: %w", err)
		}

		return pub.Handler(), func() {
			if closeErr := writer.Close(); closeErr != nil {
				logger.Log(context.Background(), liblog.LevelWarn, "failed to close kafka writer", liblog.Err(closeErr))
			}
		}, nil
	default:
		amqpConn, err := amqp.Dial(settings.Broker.RabbitMQ.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing rabbitmq: %w", err)
		}

		channel, err := amqpConn.Channel()
		if err != nil {
			_ = amqpConn.Close()

			return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
		}

		pub, err := rabbitmq.NewPublisher(channel, settings.Broker.RabbitMQ.Exchange,
			rabbitmq.WithLogger(logger), rabbitmq.WithTracer(tracer))
		if err != nil {
			_ = amqpConn.Close()

			return nil, nil, fmt.Errorf("building rabbitmq publisher: %w", err)
		}

		return pub.Handler(), func() {
			if closeErr := pub.Close(); closeErr != nil {
				logger.Log(context.Background(), liblog.LevelWarn, "failed to close rabbitmq publisher", liblog.Err(closeErr))
			}

			if closeErr := amqpConn.Close(); closeErr != nil {
				logger.Log(context.Background(), liblog.LevelWarn, "failed to close rabbitmq connection", liblog.Err(closeErr))
			}
		}, nil
	}
}

// guardHandler wraps the sink with the Redis idempotency guard when enabled.
func guardHandler(settings *config.Settings, logger liblog.Logger, tracer trace.Tracer, handler outbox.EventHandler) (outbox.EventHandler, error) {
	if !settings.Idempotency.Enabled {
		return handler, nil
	}

	client := redis.NewClient(&redis.Options{Addr: settings.Idempotency.RedisAddr})

	guard, err := idempotency.NewGuard(client,
		idempotency.WithKeyPrefix(settings.Idempotency.KeyPrefix),
		idempotency.WithTTL(settings.Idempotency.TTL),
		idempotency.WithLogger(logger),
		idempotency.WithTracer(tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("building idempotency guard: %w", err)
	}

	return guard.Wrap(handler)
}
