// Package config loads the relay daemon settings from a YAML file and
// RELAY_-prefixed environment variables, env taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var ErrInvalidSettings = errors.New("invalid relay settings")

// Settings is the full configuration of the relay daemon.
type Settings struct {
	Service     ServiceSettings    `mapstructure:"service"`
	HTTP        HTTPSettings       `mapstructure:"http"`
	Database    DatabaseSettings   `mapstructure:"database"`
	Dispatcher  DispatcherSettings `mapstructure:"dispatcher"`
	Broker      BrokerSettings     `mapstructure:"broker"`
	Idempotency IdempotencyConfig  `mapstructure:"idempotency"`
	Telemetry   TelemetrySettings  `mapstructure:"telemetry"`
}

type ServiceSettings struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"oneof=local development staging production"`
}

type HTTPSettings struct {
	Address string `mapstructure:"address" validate:"required"`
}

type DatabaseSettings struct {
	PrimaryDSN     string `mapstructure:"primary_dsn" validate:"required"`
	ReplicaDSN     string `mapstructure:"replica_dsn"`
	Name           string `mapstructure:"name" validate:"required"`
	MigrationsPath string `mapstructure:"migrations_path"`
	MaxOpenConns   int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	OutboxTable    string `mapstructure:"outbox_table"`
}

type DispatcherSettings struct {
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize           int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts" validate:"gt=0"`
	RetryBackoffBase    time.Duration `mapstructure:"retry_backoff_base" validate:"gt=0"`
	RetryBackoffCeiling time.Duration `mapstructure:"retry_backoff_ceiling" validate:"gt=0"`
	LeaseDuration       time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	HandlerTimeout      time.Duration `mapstructure:"handler_timeout" validate:"gt=0"`
}

// BrokerSettings selects the dispatch sink. Exactly one of the kind-specific
// blocks is read, chosen by Kind.
type BrokerSettings struct {
	Kind     string           `mapstructure:"kind" validate:"oneof=rabbitmq kafka"`
	RabbitMQ RabbitMQSettings `mapstructure:"rabbitmq"`
	Kafka    KafkaSettings    `mapstructure:"kafka"`
}

type RabbitMQSettings struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type KafkaSettings struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type IdempotencyConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type TelemetrySettings struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

// Load reads settings from the named config file (optional) and the
// environment. Env vars use the RELAY_ prefix with underscores, for example
// RELAY_DATABASE_PRIMARY_DSN.
func Load(configPath string) (*Settings, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvKeys(v)

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("unmarshalling settings: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return settings, nil
}

// Validate checks field constraints plus the broker block matching Kind.
func (settings *Settings) Validate() error {
	if err := validator.New().Struct(settings); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	switch settings.Broker.Kind {
	case "rabbitmq":
		if settings.Broker.RabbitMQ.URL == "" || settings.Broker.RabbitMQ.Exchange == "" {
			return fmt.Errorf("%w: broker.rabbitmq requires url and exchange", ErrInvalidSettings)
		}
	case "kafka":
		if len(settings.Broker.Kafka.Brokers) == 0 || settings.Broker.Kafka.Topic == "" {
			return fmt.Errorf("%w: broker.kafka requires brokers and topic", ErrInvalidSettings)
		}
	}

	if settings.Idempotency.Enabled && settings.Idempotency.RedisAddr == "" {
		return fmt.Errorf("%w: idempotency requires redis_addr when enabled", ErrInvalidSettings)
	}

	if settings.Telemetry.Enabled && settings.Telemetry.CollectorEndpoint == "" {
		return fmt.Errorf("%w: telemetry requires collector_endpoint when enabled", ErrInvalidSettings)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "outbox-relay")
	v.SetDefault("service.version", "0.0.0")
	v.SetDefault("service.environment", "local")
	v.SetDefault("http.address", ":8080")
	v.SetDefault("database.name", "outbox")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.outbox_table", "outbox_entries")
	v.SetDefault("dispatcher.poll_interval", 2*time.Second)
	v.SetDefault("dispatcher.batch_size", 100)
	v.SetDefault("dispatcher.max_dispatch_attempts", 10)
	v.SetDefault("dispatcher.retry_backoff_base", time.Second)
	v.SetDefault("dispatcher.retry_backoff_ceiling", 5*time.Minute)
	v.SetDefault("dispatcher.lease_duration", 30*time.Second)
	v.SetDefault("dispatcher.handler_timeout", 10*time.Second)
	v.SetDefault("broker.kind", "rabbitmq")
	v.SetDefault("idempotency.enabled", false)
	v.SetDefault("idempotency.key_prefix", "outbox:processed")
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("telemetry.enabled", false)
}

// bindEnvKeys binds every key explicitly; AutomaticEnv alone does not see
// keys absent from both defaults and the config file.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.primary_dsn",
		"database.replica_dsn",
		"broker.rabbitmq.url",
		"broker.rabbitmq.exchange",
		"broker.kafka.brokers",
		"broker.kafka.topic",
		"idempotency.redis_addr",
		"telemetry.collector_endpoint",
	} {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key)
	}
}
