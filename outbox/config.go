package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval        = 2 * time.Second
	defaultBatchSize           = 50
	defaultMaxDispatchAttempts = 10
	defaultRetryBackoffBase    = 500 * time.Millisecond
	defaultRetryBackoffCeiling = 5 * time.Minute
	defaultLeaseDuration       = 30 * time.Second
	defaultHandlerTimeout      = 10 * time.Second
)

// DispatcherConfig controls relay polling, claiming, retry, and metric
// behavior. Lease duration and max attempts are deliberately configuration:
// they trade dispatch latency against duplicate-delivery risk.
type DispatcherConfig struct {
	// PollInterval is the periodic interval between dispatch cycles.
	PollInterval time.Duration
	// BatchSize is the max number of entries claimed per cycle.
	BatchSize int
	// MaxDispatchAttempts is the total attempt budget before dead-lettering.
	MaxDispatchAttempts int
	// RetryBackoffBase is the base of the exponential retry schedule.
	RetryBackoffBase time.Duration
	// RetryBackoffCeiling caps the jittered retry delay.
	RetryBackoffCeiling time.Duration
	// LeaseDuration is how long a claim shields an entry from other workers.
	// A worker that crashes mid-entry loses its claim after this long.
	LeaseDuration time.Duration
	// HandlerTimeout bounds a single handler invocation so one slow handler
	// cannot stall the batch.
	HandlerTimeout time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline relay configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:        defaultPollInterval,
		BatchSize:           defaultBatchSize,
		MaxDispatchAttempts: defaultMaxDispatchAttempts,
		RetryBackoffBase:    defaultRetryBackoffBase,
		RetryBackoffCeiling: defaultRetryBackoffCeiling,
		LeaseDuration:       defaultLeaseDuration,
		HandlerTimeout:      defaultHandlerTimeout,
		MeterProvider:       nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = defaults.MaxDispatchAttempts
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.RetryBackoffCeiling <= 0 {
		cfg.RetryBackoffCeiling = defaults.RetryBackoffCeiling
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaults.HandlerTimeout
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets the dispatch polling interval.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum entries claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxDispatchAttempts sets the attempt budget before dead-lettering.
func WithMaxDispatchAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.MaxDispatchAttempts = attempts
		}
	}
}

// WithRetryBackoff sets the base and ceiling of the retry schedule.
func WithRetryBackoff(base, ceiling time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.RetryBackoffBase = base
		}

		if ceiling > 0 {
			dispatcher.cfg.RetryBackoffCeiling = ceiling
		}
	}
}

// WithLeaseDuration sets how long a claim shields an entry from reclaim.
func WithLeaseDuration(lease time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if lease > 0 {
			dispatcher.cfg.LeaseDuration = lease
		}
	}
}

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.HandlerTimeout = timeout
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.retryClassifier = classifier
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}
