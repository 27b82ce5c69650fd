//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherConfigNormalizeDefaults(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{}
	cfg.normalize()

	assert.Equal(t, DefaultDispatcherConfig(), cfg)
}

func TestDispatcherConfigNormalizeRejectsNonPositive(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		PollInterval:        -time.Second,
		BatchSize:           -1,
		MaxDispatchAttempts: 0,
		RetryBackoffBase:    -time.Millisecond,
		RetryBackoffCeiling: 0,
		LeaseDuration:       -time.Minute,
		HandlerTimeout:      0,
	}
	cfg.normalize()

	assert.Equal(t, DefaultDispatcherConfig(), cfg)
}

func TestDispatcherConfigNormalizeKeepsOverrides(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		PollInterval:        time.Second,
		BatchSize:           5,
		MaxDispatchAttempts: 3,
		RetryBackoffBase:    time.Millisecond,
		RetryBackoffCeiling: time.Minute,
		LeaseDuration:       10 * time.Second,
		HandlerTimeout:      2 * time.Second,
	}
	cfg.normalize()

	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxDispatchAttempts)
	assert.Equal(t, time.Millisecond, cfg.RetryBackoffBase)
	assert.Equal(t, time.Minute, cfg.RetryBackoffCeiling)
	assert.Equal(t, 10*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 2*time.Second, cfg.HandlerTimeout)
}
