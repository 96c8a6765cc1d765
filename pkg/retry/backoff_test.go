package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithBackoffSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), fastConfig(), zaptest.NewLogger(t), "flaky op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithBackoffExhaustsRetries(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := WithBackoff(context.Background(), fastConfig(), zaptest.NewLogger(t), "doomed op", func() error {
		attempts++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithBackoff(ctx, fastConfig(), zaptest.NewLogger(t), "cancelled op", func() error {
		attempts++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := fastConfig()
	assert.Equal(t, time.Millisecond, calculateBackoff(cfg, 1))
	assert.Equal(t, 2*time.Millisecond, calculateBackoff(cfg, 2))
	assert.Equal(t, 5*time.Millisecond, calculateBackoff(cfg, 10))

	cfg.JitterEnabled = true
	d := calculateBackoff(cfg, 10)
	assert.GreaterOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*0.85))
	assert.LessOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*1.15))
}
