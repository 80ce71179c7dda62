package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_Success(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delay: 10 * time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := cfg.Do(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delay: 10 * time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := cfg.Do(context.Background(), func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestDo_FixedSpacing(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delay: 20 * time.Millisecond, Multiplier: 1.0}

	start := time.Now()
	_ = cfg.Do(context.Background(), func() error {
		return errors.New("error")
	})
	elapsed := time.Since(start)

	// Two inter-attempt waits of 20ms each.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 120*time.Millisecond)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, Delay: 100 * time.Millisecond, Multiplier: 1.0}

	attempts := 0
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := cfg.Do(ctx, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestNextDelay_Fixed(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delay: 5 * time.Second, Multiplier: 1.0}
	assert.Equal(t, 5*time.Second, cfg.NextDelay(1))
	assert.Equal(t, 5*time.Second, cfg.NextDelay(2))
	assert.Equal(t, 5*time.Second, cfg.NextDelay(3))
}

func TestNextDelay_Backoff(t *testing.T) {
	cfg := Config{MaxAttempts: 4, Delay: 10 * time.Millisecond, Multiplier: 2.0, MaxDelay: 25 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, cfg.NextDelay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.NextDelay(2))
	assert.Equal(t, 25*time.Millisecond, cfg.NextDelay(3))
}

func TestDo_InvalidConfig(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delay: -time.Second}
	assert.Error(t, cfg.Do(context.Background(), func() error { return nil }))

	cfg = Config{MaxAttempts: 3, Delay: time.Second, Multiplier: -1}
	assert.Error(t, cfg.Do(context.Background(), func() error { return nil }))
}

func TestDefaultConfigIsFixedSpacing(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Delay)
	assert.Equal(t, cfg.NextDelay(1), cfg.NextDelay(3))
}
