// Package retry provides bounded retry schedules with context cancellation.
//
// The default schedule is a fixed delay between attempts, which is what the
// transport reconnection policy uses; a multiplier above 1.0 turns it into
// exponential backoff capped at MaxDelay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config provides retry configuration
type Config struct {
	MaxAttempts int           // Maximum number of attempts (<=0 = run once)
	Delay       time.Duration // Delay between attempts
	Multiplier  float64       // Delay multiplier per attempt (1.0 = fixed spacing)
	MaxDelay    time.Duration // Cap on the per-attempt delay (0 = uncapped)
}

// DefaultConfig returns the fixed-spacing schedule used for transport
// reconnection: three attempts five seconds apart.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
		Multiplier:  1.0,
	}
}

// NextDelay returns the delay to wait before the given attempt.
// Attempt numbering starts at one; the first attempt's delay is Delay.
func (c Config) NextDelay(attempt int) time.Duration {
	if attempt <= 1 || c.Multiplier <= 1.0 {
		return c.Delay
	}

	delay := float64(c.Delay)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
		if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(delay)
}

// Do executes fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The first attempt runs immediately; each subsequent
// attempt waits NextDelay.
func (c Config) Do(ctx context.Context, fn func() error) error {
	if c.Delay < 0 {
		return errors.New("retry: Delay cannot be negative")
	}
	if c.Multiplier < 0 {
		return errors.New("retry: Multiplier cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == c.MaxAttempts {
			break
		}

		timer := time.NewTimer(c.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", c.MaxAttempts, lastErr)
}
