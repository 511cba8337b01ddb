// Package backoff computes exponential retry delays with jitter:
//
//	delay = min(Initial * Multiplier^(attempt-1), Max) ± Jitter
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the relative spread, 0 disables it.
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.Initial <= 0 {
		c.Initial = 100 * time.Millisecond
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Delay is the wait before retry number attempt (1-based).
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.Max) {
		d = float64(c.Max)
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
