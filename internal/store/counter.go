package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// FallbackCounter counts in the fast store and drops to the durable table when
// the fast store errors. Degradation is logged at most once a minute.
type FallbackCounter struct {
	fast    Counter
	durable Counter
	warn    rate.Sometimes
}

// NewFallbackCounter accepts a nil fast store, in which case every increment
// goes to the durable table.
func NewFallbackCounter(fast, durable Counter) *FallbackCounter {
	return &FallbackCounter{
		fast:    fast,
		durable: durable,
		warn:    rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (c *FallbackCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if c.fast != nil {
		n, err := c.fast.Increment(ctx, key, window)
		if err == nil {
			return n, nil
		}
		c.warn.Do(func() {
			slog.Warn("Fast counter store unavailable, using durable counters", "error", err)
		})
	}
	if c.durable == nil {
		return 0, fmt.Errorf("counter %s: %w", key, ErrUnavailable)
	}
	return c.durable.Increment(ctx, key, window)
}
