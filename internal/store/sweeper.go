package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweep removes state that is already logically dead: expired counter rows,
// lapsed bans and mutes, and spam logs older than retention (0 keeps them).
// None of it is needed for correctness since reads check expiry themselves.
func (s *SQLStore) Sweep(ctx context.Context, retention time.Duration) error {
	now := s.now()

	counters, err := s.DeleteExpiredCounters(ctx, now)
	if err != nil {
		return err
	}
	lapsed, err := s.DeactivateExpired(ctx, now)
	if err != nil {
		return err
	}
	var pruned int64
	if retention > 0 {
		if pruned, err = s.DeleteSpamLogsBefore(ctx, now.Add(-retention)); err != nil {
			return err
		}
	}

	slog.Debug("Housekeeping sweep finished",
		"expired_counters", counters, "lapsed_bans", lapsed, "pruned_spam_logs", pruned)
	return nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *SQLStore) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx, retention); err != nil {
				slog.Error("Housekeeping sweep failed", "error", err)
			}
		}
	}
}
