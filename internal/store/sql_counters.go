package store

import (
	"context"
	"fmt"
	"time"
)

// Increment is the durable counter path: a single upsert, so concurrent
// writers can never lose an update. A row whose window has passed restarts at 1.
func (q *queries) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := q.now()
	nowUnix := unixTime(now)
	expires := unixTime(now.Add(window))

	var count int64
	err := q.queryRow(ctx, `
		INSERT INTO rate_limit_counters (counter_key, count, created_at, expires_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (counter_key) DO UPDATE SET
			count = CASE WHEN rate_limit_counters.expires_at <= ? THEN 1 ELSE rate_limit_counters.count + 1 END,
			created_at = CASE WHEN rate_limit_counters.expires_at <= ? THEN excluded.created_at ELSE rate_limit_counters.created_at END,
			expires_at = CASE WHEN rate_limit_counters.expires_at <= ? THEN excluded.expires_at ELSE rate_limit_counters.expires_at END
		RETURNING count`,
		key, nowUnix, expires, nowUnix, nowUnix, nowUnix,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: increment counter %s: %w", key, err)
	}
	return count, nil
}

// DeleteExpiredCounters removes counter rows whose window ended before now.
func (q *queries) DeleteExpiredCounters(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM rate_limit_counters WHERE expires_at <= ?`, unixTime(now))
	if err != nil {
		return 0, fmt.Errorf("store: delete expired counters: %w", err)
	}
	return res.RowsAffected()
}
