// Package ratelimit counts actions per fixed window, escalates floods to bans
// and tracks per-actor cooldowns.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/store"
)

const windowKeyLayout = "2006-01-02 15:04"

// Result describes the counter state for the X-RateLimit-* headers.
type Result struct {
	Limit     int
	Remaining int
	Reset     time.Time
	Count     int64
}

type Decision struct {
	Allowed bool
	// OverCeiling is set when the hard ceiling was crossed. Escalate turns it
	// into a ban.
	OverCeiling bool
	// Blocked is set once the subject was banned.
	Blocked     bool
	BlockType   string
	BanReason   string
	BannedUntil *time.Time
	RetryAfter  time.Duration
	// FailedOpen is set when the counter could not be read.
	FailedOpen bool
	Result     *Result
}

// Subject identifies who is being counted: the IP when known, else the actor.
type Subject struct {
	IP      string
	ActorID string
}

func (s Subject) key() string {
	if s.IP != "" {
		return s.IP
	}
	return "user:" + s.ActorID
}

type Limiter struct {
	counter store.Counter
	bans    store.BanRegistry
	cfg     *config.RateLimitConfig
}

func NewLimiter(counter store.Counter, bans store.BanRegistry, cfg *config.RateLimitConfig) *Limiter {
	return &Limiter{counter: counter, bans: bans, cfg: cfg}
}

// Key builds the counter key for the window containing now.
func Key(subject string, action model.Action, windowStart time.Time) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", subject, action, windowStart.UTC().Format(windowKeyLayout))
}

// Check counts one action and decides whether it may proceed. Counter failures
// fail open.
func (l *Limiter) Check(ctx context.Context, sub Subject, action model.Action, now time.Time) Decision {
	limit := l.cfg.LimitFor(action)
	if !l.cfg.Enabled || limit <= 0 || (sub.IP == "" && sub.ActorID == "") {
		return Decision{Allowed: true}
	}

	window := l.cfg.Window
	start := now.Truncate(window)
	reset := start.Add(window)
	subject := sub.key()

	count, err := l.counter.Increment(ctx, Key(subject, action, start), window)
	if err != nil {
		slog.Warn("Rate limit counter unavailable, failing open",
			"subject", subject, "action", action, "error", err)
		return Decision{Allowed: true, FailedOpen: true}
	}

	res := &Result{
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		Reset:     reset,
		Count:     count,
	}

	if count > int64(limit) {
		return Decision{
			OverCeiling: count > int64(l.cfg.HardCeiling),
			RetryAfter:  reset.Sub(now),
			Result:      res,
		}
	}
	return Decision{Allowed: true, Result: res}
}

// Escalate bans the IP, or mutes the actor when no IP is known. A failed write
// is logged and the request is still blocked.
func (l *Limiter) Escalate(ctx context.Context, sub Subject, action model.Action, prev Decision, now time.Time) Decision {
	d := l.cfg.AutoBanDuration
	until := now.Add(d)
	var count int64
	if prev.Result != nil {
		count = prev.Result.Count
	}
	reason := fmt.Sprintf("automatic: %d %s requests in one window", count, action)

	dec := Decision{
		Blocked:     true,
		BanReason:   reason,
		BannedUntil: &until,
		RetryAfter:  d,
		Result:      prev.Result,
	}

	var err error
	if sub.IP != "" {
		dec.BlockType = "ip_banned"
		_, err = l.bans.Ban(ctx, store.BanRequest{IP: sub.IP, Reason: reason, Duration: d})
	} else {
		dec.BlockType = "user_muted"
		_, err = l.bans.Mute(ctx, store.MuteRequest{ActorID: sub.ActorID, Reason: reason, Duration: d})
	}
	if err != nil {
		slog.Error("Failed to persist automatic ban", "subject", sub.key(), "error", err)
	} else {
		slog.Warn("Subject banned for flooding", "subject", sub.key(), "action", action, "count", count, "duration", d)
	}
	return dec
}
