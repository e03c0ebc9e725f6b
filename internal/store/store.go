package store

import (
	"context"
	"errors"
	"time"

	"github.com/freedom13/abuseguard/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row or key does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable marks a backend that is configured off.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Counter atomically increments windowed counters. The expiry is set only
// when the key is created, so the window never slides.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Cache holds short-lived values such as CAPTCHA answers and cooldown markers.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Take returns the value and deletes it in one step.
	Take(ctx context.Context, key string) (string, bool, error)
	// TTL returns the remaining lifetime of key, or 0 when it is absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// FastStore is a cache backend able to serve both counters and values.
type FastStore interface {
	Counter
	Cache
	Close() error
}

type BanRequest struct {
	IP     string
	Reason string
	// Duration of zero means permanent.
	Duration  time.Duration
	Voluntary bool
}

type MuteRequest struct {
	ActorID  string
	Reason   string
	Duration time.Duration
}

// BanRegistry stores IP bans and account mutes. Reads never report an
// expired record as in effect.
type BanRegistry interface {
	ActiveBan(ctx context.Context, ip string) (*model.BanRecord, error)
	IsBanned(ctx context.Context, ip string) (bool, error)
	Ban(ctx context.Context, req BanRequest) (*model.BanRecord, error)
	Unban(ctx context.Context, ip string) error

	ActiveMute(ctx context.Context, actorID string) (*model.MuteRecord, error)
	Mute(ctx context.Context, req MuteRequest) (*model.MuteRecord, error)
	Unmute(ctx context.Context, actorID string) error
}

type SpamLogWriter interface {
	AppendSpamLog(ctx context.Context, entry *model.SpamLogEntry) error
}

// History answers questions about an actor's past submissions.
type History interface {
	HasRecentDuplicate(ctx context.Context, actorKey, contentHash string, since time.Time) (bool, error)
	RecentHistory(ctx context.Context, actorKey string, since time.Time) ([]model.HistoryItem, error)
}

type SpamLogFilter struct {
	IPAddress string
	Limit     int
	Offset    int
}

type SubmissionFilter struct {
	Status model.Status
	Limit  int
	Offset int
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
