package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/heuristics"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/store"
)

// SpamLogRecorder writes the forensic record of every rejected or blocked
// submission.
type SpamLogRecorder struct {
	logs          store.SpamLogWriter
	previewLength int
	now           func() time.Time
}

func NewSpamLogRecorder(logs store.SpamLogWriter, previewLength int, now func() time.Time) *SpamLogRecorder {
	if now == nil {
		now = time.Now
	}
	return &SpamLogRecorder{logs: logs, previewLength: previewLength, now: now}
}

func (r *SpamLogRecorder) HandleRejection(ctx context.Context, sub *Submission, dec *Decision) {
	if dec.Verdict != model.VerdictRejected && dec.Verdict != model.VerdictBlocked {
		return
	}

	entry := &model.SpamLogEntry{
		IPAddress: sub.IP,
		ActorID:   sub.ActorID,
		EventKind: orDefault(dec.EventKind, string(sub.Action)),
		SpamScore: dec.Score,
		Blocked:   dec.Verdict == model.VerdictBlocked,
		Reason:    dec.Type + ": " + strings.Join(dec.Reasons, "; "),
		UserAgent: sub.Request.UserAgent,
		Referer:   sub.header("Referer"),
		CreatedAt: r.now(),
	}
	if sub.Text != "" {
		entry.ContentHash = heuristics.RawHash(sub.Text)
		entry.ContentPreview = heuristics.Preview(sub.Text, r.previewLength)
	}

	if err := r.logs.AppendSpamLog(ctx, entry); err != nil {
		slog.Error("Failed to write spam log", "remote_ip", sub.IP, "type", dec.Type, "error", err)
	}
}

// AutoBan bans addresses that keep getting rejected.
type AutoBan struct {
	mu      sync.Mutex
	strikes *lru.LRU[string, *strikeStats]
	bans    store.BanRegistry
	cfg     *config.AutoBanConfig
	now     func() time.Time

	// Keeps an address from collecting new strikes right after its ban.
	banningCooldown *lru.LRU[string, struct{}]
	wg              sync.WaitGroup
}

type strikeStats struct {
	count int
	first time.Time
}

func NewAutoBan(bans store.BanRegistry, cfg *config.AutoBanConfig, now func() time.Time) *AutoBan {
	if now == nil {
		now = time.Now
	}
	return &AutoBan{
		strikes:         lru.NewLRU[string, *strikeStats](cfg.CacheSize, nil, cfg.StrikeWindow),
		banningCooldown: lru.NewLRU[string, struct{}](cfg.CacheSize, nil, time.Minute),
		bans:            bans,
		cfg:             cfg,
		now:             now,
	}
}

func (a *AutoBan) HandleRejection(ctx context.Context, sub *Submission, dec *Decision) {
	if !a.cfg.Enabled || sub.IP == "" || dec.Verdict != model.VerdictRejected {
		return
	}
	if slices.Contains(a.cfg.ExcludeGates, dec.Gate) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, onCooldown := a.banningCooldown.Get(sub.IP); onCooldown {
		return
	}

	stats, ok := a.strikes.Get(sub.IP)
	if !ok {
		stats = &strikeStats{first: a.now()}
	}
	stats.count++
	a.strikes.Add(sub.IP, stats)

	if stats.count < a.cfg.MaxStrikes {
		return
	}

	slog.Warn("Auto-banning address for repeated violations",
		"remote_ip", sub.IP, "strike_count", stats.count, "ban_duration", a.cfg.BanDuration)

	a.strikes.Remove(sub.IP)
	a.banningCooldown.Add(sub.IP, struct{}{})

	reason := fmt.Sprintf("automatic: %d rejected submissions since %s", stats.count, stats.first.UTC().Format(time.RFC3339))
	a.wg.Add(1)
	go a.ban(context.WithoutCancel(ctx), sub.IP, reason)
}

func (a *AutoBan) ban(ctx context.Context, ip, reason string) {
	defer a.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := a.bans.Ban(ctx, store.BanRequest{IP: ip, Reason: reason, Duration: a.cfg.BanDuration}); err != nil {
		slog.Error("Failed to auto-ban address", "remote_ip", ip, "error", err)
	}
}

// Wait blocks until pending bans are written.
func (a *AutoBan) Wait() {
	a.wg.Wait()
}
