package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/store"
)

// Cooldown enforces a minimum gap between two persisted submissions of the
// same kind by the same actor.
type Cooldown struct {
	cache store.Cache
	cfg   *config.CooldownConfig
}

func NewCooldown(cache store.Cache, cfg *config.CooldownConfig) *Cooldown {
	return &Cooldown{cache: cache, cfg: cfg}
}

func cooldownKey(actorKey string, action model.Action) string {
	return fmt.Sprintf("cooldown:%s:%s", actorKey, action)
}

// Remaining returns how long the actor still has to wait, or 0.
func (c *Cooldown) Remaining(ctx context.Context, actorKey string, action model.Action) (time.Duration, error) {
	if !c.cfg.Enabled || c.cfg.For(action) <= 0 || actorKey == "" {
		return 0, nil
	}
	ttl, err := c.cache.TTL(ctx, cooldownKey(actorKey, action))
	if err != nil {
		return 0, fmt.Errorf("cooldown lookup: %w", err)
	}
	return ttl, nil
}

// Start begins the cooldown after a submission was persisted.
func (c *Cooldown) Start(ctx context.Context, actorKey string, action model.Action) error {
	d := c.cfg.For(action)
	if !c.cfg.Enabled || d <= 0 || actorKey == "" {
		return nil
	}
	if err := c.cache.Set(ctx, cooldownKey(actorKey, action), "1", d); err != nil {
		return fmt.Errorf("cooldown start: %w", err)
	}
	return nil
}

// Seconds rounds a wait up to whole seconds so clients never retry too early.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
