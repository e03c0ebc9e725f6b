package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/freedom13/abuseguard/internal/botdetect"
	"github.com/freedom13/abuseguard/internal/captcha"
	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/ratelimit"
	"github.com/freedom13/abuseguard/internal/store"
)

// Deps are the long-lived collaborators a pipeline is built from. They
// outlive any single pipeline across config reloads.
type Deps struct {
	Bans     store.BanRegistry
	Counter  store.Counter
	Cache    store.Cache
	History  store.History
	SpamLogs store.SpamLogWriter
	ModLogs  ModerationLogWriter
	Captchas *captcha.Store
	Metrics  MetricsCollector
	Now      func() time.Time
}

// Build assembles the gates in their fixed order from cfg.
func Build(cfg *config.Config, deps Deps, dryRun bool) (*Pipeline, error) {
	var gates []Gate

	gates = append(gates, NewBanGate(deps.Bans))

	if cfg.RateLimit.Enabled {
		gates = append(gates, NewRateGate(ratelimit.NewLimiter(deps.Counter, deps.Bans, &cfg.RateLimit)))
	}
	if cfg.Cooldown.Enabled {
		gates = append(gates, NewCooldownGate(ratelimit.NewCooldown(deps.Cache, &cfg.Cooldown)))
	}
	if cfg.Bot.Enabled {
		classifier, err := botdetect.New(&cfg.Bot)
		if err != nil {
			return nil, fmt.Errorf("failed to create bot classifier: %w", err)
		}
		if deps.Captchas == nil {
			return nil, errors.New("bot detection is enabled but no captcha store was provided")
		}
		gates = append(gates, NewCaptchaGate(classifier, deps.Captchas, &cfg.Bot))
	}
	gates = append(gates, NewContentGate(deps.History, deps.Counter, &cfg.Content))
	if cfg.Behavior.Enabled {
		gates = append(gates, NewBehaviorGate(deps.History, deps.ModLogs, &cfg.Behavior))
	}

	handlers := []RejectionHandler{
		NewSpamLogRecorder(deps.SpamLogs, cfg.Content.PreviewLength, deps.Now),
	}
	if cfg.AutoBan.Enabled {
		handlers = append(handlers, NewAutoBan(deps.Bans, &cfg.AutoBan, deps.Now))
	}

	return NewPipeline(cfg, gates, handlers, deps.Metrics, dryRun, deps.Now), nil
}
