package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/freedom13/abuseguard/internal/botdetect"
	"github.com/freedom13/abuseguard/internal/captcha"
	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/heuristics"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/ratelimit"
	"github.com/freedom13/abuseguard/internal/store"
)

// BanGate blocks banned addresses and muted accounts.
type BanGate struct {
	bans store.BanRegistry
}

func NewBanGate(bans store.BanRegistry) *BanGate {
	return &BanGate{bans: bans}
}

func (g *BanGate) Name() string { return GateBan }

func (g *BanGate) Evaluate(ctx context.Context, sub *Submission, _ *Evaluation) (GateResult, error) {
	newResult := newResultFunc(GateBan)

	if sub.IP != "" {
		ban, err := g.bans.ActiveBan(ctx, sub.IP)
		if err != nil {
			return newResult(OutcomeContinue, "", "ban_lookup_failed"), fmt.Errorf("ip ban lookup: %w", err)
		}
		if ban != nil {
			res := newResult(OutcomeBlock, TypeIPBanned, orDefault(ban.Reason, "address banned"))
			res.BannedUntil = ban.BannedUntil
			return res, nil
		}
	}

	if sub.ActorID != "" {
		mute, err := g.bans.ActiveMute(ctx, sub.ActorID)
		if err != nil {
			return newResult(OutcomeContinue, "", "mute_lookup_failed"), fmt.Errorf("mute lookup: %w", err)
		}
		if mute != nil {
			res := newResult(OutcomeBlock, TypeUserMuted, orDefault(mute.Reason, "account muted"))
			res.BannedUntil = mute.MutedUntil
			return res, nil
		}
	}

	return newResult(OutcomeContinue, "", "not_banned"), nil
}

// RateGate counts the action and escalates floods to a ban.
type RateGate struct {
	limiter *ratelimit.Limiter
}

func NewRateGate(limiter *ratelimit.Limiter) *RateGate {
	return &RateGate{limiter: limiter}
}

func (g *RateGate) Name() string { return GateRate }

func (g *RateGate) Evaluate(ctx context.Context, sub *Submission, ev *Evaluation) (GateResult, error) {
	newResult := newResultFunc(GateRate)
	subject := ratelimit.Subject{IP: sub.IP, ActorID: sub.ActorID}

	d := g.limiter.Check(ctx, subject, sub.Action, ev.Now)
	ev.RateLimit = d.Result
	if d.Allowed {
		if d.FailedOpen {
			return newResult(OutcomeContinue, "", "counter_unavailable"), nil
		}
		return newResult(OutcomeContinue, "", "within_limit"), nil
	}

	if d.OverCeiling {
		if ev.DryRun {
			typ := TypeIPBanned
			if sub.IP == "" {
				typ = TypeUserMuted
			}
			return newResult(OutcomeBlock, typ, "hard rate ceiling exceeded"), nil
		}
		d = g.limiter.Escalate(ctx, subject, sub.Action, d, ev.Now)
		res := newResult(OutcomeBlock, d.BlockType, d.BanReason)
		res.BannedUntil = d.BannedUntil
		res.RetryAfter = d.RetryAfter
		return res, nil
	}

	res := newResult(OutcomeReject, TypeRateLimit,
		fmt.Sprintf("too many %s requests: limit %d per window", sub.Action, d.Result.Limit))
	res.RetryAfter = d.RetryAfter
	return res, nil
}

// CooldownGate enforces the minimum gap between two submissions of a kind.
type CooldownGate struct {
	cooldown *ratelimit.Cooldown
}

func NewCooldownGate(c *ratelimit.Cooldown) *CooldownGate {
	return &CooldownGate{cooldown: c}
}

func (g *CooldownGate) Name() string { return GateCooldown }

func (g *CooldownGate) Evaluate(ctx context.Context, sub *Submission, _ *Evaluation) (GateResult, error) {
	newResult := newResultFunc(GateCooldown)

	remaining, err := g.cooldown.Remaining(ctx, sub.ActorKey(), sub.Action)
	if err != nil {
		return newResult(OutcomeContinue, "", "cooldown_lookup_failed"), err
	}
	if remaining > 0 {
		res := newResult(OutcomeReject, TypeCooldown,
			fmt.Sprintf("please wait %d seconds before submitting another %s", ratelimit.Seconds(remaining), sub.Action))
		res.RetryAfter = remaining
		return res, nil
	}
	return newResult(OutcomeContinue, "", "no_cooldown"), nil
}

// CaptchaGate asks suspected bots to solve a challenge.
type CaptchaGate struct {
	classifier *botdetect.Classifier
	captchas   *captcha.Store
	actions    map[model.Action]bool
}

func NewCaptchaGate(classifier *botdetect.Classifier, captchas *captcha.Store, cfg *config.BotConfig) *CaptchaGate {
	actions := make(map[model.Action]bool, len(cfg.Actions))
	for _, a := range cfg.Actions {
		actions[model.Action(a)] = true
	}
	return &CaptchaGate{classifier: classifier, captchas: captchas, actions: actions}
}

func (g *CaptchaGate) Name() string { return GateCaptcha }

func (g *CaptchaGate) Evaluate(ctx context.Context, sub *Submission, ev *Evaluation) (GateResult, error) {
	newResult := newResultFunc(GateCaptcha)

	if !g.actions[sub.Action] {
		return newResult(OutcomeContinue, "", "action_not_checked"), nil
	}

	bot := g.classifier.Classify(sub.Request)
	ev.Bot = &bot
	if !g.classifier.RequiresChallenge(bot) {
		return newResult(OutcomeContinue, "", "looks_human"), nil
	}

	challenge := func(reason, eventKind string) (GateResult, error) {
		res := newResult(OutcomeReject, TypeCaptcha, reason)
		res.CaptchaRequired = true
		res.EventKind = eventKind
		return res, nil
	}

	if sub.CaptchaToken == "" {
		return challenge("challenge required: "+strings.Join(bot.Reasons, ","), "")
	}
	err := g.captchas.Verify(ctx, sub.CaptchaToken, sub.CaptchaAnswer)
	switch {
	case err == nil:
		return newResult(OutcomeContinue, "", "captcha_solved"), nil
	case errors.Is(err, captcha.ErrWrongAnswer):
		return challenge("wrong captcha answer", model.EventFailedCaptcha)
	case errors.Is(err, captcha.ErrInvalid):
		return challenge("invalid or expired captcha", "")
	default:
		return newResult(OutcomeContinue, "", "captcha_check_failed"), err
	}
}

// ContentGate scores the text and rejects duplicates and link floods.
type ContentGate struct {
	history store.History
	claims  store.Counter
	scorer  *heuristics.Scorer
	cfg     *config.ContentConfig
}

// NewContentGate takes a counter used to claim each actor's text for the
// duplicate window, so identical submissions racing each other are caught
// before either is stored.
func NewContentGate(history store.History, claims store.Counter, cfg *config.ContentConfig) *ContentGate {
	return &ContentGate{history: history, claims: claims, scorer: heuristics.NewScorer(cfg.ExtraKeywords), cfg: cfg}
}

func (g *ContentGate) Name() string { return GateContent }

const msgDuplicate = "the same text was already submitted moments ago"

func duplicateKey(actorKey, contentHash string) string {
	return "duplicate:" + actorKey + ":" + contentHash
}

func (g *ContentGate) Evaluate(ctx context.Context, sub *Submission, ev *Evaluation) (GateResult, error) {
	newResult := newResultFunc(GateContent)

	if !sub.Action.HasContent() {
		return newResult(OutcomeContinue, "", "no_content"), nil
	}

	ev.Text = g.scorer.Score(sub.Text, g.cfg.MaxURLsFor(sub.Action))

	dup, err := heuristics.CheckDuplicate(ctx, g.history, sub.ActorKey(), sub.Text, ev.Now, g.cfg.DuplicateWindow)
	if err != nil {
		return newResult(OutcomeContinue, "", "duplicate_check_failed"), fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		return newResult(OutcomeReject, TypeDuplicate, msgDuplicate), nil
	}

	if ev.Text.ExcessiveURLs {
		res := newResult(OutcomeReject, TypeExcessiveURLs,
			fmt.Sprintf("too many links: found %d, at most %d allowed", ev.Text.URLCount, g.cfg.MaxURLsFor(sub.Action)))
		res.FoundURLs = ev.Text.URLCount
		return res, nil
	}

	// The stored-history check above misses submissions still in flight.
	if g.claims != nil && !ev.DryRun && sub.ActorKey() != "" && g.cfg.DuplicateWindow > 0 {
		n, err := g.claims.Increment(ctx, duplicateKey(sub.ActorKey(), heuristics.ContentHash(sub.Text)), g.cfg.DuplicateWindow)
		if err != nil {
			return newResult(OutcomeContinue, "", "duplicate_claim_failed"), fmt.Errorf("duplicate claim: %w", err)
		}
		if n > 1 {
			return newResult(OutcomeReject, TypeDuplicate, msgDuplicate), nil
		}
	}

	return newResult(OutcomeContinue, "", string(ev.Text.Level)), nil
}

type ModerationLogWriter interface {
	AppendModerationLog(ctx context.Context, e *model.ModerationLogEntry) error
}

// BehaviorGate looks at the actor's recent history. Spammers' comments are
// rejected; other content goes to review.
type BehaviorGate struct {
	history store.History
	logs    ModerationLogWriter
	cfg     *config.BehaviorConfig
}

func NewBehaviorGate(history store.History, logs ModerationLogWriter, cfg *config.BehaviorConfig) *BehaviorGate {
	return &BehaviorGate{history: history, logs: logs, cfg: cfg}
}

func (g *BehaviorGate) Name() string { return GateBehavior }

func (g *BehaviorGate) Evaluate(ctx context.Context, sub *Submission, ev *Evaluation) (GateResult, error) {
	newResult := newResultFunc(GateBehavior)

	if !g.cfg.Enabled || !sub.Action.HasContent() || sub.ActorKey() == "" {
		return newResult(OutcomeContinue, "", "not_checked"), nil
	}

	span := 24 * time.Hour
	if g.cfg.CrossPost && g.cfg.CrossPostSpan > span {
		span = g.cfg.CrossPostSpan
	}
	items, err := g.history.RecentHistory(ctx, sub.ActorKey(), ev.Now.Add(-span))
	if err != nil {
		return newResult(OutcomeContinue, "", "history_unavailable"), fmt.Errorf("history lookup: %w", err)
	}

	b := heuristics.CheckBehavioral(items, ev.Now)
	if g.cfg.CrossPost && sub.Action == model.ActionPost {
		score, reason := heuristics.CheckCrossPost(items, heuristics.ContentHash(sub.Text), ev.Now, g.cfg.CrossPostSpan, g.cfg.CrossPostLimit)
		if score > 0 {
			b.Score += score
			b.Reasons = append(b.Reasons, reason)
		}
	}
	ev.Behavior = b

	if !b.IsSpammer {
		return newResult(OutcomeContinue, "", "behavior_ok"), nil
	}

	reject := sub.Action == model.ActionComment
	if !ev.DryRun {
		g.audit(ctx, sub, b, reject)
	}
	if reject {
		return newResult(OutcomeReject, TypeBehavioralSpam, "posting pattern looks automated: "+strings.Join(b.Reasons, ",")), nil
	}
	ev.ForcePending = true
	return newResult(OutcomeContinue, "", "routed_to_review"), nil
}

func (g *BehaviorGate) audit(ctx context.Context, sub *Submission, b heuristics.BehaviorResult, rejected bool) {
	entry := &model.ModerationLogEntry{
		Actor:      model.SystemActor,
		TargetKind: model.TargetIP,
		TargetID:   sub.IP,
		Action:     model.ModActionFlag,
		Reason:     "behavioral spam detected",
		Details: map[string]any{
			"submission_kind": string(sub.Action),
			"score":           b.Score,
			"reasons":         b.Reasons,
		},
	}
	if sub.ActorID != "" {
		entry.TargetKind, entry.TargetID = model.TargetUser, sub.ActorID
	}
	if rejected {
		entry.Action = model.ModActionReject
	}
	if err := g.logs.AppendModerationLog(ctx, entry); err != nil {
		slog.Error("Failed to write moderation log", "target", entry.TargetID, "error", err)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
