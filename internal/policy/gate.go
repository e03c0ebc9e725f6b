package policy

import (
	"context"
	"time"

	"github.com/freedom13/abuseguard/internal/botdetect"
	"github.com/freedom13/abuseguard/internal/heuristics"
	"github.com/freedom13/abuseguard/internal/ratelimit"
)

// Gate names, also used as keys of [log.rejection_levels].
const (
	GateBan      = "ban"
	GateRate     = "rate_limit"
	GateCooldown = "cooldown"
	GateCaptcha  = "captcha"
	GateContent  = "content"
	GateBehavior = "behavior"
)

type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeReject   Outcome = "reject"
	OutcomeBlock    Outcome = "block"
)

type GateResult struct {
	Gate     string
	Outcome  Outcome
	Type     string
	Reason   string
	Duration time.Duration

	RetryAfter      time.Duration
	BannedUntil     *time.Time
	FoundURLs       int
	CaptchaRequired bool
	EventKind       string
}

// Gate is one step of the pipeline. Returning an error marks the evaluation
// degraded; the pipeline continues with the next gate.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, sub *Submission, ev *Evaluation) (GateResult, error)
}

// Evaluation is the state shared by the gates of one run.
type Evaluation struct {
	Now    time.Time
	DryRun bool

	Text      heuristics.TextScore
	Behavior  heuristics.BehaviorResult
	Bot       *botdetect.Result
	RateLimit *ratelimit.Result

	// ForcePending routes the submission to review whatever its score.
	ForcePending bool
	Degraded     bool
}

func newResultFunc(gate string) func(outcome Outcome, typ, reason string) GateResult {
	start := time.Now()
	return func(outcome Outcome, typ, reason string) GateResult {
		return GateResult{
			Gate:     gate,
			Outcome:  outcome,
			Type:     typ,
			Reason:   reason,
			Duration: time.Since(start),
		}
	}
}
