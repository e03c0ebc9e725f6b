package policy

import (
	"context"
	"time"

	"github.com/freedom13/abuseguard/internal/botdetect"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/ratelimit"
)

// Rejection types reported to clients. They are stable API values.
const (
	TypeIPBanned       = "ip_banned"
	TypeUserMuted      = "user_muted"
	TypeRateLimit      = "rate_limit_exceeded"
	TypeCooldown       = "cooldown"
	TypeCaptcha        = "captcha_required"
	TypeDuplicate      = "duplicate_content"
	TypeExcessiveURLs  = "excessive_urls"
	TypeBehavioralSpam = "behavioral_spam"
	TypePendingReview  = "pending_review"
)

// Submission is one request under evaluation.
type Submission struct {
	Action  model.Action
	IP      string
	ActorID string
	Text    string
	Request botdetect.Metadata

	CaptchaToken  string
	CaptchaAnswer string
}

// ActorKey identifies the author for history lookups: the account when
// known, else the address.
func (s *Submission) ActorKey() string {
	if s.ActorID != "" {
		return "user:" + s.ActorID
	}
	if s.IP != "" {
		return "ip:" + s.IP
	}
	return ""
}

func (s *Submission) header(name string) string {
	if s.Request.Header == nil {
		return ""
	}
	return s.Request.Header.Get(name)
}

// Decision is the pipeline's answer for one submission.
type Decision struct {
	Verdict model.Verdict
	Type    string
	Gate    string
	Score   int
	Reasons []string
	Warning string

	RetryAfter      time.Duration
	BanReason       string
	BannedUntil     *time.Time
	FoundURLs       int
	CaptchaRequired bool
	// EventKind overrides the action in the spam log, e.g. failed_captcha.
	EventKind string
	RateLimit *ratelimit.Result
	Degraded  bool
}

// Persistable reports whether the submission should be stored.
func (d *Decision) Persistable() bool {
	return d.Verdict == model.VerdictApproved || d.Verdict == model.VerdictPending
}

// Status maps a persistable verdict to the stored moderation status.
func (d *Decision) Status() model.Status {
	if d.Verdict == model.VerdictPending {
		return model.StatusPending
	}
	return model.StatusApproved
}

type RejectionHandler interface {
	HandleRejection(ctx context.Context, sub *Submission, dec *Decision)
}

type MetricsCollector interface {
	ReportGate(gate, outcome string, d time.Duration)
	ReportGateError(gate string)
	ReportVerdict(action, verdict, typ string)
}
