// Package model holds the records shared by the store, the pipeline and the
// moderation queue.
package model

import (
	"fmt"
	"time"
)

// Action is the kind of request being evaluated.
type Action string

const (
	ActionRegister Action = "register"
	ActionLogin    Action = "login"
	ActionPost     Action = "post"
	ActionComment  Action = "comment"
	ActionReport   Action = "report"
)

// Actions lists every known action in a stable order.
var Actions = []Action{ActionRegister, ActionLogin, ActionPost, ActionComment, ActionReport}

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionRegister, ActionLogin, ActionPost, ActionComment, ActionReport:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q (must be register, login, post, comment, report)", s)
	}
}

// HasContent reports whether the action carries a text payload that is
// scored and persisted.
func (a Action) HasContent() bool {
	return a == ActionPost || a == ActionComment || a == ActionReport
}

func (a Action) String() string { return string(a) }

// Verdict is the pipeline's terminal decision for one submission.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictPending  Verdict = "pending"
	VerdictRejected Verdict = "rejected"
	VerdictBlocked  Verdict = "blocked"
)

// Status is the persisted moderation status of a submission.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusApproved, StatusPending, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown moderation status %q", s)
	}
}

// BanRecord is a block on an IP address.
type BanRecord struct {
	ID          int64      `json:"id"`
	IPAddress   string     `json:"ip_address"`
	Reason      string     `json:"reason"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
	IsActive    bool       `json:"is_active"`
	IsVoluntary bool       `json:"is_voluntary"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// InEffect reports whether the ban blocks requests at now.
func (b *BanRecord) InEffect(now time.Time) bool {
	if b == nil || !b.IsActive {
		return false
	}
	return b.BannedUntil == nil || b.BannedUntil.After(now)
}

// MuteRecord silences an account regardless of the address it posts from.
type MuteRecord struct {
	ID         int64      `json:"id"`
	ActorID    string     `json:"actor_id"`
	Reason     string     `json:"reason"`
	MutedUntil *time.Time `json:"muted_until,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (m *MuteRecord) InEffect(now time.Time) bool {
	if m == nil || !m.IsActive {
		return false
	}
	return m.MutedUntil == nil || m.MutedUntil.After(now)
}

// Event kinds recorded in the spam log besides the content actions.
const EventFailedCaptcha = "failed_captcha"

// SpamLogEntry is an append-only audit record of a rejected or blocked request.
type SpamLogEntry struct {
	ID             int64     `json:"id"`
	IPAddress      string    `json:"ip_address"`
	ActorID        string    `json:"actor_id,omitempty"`
	EventKind      string    `json:"event_kind"`
	SpamScore      int       `json:"spam_score"`
	Blocked        bool      `json:"blocked"`
	Reason         string    `json:"reason"`
	ContentHash    string    `json:"content_hash,omitempty"`
	ContentPreview string    `json:"content_preview,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Referer        string    `json:"referer,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Moderation log target kinds and actions.
const (
	TargetIP         = "ip"
	TargetUser       = "user"
	TargetSubmission = "submission"

	ModActionBan     = "ban"
	ModActionUnban   = "unban"
	ModActionMute    = "mute"
	ModActionUnmute  = "unmute"
	ModActionFlag    = "flag"
	ModActionReject  = "reject"
	ModActionApprove = "approve"

	SystemActor = "system"
)

// ModerationLogEntry records an administrator or automated action.
type ModerationLogEntry struct {
	ID         int64          `json:"id"`
	Actor      string         `json:"actor"`
	TargetKind string         `json:"target_kind"`
	TargetID   string         `json:"target_id"`
	Action     string         `json:"action"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Submission is a persisted piece of user content with its moderation state.
type Submission struct {
	ID               int64      `json:"id"`
	ActorKey         string     `json:"-"`
	ActorID          string     `json:"actor_id,omitempty"`
	IPAddress        string     `json:"ip_address"`
	Kind             Action     `json:"kind"`
	Body             string     `json:"body"`
	ContentHash      string     `json:"-"`
	HasURL           bool       `json:"has_url"`
	ModerationStatus Status     `json:"moderation_status"`
	Warning          string     `json:"warning,omitempty"`
	Score            int        `json:"score"`
	CreatedAt        time.Time  `json:"created_at"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy       string     `json:"reviewed_by,omitempty"`
}

// HistoryItem is the slice of a past submission the behavioral checks read.
type HistoryItem struct {
	Kind        Action
	ContentHash string
	HasURL      bool
	CreatedAt   time.Time
}
