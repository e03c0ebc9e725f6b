// Package moderation persists evaluated submissions and drives the manual
// review queue.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freedom13/abuseguard/internal/heuristics"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/policy"
	"github.com/freedom13/abuseguard/internal/ratelimit"
	"github.com/freedom13/abuseguard/internal/store"
)

var (
	// ErrAlreadyReviewed is returned when a moderator acts on an item that
	// already has a manual decision.
	ErrAlreadyReviewed = errors.New("moderation: submission already reviewed")
	// ErrNotPersistable is returned by Route for rejected or blocked decisions.
	ErrNotPersistable = errors.New("moderation: decision does not persist content")
)

type Router struct {
	sql      *store.SQLStore
	cooldown *ratelimit.Cooldown
	now      func() time.Time
}

func NewRouter(sql *store.SQLStore, cooldown *ratelimit.Cooldown, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{sql: sql, cooldown: cooldown, now: now}
}

// Route stores an approved or pending submission. Pending items get a flag
// entry in the moderation log in the same transaction. The actor's cooldown
// starts once the row is committed.
func (r *Router) Route(ctx context.Context, sub *policy.Submission, dec *policy.Decision) (int64, error) {
	if !dec.Persistable() {
		return 0, ErrNotPersistable
	}

	row := &model.Submission{
		ActorKey:         sub.ActorKey(),
		ActorID:          sub.ActorID,
		IPAddress:        sub.IP,
		Kind:             sub.Action,
		Body:             sub.Text,
		ContentHash:      heuristics.ContentHash(sub.Text),
		HasURL:           heuristics.CountURLs(sub.Text) > 0,
		ModerationStatus: dec.Status(),
		Warning:          dec.Warning,
		Score:            dec.Score,
		CreatedAt:        r.now(),
	}

	err := r.sql.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertSubmission(ctx, row); err != nil {
			return err
		}
		if row.ModerationStatus != model.StatusPending {
			return nil
		}
		return tx.AppendModerationLog(ctx, &model.ModerationLogEntry{
			Actor:      model.SystemActor,
			TargetKind: model.TargetSubmission,
			TargetID:   fmt.Sprint(row.ID),
			Action:     model.ModActionFlag,
			Reason:     dec.Warning,
			Details: map[string]any{
				"score":   dec.Score,
				"reasons": dec.Reasons,
			},
			CreatedAt: row.CreatedAt,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to route submission: %w", err)
	}

	if r.cooldown != nil {
		if err := r.cooldown.Start(ctx, row.ActorKey, row.Kind); err != nil {
			slog.Warn("Failed to start cooldown", "actor", row.ActorKey, "action", row.Kind, "error", err)
		}
	}
	return row.ID, nil
}

// List returns a page of submissions in status, oldest first.
func (r *Router) List(ctx context.Context, status model.Status, limit, offset int) ([]model.Submission, error) {
	return r.sql.ListSubmissions(ctx, store.SubmissionFilter{Status: status, Limit: limit, Offset: offset})
}

func (r *Router) Approve(ctx context.Context, id int64, admin, reason string) (*model.Submission, error) {
	return r.review(ctx, id, model.StatusApproved, model.ModActionApprove, admin, reason)
}

func (r *Router) Reject(ctx context.Context, id int64, admin, reason string) (*model.Submission, error) {
	return r.review(ctx, id, model.StatusRejected, model.ModActionReject, admin, reason)
}

func (r *Router) review(ctx context.Context, id int64, status model.Status, action, admin, reason string) (*model.Submission, error) {
	var out *model.Submission
	err := r.sql.InTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetSubmission(ctx, id)
		if err != nil {
			return err
		}

		warning := current.Warning
		if status == model.StatusApproved {
			warning = ""
		}
		ok, err := tx.ReviewSubmission(ctx, id, status, admin, warning)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyReviewed
		}

		if err := tx.AppendModerationLog(ctx, &model.ModerationLogEntry{
			Actor:      admin,
			TargetKind: model.TargetSubmission,
			TargetID:   fmt.Sprint(id),
			Action:     action,
			Reason:     reason,
			Details:    map[string]any{"previous_status": string(current.ModerationStatus)},
		}); err != nil {
			return err
		}

		out, err = tx.GetSubmission(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to review submission %d: %w", id, err)
	}

	slog.Info("Submission reviewed", "id", id, "status", status, "admin", admin)
	return out, nil
}
