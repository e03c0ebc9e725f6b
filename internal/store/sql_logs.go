package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/freedom13/abuseguard/internal/model"
)

func (q *queries) AppendSpamLog(ctx context.Context, e *model.SpamLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.now()
	}
	err := q.queryRow(ctx, `
		INSERT INTO ip_spam_logs (ip_address, actor_id, event_kind, spam_score, blocked, reason,
			content_hash, content_preview, user_agent, referer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.IPAddress, nullableString(e.ActorID), e.EventKind, e.SpamScore, e.Blocked, e.Reason,
		e.ContentHash, e.ContentPreview, e.UserAgent, e.Referer, unixTime(e.CreatedAt),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("store: append spam log: %w", err)
	}
	return nil
}

func (q *queries) ListSpamLogs(ctx context.Context, f SpamLogFilter) ([]model.SpamLogEntry, error) {
	query := `SELECT id, ip_address, actor_id, event_kind, spam_score, blocked, reason,
		content_hash, content_preview, user_agent, referer, created_at FROM ip_spam_logs`
	var args []any
	if f.IPAddress != "" {
		query += ` WHERE ip_address = ?`
		args = append(args, f.IPAddress)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list spam logs: %w", err)
	}
	defer rows.Close()

	var entries []model.SpamLogEntry
	for rows.Next() {
		var (
			e         model.SpamLogEntry
			actorID   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.IPAddress, &actorID, &e.EventKind, &e.SpamScore, &e.Blocked, &e.Reason,
			&e.ContentHash, &e.ContentPreview, &e.UserAgent, &e.Referer, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan spam log: %w", err)
		}
		e.ActorID = actorID.String
		e.CreatedAt = fromUnix(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteSpamLogsBefore enforces the spam log retention window.
func (q *queries) DeleteSpamLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM ip_spam_logs WHERE created_at < ?`, unixTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune spam logs: %w", err)
	}
	return res.RowsAffected()
}

func (q *queries) AppendModerationLog(ctx context.Context, e *model.ModerationLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.now()
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("store: encode moderation details: %w", err)
		}
	}
	err := q.queryRow(ctx, `
		INSERT INTO moderation_logs (actor, target_kind, target_id, action, reason, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.Actor, e.TargetKind, e.TargetID, e.Action, e.Reason, string(details), unixTime(e.CreatedAt),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("store: append moderation log: %w", err)
	}
	return nil
}

// ListModerationLogs returns the history for one target, newest first.
func (q *queries) ListModerationLogs(ctx context.Context, targetKind, targetID string, limit int) ([]model.ModerationLogEntry, error) {
	rows, err := q.query(ctx, `
		SELECT id, actor, target_kind, target_id, action, reason, details, created_at
		FROM moderation_logs WHERE target_kind = ? AND target_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		targetKind, targetID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list moderation logs: %w", err)
	}
	defer rows.Close()

	var entries []model.ModerationLogEntry
	for rows.Next() {
		var (
			e         model.ModerationLogEntry
			details   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.TargetKind, &e.TargetID, &e.Action, &e.Reason, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan moderation log: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("store: decode moderation details: %w", err)
			}
		}
		e.CreatedAt = fromUnix(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
