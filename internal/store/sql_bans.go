package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freedom13/abuseguard/internal/model"
)

const banColumns = `id, ip_address, reason, banned_until, is_active, is_voluntary, created_at, updated_at`

func scanBan(row interface{ Scan(...any) error }) (*model.BanRecord, error) {
	var (
		b                    model.BanRecord
		until                sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&b.ID, &b.IPAddress, &b.Reason, &until, &b.IsActive, &b.IsVoluntary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.BannedUntil = timePtr(until)
	b.CreatedAt = fromUnix(createdAt)
	b.UpdatedAt = fromUnix(updatedAt)
	return &b, nil
}

// ActiveBan returns the ban in effect for ip, or nil. An expired temporary ban
// found here is deactivated before returning.
func (q *queries) ActiveBan(ctx context.Context, ip string) (*model.BanRecord, error) {
	b, err := scanBan(q.queryRow(ctx,
		`SELECT `+banColumns+` FROM ip_bans WHERE ip_address = ? AND is_active = ?`, ip, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup ban for %s: %w", ip, err)
	}

	now := q.now()
	if b.InEffect(now) {
		return b, nil
	}

	// The guard on banned_until keeps a concurrent re-ban from being undone.
	if _, err := q.exec(ctx,
		`UPDATE ip_bans SET is_active = ?, updated_at = ? WHERE id = ? AND banned_until = ?`,
		false, unixTime(now), b.ID, nullableUnix(b.BannedUntil),
	); err != nil {
		slog.Warn("Failed to deactivate expired ban", "ip", ip, "error", err)
	}
	return nil, nil
}

func (q *queries) IsBanned(ctx context.Context, ip string) (bool, error) {
	b, err := q.ActiveBan(ctx, ip)
	if err != nil {
		return false, err
	}
	return b != nil, nil
}

// Ban creates or replaces the ban for an address. The latest call wins for
// reason, expiry and the voluntary flag, and the ban is reactivated.
func (q *queries) Ban(ctx context.Context, req BanRequest) (*model.BanRecord, error) {
	if req.IP == "" {
		return nil, errors.New("store: ban requires an ip address")
	}
	now := q.now()
	var until *time.Time
	if req.Duration > 0 {
		t := now.Add(req.Duration)
		until = &t
	}

	b, err := scanBan(q.queryRow(ctx, `
		INSERT INTO ip_bans (ip_address, reason, banned_until, is_active, is_voluntary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ip_address) DO UPDATE SET
			reason = excluded.reason,
			banned_until = excluded.banned_until,
			is_active = excluded.is_active,
			is_voluntary = excluded.is_voluntary,
			updated_at = excluded.updated_at
		RETURNING `+banColumns,
		req.IP, req.Reason, nullableUnix(until), true, req.Voluntary, unixTime(now), unixTime(now),
	))
	if err != nil {
		return nil, fmt.Errorf("store: ban %s: %w", req.IP, err)
	}
	return b, nil
}

// Unban deactivates the ban row, keeping it for the audit trail.
func (q *queries) Unban(ctx context.Context, ip string) error {
	res, err := q.exec(ctx, `UPDATE ip_bans SET is_active = ?, updated_at = ? WHERE ip_address = ?`,
		false, unixTime(q.now()), ip)
	if err != nil {
		return fmt.Errorf("store: unban %s: %w", ip, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBans returns bans newest first.
func (q *queries) ListBans(ctx context.Context, activeOnly bool, limit int) ([]model.BanRecord, error) {
	query := `SELECT ` + banColumns + ` FROM ip_bans`
	args := []any{}
	if activeOnly {
		query += ` WHERE is_active = ? AND (banned_until IS NULL OR banned_until > ?)`
		args = append(args, true, unixTime(q.now()))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list bans: %w", err)
	}
	defer rows.Close()

	var bans []model.BanRecord
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan ban: %w", err)
		}
		bans = append(bans, *b)
	}
	return bans, rows.Err()
}

const muteColumns = `id, actor_id, reason, muted_until, is_active, created_at, updated_at`

func scanMute(row interface{ Scan(...any) error }) (*model.MuteRecord, error) {
	var (
		m                    model.MuteRecord
		until                sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&m.ID, &m.ActorID, &m.Reason, &until, &m.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.MutedUntil = timePtr(until)
	m.CreatedAt = fromUnix(createdAt)
	m.UpdatedAt = fromUnix(updatedAt)
	return &m, nil
}

func (q *queries) ActiveMute(ctx context.Context, actorID string) (*model.MuteRecord, error) {
	m, err := scanMute(q.queryRow(ctx,
		`SELECT `+muteColumns+` FROM user_mutes WHERE actor_id = ? AND is_active = ?`, actorID, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup mute for %s: %w", actorID, err)
	}

	now := q.now()
	if m.InEffect(now) {
		return m, nil
	}
	if _, err := q.exec(ctx,
		`UPDATE user_mutes SET is_active = ?, updated_at = ? WHERE id = ? AND muted_until = ?`,
		false, unixTime(now), m.ID, nullableUnix(m.MutedUntil),
	); err != nil {
		slog.Warn("Failed to deactivate expired mute", "actor_id", actorID, "error", err)
	}
	return nil, nil
}

func (q *queries) Mute(ctx context.Context, req MuteRequest) (*model.MuteRecord, error) {
	if req.ActorID == "" {
		return nil, errors.New("store: mute requires an actor id")
	}
	now := q.now()
	var until *time.Time
	if req.Duration > 0 {
		t := now.Add(req.Duration)
		until = &t
	}

	m, err := scanMute(q.queryRow(ctx, `
		INSERT INTO user_mutes (actor_id, reason, muted_until, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (actor_id) DO UPDATE SET
			reason = excluded.reason,
			muted_until = excluded.muted_until,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING `+muteColumns,
		req.ActorID, req.Reason, nullableUnix(until), true, unixTime(now), unixTime(now),
	))
	if err != nil {
		return nil, fmt.Errorf("store: mute %s: %w", req.ActorID, err)
	}
	return m, nil
}

func (q *queries) Unmute(ctx context.Context, actorID string) error {
	res, err := q.exec(ctx, `UPDATE user_mutes SET is_active = ?, updated_at = ? WHERE actor_id = ?`,
		false, unixTime(q.now()), actorID)
	if err != nil {
		return fmt.Errorf("store: unmute %s: %w", actorID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateExpired flips is_active off for every ban and mute past its expiry.
func (q *queries) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, stmt := range []string{
		`UPDATE ip_bans SET is_active = ?, updated_at = ? WHERE is_active = ? AND banned_until IS NOT NULL AND banned_until <= ?`,
		`UPDATE user_mutes SET is_active = ?, updated_at = ? WHERE is_active = ? AND muted_until IS NOT NULL AND muted_until <= ?`,
	} {
		res, err := q.exec(ctx, stmt, false, unixTime(now), true, unixTime(now))
		if err != nil {
			return total, fmt.Errorf("store: deactivate expired: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
