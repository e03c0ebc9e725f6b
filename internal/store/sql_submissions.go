package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/freedom13/abuseguard/internal/model"
)

const submissionColumns = `id, actor_key, actor_id, ip_address, kind, body, content_hash, has_url,
	moderation_status, warning, score, created_at, reviewed_at, reviewed_by`

func scanSubmission(row interface{ Scan(...any) error }) (*model.Submission, error) {
	var (
		s                   model.Submission
		actorID, reviewedBy sql.NullString
		kind, status        string
		createdAt           int64
		reviewedAt          sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.ActorKey, &actorID, &s.IPAddress, &kind, &s.Body, &s.ContentHash, &s.HasURL,
		&status, &s.Warning, &s.Score, &createdAt, &reviewedAt, &reviewedBy); err != nil {
		return nil, err
	}
	s.ActorID = actorID.String
	s.Kind = model.Action(kind)
	s.ModerationStatus = model.Status(status)
	s.CreatedAt = fromUnix(createdAt)
	s.ReviewedAt = timePtr(reviewedAt)
	s.ReviewedBy = reviewedBy.String
	return &s, nil
}

func (q *queries) InsertSubmission(ctx context.Context, s *model.Submission) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = q.now()
	}
	err := q.queryRow(ctx, `
		INSERT INTO submissions (actor_key, actor_id, ip_address, kind, body, content_hash, has_url,
			moderation_status, warning, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		s.ActorKey, nullableString(s.ActorID), s.IPAddress, string(s.Kind), s.Body, s.ContentHash, s.HasURL,
		string(s.ModerationStatus), s.Warning, s.Score, unixTime(s.CreatedAt),
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("store: insert submission: %w", err)
	}
	return nil
}

func (q *queries) GetSubmission(ctx context.Context, id int64) (*model.Submission, error) {
	s, err := scanSubmission(q.queryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get submission %d: %w", id, err)
	}
	return s, nil
}

// ListSubmissions returns submissions in the given status, oldest first so the
// review queue drains in arrival order.
func (q *queries) ListSubmissions(ctx context.Context, f SubmissionFilter) ([]model.Submission, error) {
	rows, err := q.query(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE moderation_status = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		string(f.Status), clampLimit(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("store: list submissions: %w", err)
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan submission: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ReviewSubmission records a manual decision. It only applies to items nobody
// reviewed yet and reports false otherwise.
func (q *queries) ReviewSubmission(ctx context.Context, id int64, status model.Status, reviewer, warning string) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE submissions SET moderation_status = ?, warning = ?, reviewed_at = ?, reviewed_by = ?
		WHERE id = ? AND reviewed_at IS NULL`,
		string(status), warning, unixTime(q.now()), reviewer, id)
	if err != nil {
		return false, fmt.Errorf("store: review submission %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: review submission %d: %w", id, err)
	}
	return n == 1, nil
}

func (q *queries) CountSubmissionsByStatus(ctx context.Context) (map[model.Status]int64, error) {
	rows, err := q.query(ctx, `SELECT moderation_status, COUNT(*) FROM submissions GROUP BY moderation_status`)
	if err != nil {
		return nil, fmt.Errorf("store: count submissions: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan submission count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

func (q *queries) HasRecentDuplicate(ctx context.Context, actorKey, contentHash string, since time.Time) (bool, error) {
	var one int
	err := q.queryRow(ctx, `SELECT 1 FROM submissions WHERE actor_key = ? AND content_hash = ? AND created_at >= ? LIMIT 1`,
		actorKey, contentHash, unixTime(since)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: duplicate lookup: %w", err)
	}
	return true, nil
}

func (q *queries) RecentHistory(ctx context.Context, actorKey string, since time.Time) ([]model.HistoryItem, error) {
	rows, err := q.query(ctx, `SELECT kind, content_hash, has_url, created_at FROM submissions
		WHERE actor_key = ? AND created_at >= ? ORDER BY created_at DESC`,
		actorKey, unixTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: recent history: %w", err)
	}
	defer rows.Close()

	var items []model.HistoryItem
	for rows.Next() {
		var (
			item      model.HistoryItem
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&kind, &item.ContentHash, &item.HasURL, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		item.Kind = model.Action(kind)
		item.CreatedAt = fromUnix(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}
