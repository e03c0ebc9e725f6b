package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/freedom13/abuseguard/internal/config"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type dialect struct {
	driverName string
	numbered   bool
	types      *strings.Replacer
}

var (
	sqliteDialect = dialect{
		driverName: "sqlite",
		types:      strings.NewReplacer("{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{ts}}", "INTEGER"),
	}
	postgresDialect = dialect{
		driverName: "postgres",
		numbered:   true,
		types:      strings.NewReplacer("{{pk}}", "BIGSERIAL PRIMARY KEY", "{{ts}}", "BIGINT"),
	}
)

// rebind rewrites ? placeholders into $n for drivers that need numbered ones.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// queries holds every statement; it runs against either the pool or a transaction.
type queries struct {
	db  execer
	d   dialect
	now func() time.Time
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.d.rebind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.d.rebind(query), args...)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.d.rebind(query), args...)
}

// SQLStore is the durable store: ban registry, logs, submissions and the
// fallback rate-limit counter table.
type SQLStore struct {
	*queries
	conn *sql.DB
}

// Tx is a SQLStore bound to one transaction.
type Tx struct {
	*queries
	tx *sql.Tx
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

type Option func(*SQLStore)

// WithClock overrides the time source used for expiry checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// OpenSQL connects to the configured database and creates the schema.
func OpenSQL(ctx context.Context, cfg *config.DBConfig, opts ...Option) (*SQLStore, error) {
	d := sqliteDialect
	if cfg.Driver == config.DriverPostgres {
		d = postgresDialect
	}

	conn, err := sql.Open(d.driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d.driverName, err)
	}

	if d.driverName == "sqlite" {
		// One writer keeps the upserts serialized and avoids SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("store: %s: %w", pragma, err)
			}
		}
	} else {
		if cfg.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("store: ping postgres: %w", err)
		}
	}

	s := &SQLStore{
		queries: &queries{db: conn, d: d, now: time.Now},
		conn:    conn,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// Ping reports whether the database answers.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLStore) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &Tx{queries: &queries{db: tx, d: s.d, now: s.now}, tx: tx}, nil
}

// InTx runs fn inside a transaction, committing when it returns nil.
func (s *SQLStore) InTx(ctx context.Context, fn func(*Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				slog.Error("Failed to roll back transaction", "error", rerr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_counters (
	counter_key TEXT    PRIMARY KEY,
	count       INTEGER NOT NULL DEFAULT 0,
	created_at  {{ts}}  NOT NULL,
	expires_at  {{ts}}  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_expires ON rate_limit_counters (expires_at);

CREATE TABLE IF NOT EXISTS ip_bans (
	id           {{pk}},
	ip_address   TEXT    NOT NULL UNIQUE,
	reason       TEXT    NOT NULL DEFAULT '',
	banned_until {{ts}},
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	is_voluntary BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   {{ts}}  NOT NULL,
	updated_at   {{ts}}  NOT NULL
);

CREATE TABLE IF NOT EXISTS user_mutes (
	id          {{pk}},
	actor_id    TEXT    NOT NULL UNIQUE,
	reason      TEXT    NOT NULL DEFAULT '',
	muted_until {{ts}},
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  {{ts}}  NOT NULL,
	updated_at  {{ts}}  NOT NULL
);

CREATE TABLE IF NOT EXISTS ip_spam_logs (
	id              {{pk}},
	ip_address      TEXT    NOT NULL,
	actor_id        TEXT,
	event_kind      TEXT    NOT NULL,
	spam_score      INTEGER NOT NULL DEFAULT 0,
	blocked         BOOLEAN NOT NULL DEFAULT FALSE,
	reason          TEXT    NOT NULL DEFAULT '',
	content_hash    TEXT    NOT NULL DEFAULT '',
	content_preview TEXT    NOT NULL DEFAULT '',
	user_agent      TEXT    NOT NULL DEFAULT '',
	referer         TEXT    NOT NULL DEFAULT '',
	created_at      {{ts}}  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ip_spam_logs_ip ON ip_spam_logs (ip_address, created_at);
CREATE INDEX IF NOT EXISTS idx_ip_spam_logs_created ON ip_spam_logs (created_at);

CREATE TABLE IF NOT EXISTS moderation_logs (
	id          {{pk}},
	actor       TEXT   NOT NULL,
	target_kind TEXT   NOT NULL,
	target_id   TEXT   NOT NULL,
	action      TEXT   NOT NULL,
	reason      TEXT   NOT NULL DEFAULT '',
	details     TEXT   NOT NULL DEFAULT '{}',
	created_at  {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moderation_logs_target ON moderation_logs (target_kind, target_id);

CREATE TABLE IF NOT EXISTS submissions (
	id                {{pk}},
	actor_key         TEXT    NOT NULL,
	actor_id          TEXT,
	ip_address        TEXT    NOT NULL DEFAULT '',
	kind              TEXT    NOT NULL,
	body              TEXT    NOT NULL,
	content_hash      TEXT    NOT NULL,
	has_url           BOOLEAN NOT NULL DEFAULT FALSE,
	moderation_status TEXT    NOT NULL,
	warning           TEXT    NOT NULL DEFAULT '',
	score             INTEGER NOT NULL DEFAULT 0,
	created_at        {{ts}}  NOT NULL,
	reviewed_at       {{ts}},
	reviewed_by       TEXT
);
CREATE INDEX IF NOT EXISTS idx_submissions_actor ON submissions (actor_key, created_at);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions (moderation_status, created_at);
`

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.types.Replace(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func unixTime(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
