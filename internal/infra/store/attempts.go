// Package store persists description attempt history on SQLite or
// PostgreSQL. Only metadata is kept; generated text never is.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver, registers "pgx"

	"github.com/gennino/gennino/internal/domain"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// timeLayout sorts lexicographically in both dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// AttemptRepo implements domain.AttemptStore.
type AttemptRepo struct {
	DB      *sql.DB
	dialect Dialect
}

var _ domain.AttemptStore = (*AttemptRepo)(nil)

// NewAttemptRepo wraps db and creates the attempts table when missing.
func NewAttemptRepo(ctx context.Context, db *sql.DB, d Dialect) (*AttemptRepo, error) {
	r := &AttemptRepo{DB: db, dialect: d}
	for _, stmt := range migrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate attempts: %w", err)
		}
	}
	return r, nil
}

// OpenPostgres opens a pooled PostgreSQL connection through pgx and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: empty DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return db, nil
}

func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS attempts (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			image_digest TEXT NOT NULL DEFAULT '',
			backend      TEXT NOT NULL DEFAULT '',
			path         TEXT NOT NULL DEFAULT '',
			outcome      TEXT NOT NULL,
			fragments    INTEGER NOT NULL DEFAULT 0,
			started_at   TEXT NOT NULL,
			duration_ns  BIGINT NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts(started_at)`,
	}
}

// RecordAttempt inserts one attempt row.
func (r *AttemptRepo) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	q := r.rebind(`
		INSERT INTO attempts (id, session_id, image_digest, backend, path, outcome, fragments, started_at, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.DB.ExecContext(ctx, q,
		a.ID, a.SessionID, a.ImageDigest, a.Backend, string(a.Path), string(a.Outcome),
		a.Fragments, a.StartedAt.UTC().Format(timeLayout), int64(a.Duration), a.Error)
	return err
}

// RecentAttempts returns up to limit attempts, newest first.
func (r *AttemptRepo) RecentAttempts(ctx context.Context, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.rebind(`
		SELECT id, session_id, image_digest, backend, path, outcome, fragments, started_at, duration_ns, error
		FROM attempts ORDER BY started_at DESC LIMIT ?`)
	rows, err := r.DB.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var (
			a        domain.Attempt
			path     string
			outcome  string
			started  string
			duration int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ImageDigest, &a.Backend, &path, &outcome,
			&a.Fragments, &started, &duration, &a.Error); err != nil {
			return nil, err
		}
		a.Path = domain.ReadyPath(path)
		a.Outcome = domain.Outcome(outcome)
		a.StartedAt, _ = time.Parse(timeLayout, started)
		a.Duration = time.Duration(duration)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes attempts that started before cutoff and returns how many.
func (r *AttemptRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.rebind(`DELETE FROM attempts WHERE started_at < ?`),
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (r *AttemptRepo) rebind(q string) string {
	if r.dialect != Postgres {
		return q
	}
	var (
		sb strings.Builder
		n  int
	)
	for _, c := range q {
		if c == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}
