package sqlite

import (
	"database/sql"
	"time"

	"github.com/gennino/gennino/internal/domain"
)

var _ domain.ModelStore = (*DB)(nil)

// ─── Model Operations ───────────────────────────────────────────────────────

// UpsertModel inserts or replaces an installed model record.
func (db *DB) UpsertModel(info domain.ModelInfo) error {
	pulled := info.PulledAt
	if pulled.IsZero() {
		pulled = time.Now()
	}
	_, err := db.db.Exec(`
		INSERT INTO models (name, digest, size_bytes, format, pulled_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			digest     = excluded.digest,
			size_bytes = excluded.size_bytes,
			format     = excluded.format,
			pulled_at  = excluded.pulled_at
	`, info.Name, info.Digest, info.SizeBytes, info.Format, pulled.UTC().Format(time.RFC3339Nano))
	return err
}

// GetModel returns the model record, or nil when it is not installed.
func (db *DB) GetModel(name string) (*domain.ModelInfo, error) {
	row := db.db.QueryRow(`
		SELECT name, digest, size_bytes, format, pulled_at, last_used
		FROM models WHERE name = ?
	`, name)
	info, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListModels returns all installed models ordered by name.
func (db *DB) ListModels() ([]domain.ModelInfo, error) {
	rows, err := db.db.Query(`
		SELECT name, digest, size_bytes, format, pulled_at, last_used
		FROM models ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ModelInfo
	for rows.Next() {
		info, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

// DeleteModel removes a model record. Missing records are not an error.
func (db *DB) DeleteModel(name string) error {
	_, err := db.db.Exec(`DELETE FROM models WHERE name = ?`, name)
	return err
}

// TouchModel updates last_used to now.
func (db *DB) TouchModel(name string) error {
	_, err := db.db.Exec(`UPDATE models SET last_used = ? WHERE name = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), name)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(s scanner) (*domain.ModelInfo, error) {
	var (
		info     domain.ModelInfo
		pulled   string
		lastUsed sql.NullString
	)
	if err := s.Scan(&info.Name, &info.Digest, &info.SizeBytes, &info.Format, &pulled, &lastUsed); err != nil {
		return nil, err
	}
	info.PulledAt, _ = time.Parse(time.RFC3339Nano, pulled)
	if lastUsed.Valid {
		info.LastUsed, _ = time.Parse(time.RFC3339Nano, lastUsed.String)
	}
	return &info, nil
}
