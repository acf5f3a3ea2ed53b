// Package store persists installed tenant snapshots in SQLite so a
// restarted server can restore the last installed version of each tenant.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"

	"github.com/cryguy/dispatch/internal/routing"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	host       TEXT    NOT NULL,
	version    TEXT    NOT NULL,
	routes     TEXT    NOT NULL,
	code       TEXT    NOT NULL,
	exports    TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_host ON snapshots (host, id);
`

// Record is one installed snapshot.
type Record struct {
	Host      string              `json:"host"`
	Version   string              `json:"version"`
	Routes    []routing.RouteSpec `json:"routes"`
	Code      string              `json:"-"`
	Exports   []string            `json:"exports,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// FromSnapshot captures snap for persistence.
func FromSnapshot(snap *routing.AppRouter) Record {
	return Record{
		Host:      snap.Host(),
		Version:   snap.Version(),
		Routes:    snap.RouteSpecs(),
		Code:      snap.Code(),
		Exports:   snap.Exports(),
		CreatedAt: snap.CreatedAt(),
	}
}

// Spec returns the build input that reproduces the record.
func (r Record) Spec() routing.Spec {
	return routing.Spec{
		Host:    r.Host,
		Routes:  r.Routes,
		Code:    r.Code,
		Exports: r.Exports,
		Version: r.Version,
	}
}

// Store is a snapshot history backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a
// private in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save records rec as the newest snapshot for its host. Saving a version
// that already exists moves it to the top of the host's history.
func (s *Store) Save(ctx context.Context, rec Record) error {
	routes, err := json.Marshal(rec.Routes)
	if err != nil {
		return fmt.Errorf("encoding routes: %w", err)
	}
	var exports sql.NullString
	if rec.Exports != nil {
		b, err := json.Marshal(rec.Exports)
		if err != nil {
			return fmt.Errorf("encoding exports: %w", err)
		}
		exports = sql.NullString{String: string(b), Valid: true}
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving %s@%s: %w", rec.Host, rec.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE host = ? AND version = ?`, rec.Host, rec.Version); err != nil {
		return fmt.Errorf("saving %s@%s: %w", rec.Host, rec.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (host, version, routes, code, exports, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Host, rec.Version, string(routes), rec.Code, exports, created.UnixMilli(),
	); err != nil {
		return fmt.Errorf("saving %s@%s: %w", rec.Host, rec.Version, err)
	}
	return tx.Commit()
}

const columns = `host, version, routes, code, exports, created_at`

// Latest returns the newest record of every host, ordered by host.
func (s *Store) Latest(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM snapshots
		WHERE id IN (SELECT MAX(id) FROM snapshots GROUP BY host)
		ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("loading latest snapshots: %w", err)
	}
	return scanRecords(rows)
}

// History returns up to limit records for host, newest first. A limit of
// zero or less returns all of them.
func (s *Store) History(ctx context.Context, host string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM snapshots
		WHERE host = ? ORDER BY id DESC LIMIT ?`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", host, err)
	}
	return scanRecords(rows)
}

// Prune keeps the newest keep records per host and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY host ORDER BY id DESC) AS n FROM snapshots
		) WHERE n > ?
	)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning snapshots: %w", err)
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec     Record
			routes  string
			exports sql.NullString
			created int64
		)
		if err := rows.Scan(&rec.Host, &rec.Version, &routes, &rec.Code, &exports, &created); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(routes), &rec.Routes); err != nil {
			return nil, fmt.Errorf("decoding routes of %s@%s: %w", rec.Host, rec.Version, err)
		}
		if exports.Valid {
			if err := json.Unmarshal([]byte(exports.String), &rec.Exports); err != nil {
				return nil, fmt.Errorf("decoding exports of %s@%s: %w", rec.Host, rec.Version, err)
			}
		}
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
