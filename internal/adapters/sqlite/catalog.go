// Package sqlite implements the session catalog on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// ErrSessionNotFound is returned by Get and Delete for unknown session ids.
var ErrSessionNotFound = errors.New("session not found in catalog")

const sessionColumns = "id, dir, started_at, stopped_at, state, error, set_count"

// Catalog implements ports.SessionCatalog.
type Catalog struct {
	db   *sql.DB
	path string
}

var _ ports.SessionCatalog = (*Catalog)(nil)

// Open initializes or connects to the catalog database and applies migrations.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	c := &Catalog{db: db, path: path}
	if err := c.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Path returns the database file path.
func (c *Catalog) Path() string {
	return c.path
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// RecordStart inserts a running session.
func (c *Catalog) RecordStart(ctx context.Context, s *domain.Session) error {
	if s == nil {
		return errors.New("session is nil")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, dir, started_at, state) VALUES (?, ?, ?, ?)`,
		s.ID, s.Dir, formatTime(s.StartTime), "running",
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for _, spec := range s.Sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_sources (session_id, source_id, kind) VALUES (?, ?, ?)`,
			s.ID, string(spec.ID), string(spec.Kind),
		); err != nil {
			return fmt.Errorf("insert source %s: %w", spec.ID, err)
		}
	}
	return tx.Commit()
}

// RecordClose stores the final manifest of a session. Sessions that were
// never recorded as started (for example recovered ones) are inserted.
func (c *Catalog) RecordClose(ctx context.Context, m domain.Manifest, dir string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, dir, started_at, stopped_at, state, error, set_count, complete)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             stopped_at = excluded.stopped_at, state = excluded.state, error = excluded.error,
             set_count = excluded.set_count, complete = excluded.complete`,
		m.SessionID, dir, formatTime(m.StartTime), nullableTime(m.StopTime), m.State,
		nullableString(m.Error), int64(m.SetCount), m.Complete,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, e := range m.Entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_sources (
                 session_id, source_id, kind, file_path, format, frame_count, gap_count,
                 first_ts_ns, last_ts_ns, drops, disconnected
             ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(session_id, source_id) DO UPDATE SET
                 kind = excluded.kind, file_path = excluded.file_path, format = excluded.format,
                 frame_count = excluded.frame_count, gap_count = excluded.gap_count,
                 first_ts_ns = excluded.first_ts_ns, last_ts_ns = excluded.last_ts_ns,
                 drops = excluded.drops, disconnected = excluded.disconnected`,
			m.SessionID, string(e.SourceID), string(e.Kind), nullableString(e.FilePath), nullableString(e.Format),
			int64(e.FrameCount), int64(e.GapCount), int64(e.FirstTS), int64(e.LastTS), int64(e.Drops), e.Disconnected,
		); err != nil {
			return fmt.Errorf("upsert source %s: %w", e.SourceID, err)
		}
	}
	return tx.Commit()
}

// List returns the most recent sessions first. limit <= 0 returns all.
func (c *Catalog) List(ctx context.Context, limit int) ([]ports.CatalogSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []ports.CatalogSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns a session and its per-source entries. The id may be a unique
// prefix of the session id.
func (c *Catalog) Get(ctx context.Context, id string) (ports.CatalogSession, []domain.ManifestEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		id, escapeLike(id)+"%",
	)
	if err != nil {
		return ports.CatalogSession{}, nil, fmt.Errorf("get session: %w", err)
	}
	var matches []ports.CatalogSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return ports.CatalogSession{}, nil, fmt.Errorf("scan session: %w", err)
		}
		matches = append(matches, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ports.CatalogSession{}, nil, err
	}

	var session ports.CatalogSession
	switch {
	case len(matches) == 0:
		return ports.CatalogSession{}, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	case len(matches) == 1:
		session = matches[0]
	case matches[0].ID == id:
		session = matches[0]
	default:
		return ports.CatalogSession{}, nil, fmt.Errorf("session id prefix %q is ambiguous", id)
	}

	entries, err := c.entries(ctx, session.ID)
	if err != nil {
		return ports.CatalogSession{}, nil, err
	}
	return session, entries, nil
}

// Delete removes a session and its entries from the catalog. Files on disk
// are left alone.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (c *Catalog) entries(ctx context.Context, sessionID string) ([]domain.ManifestEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT source_id, kind, file_path, format, frame_count, gap_count, first_ts_ns, last_ts_ns, drops, disconnected
         FROM session_sources WHERE session_id = ? ORDER BY source_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []domain.ManifestEntry
	for rows.Next() {
		var (
			sourceID, kind      string
			filePath, format    sql.NullString
			frames, gaps, drops int64
			firstTS, lastTS     int64
			disconnected        bool
		)
		if err := rows.Scan(&sourceID, &kind, &filePath, &format, &frames, &gaps, &firstTS, &lastTS, &drops, &disconnected); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, domain.ManifestEntry{
			SourceID:     domain.SourceID(sourceID),
			Kind:         domain.SourceKind(kind),
			FilePath:     filePath.String,
			Format:       format.String,
			FrameCount:   uint64(frames),
			GapCount:     uint64(gaps),
			FirstTS:      time.Duration(firstTS),
			LastTS:       time.Duration(lastTS),
			Drops:        uint64(drops),
			Disconnected: disconnected,
		})
	}
	return out, rows.Err()
}
