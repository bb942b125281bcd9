// Package sqlite implements the store contract over an embedded SQLite
// database. It mirrors the postgres adapter's shape: a profile table with a
// version column for conditional writes and an append-only history table
// whose rowid serves as the paging cursor.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
)

// Store is the SQLite adapter.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS fact_profiles (
    subject    TEXT PRIMARY KEY,
    profile    TEXT NOT NULL,
    provenance TEXT NOT NULL,
    version    INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fact_history (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    subject        TEXT NOT NULL,
    field          TEXT NOT NULL,
    value          TEXT,
    previous_value TEXT,
    source         TEXT NOT NULL,
    ts_ms          INTEGER NOT NULL,
    confidence     REAL NOT NULL,
    inferred       INTEGER NOT NULL,
    action         TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fact_history_subject ON fact_history (subject, id);
CREATE INDEX IF NOT EXISTS idx_fact_history_subject_field ON fact_history (subject, field, id);
`

// New opens (or creates) the database file at path and ensures the schema.
// Pass ":memory:" for an ephemeral database.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// The driver serializes access per connection; a single connection keeps
	// writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, subject string) (model.Record, error) {
	var (
		profileJSON string
		provJSON    string
		version     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT profile, provenance, version FROM fact_profiles WHERE subject = ?`,
		subject,
	).Scan(&profileJSON, &provJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, store.ErrNotFound
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("sqlite: get %q: %w", subject, err)
	}

	rec := model.Record{ETag: strconv.FormatInt(version, 10)}
	if err := json.Unmarshal([]byte(profileJSON), &rec.Profile); err != nil {
		return model.Record{}, fmt.Errorf("sqlite: decode profile: %w", err)
	}
	if err := json.Unmarshal([]byte(provJSON), &rec.Provenance); err != nil {
		return model.Record{}, fmt.Errorf("sqlite: decode provenance: %w", err)
	}
	return rec, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, subject string, profile map[string]any, provenance map[string]model.FieldProvenance, opts store.SetOptions, history []model.HistoryEntry) (string, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal profile: %w", err)
	}
	provJSON, err := json.Marshal(provenance)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal provenance: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin set: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := model.NowMS(time.Now())
	var version int64
	switch {
	case opts.Force:
		err = tx.QueryRowContext(ctx,
			`INSERT INTO fact_profiles (subject, profile, provenance, version, updated_at)
			 VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT (subject) DO UPDATE
			 SET profile = excluded.profile,
			     provenance = excluded.provenance,
			     version = fact_profiles.version + 1,
			     updated_at = excluded.updated_at
			 RETURNING version`,
			subject, string(profileJSON), string(provJSON), now,
		).Scan(&version)
		if err != nil {
			return "", fmt.Errorf("sqlite: upsert %q: %w", subject, err)
		}
	case opts.ETag == "":
		res, ierr := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO fact_profiles (subject, profile, provenance, version, updated_at)
			 VALUES (?, ?, ?, 1, ?)`,
			subject, string(profileJSON), string(provJSON), now,
		)
		if ierr != nil {
			return "", fmt.Errorf("sqlite: insert %q: %w", subject, ierr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return "", store.ErrConflict
		}
		version = 1
	default:
		expected, perr := strconv.ParseInt(opts.ETag, 10, 64)
		if perr != nil {
			return "", store.ErrConflict
		}
		res, uerr := tx.ExecContext(ctx,
			`UPDATE fact_profiles
			 SET profile = ?, provenance = ?, version = version + 1, updated_at = ?
			 WHERE subject = ? AND version = ?`,
			string(profileJSON), string(provJSON), now, subject, expected,
		)
		if uerr != nil {
			return "", fmt.Errorf("sqlite: update %q: %w", subject, uerr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return "", store.ErrConflict
		}
		version = expected + 1
	}

	if err := insertHistoryTx(ctx, tx, subject, history); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit set: %w", err)
	}
	return strconv.FormatInt(version, 10), nil
}

// AppendHistory implements store.Store.
func (s *Store) AppendHistory(ctx context.Context, subject string, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertHistoryTx(ctx, tx, subject, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append: %w", err)
	}
	return nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, subject string, entries []model.HistoryEntry) error {
	for _, e := range entries {
		valueJSON, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("sqlite: marshal history value: %w", err)
		}
		prevJSON, err := json.Marshal(e.PreviousValue)
		if err != nil {
			return fmt.Errorf("sqlite: marshal history previous value: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fact_history
			   (subject, field, value, previous_value, source, ts_ms, confidence, inferred, action, reason)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			subject, e.Field, string(valueJSON), string(prevJSON), e.Source, e.TimestampMS,
			e.Confidence, e.Inferred, string(e.Action), string(e.Reason),
		); err != nil {
			return fmt.Errorf("sqlite: insert history: %w", err)
		}
	}
	return nil
}

// History implements store.Store. The cursor is the history rowid.
func (s *Store) History(ctx context.Context, subject string, q store.HistoryQuery) (store.HistoryPage, error) {
	after := int64(0)
	if q.Cursor != "" {
		v, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return store.HistoryPage{}, fmt.Errorf("sqlite: bad cursor %q", q.Cursor)
		}
		after = v
	}
	limit := store.ClampLimit(q.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, field, value, previous_value, source, ts_ms, confidence, inferred, action, reason
		 FROM fact_history
		 WHERE subject = ? AND id > ? AND (? = '' OR field = ?)
		 ORDER BY id
		 LIMIT ?`,
		subject, after, q.Field, q.Field, limit+1,
	)
	if err != nil {
		return store.HistoryPage{}, fmt.Errorf("sqlite: query history: %w", err)
	}
	defer rows.Close()

	var (
		page    store.HistoryPage
		lastID  int64
		overrun bool
	)
	for rows.Next() {
		var (
			id        int64
			e         model.HistoryEntry
			valueJSON string
			prevJSON  string
			action    string
			reason    string
		)
		if err := rows.Scan(&id, &e.Field, &valueJSON, &prevJSON, &e.Source, &e.TimestampMS,
			&e.Confidence, &e.Inferred, &action, &reason); err != nil {
			return store.HistoryPage{}, fmt.Errorf("sqlite: scan history: %w", err)
		}
		if len(page.Entries) == limit {
			overrun = true
			break
		}
		if err := json.Unmarshal([]byte(valueJSON), &e.Value); err != nil {
			return store.HistoryPage{}, fmt.Errorf("sqlite: decode history value: %w", err)
		}
		if err := json.Unmarshal([]byte(prevJSON), &e.PreviousValue); err != nil {
			return store.HistoryPage{}, fmt.Errorf("sqlite: decode history previous value: %w", err)
		}
		e.Action = model.Action(action)
		e.Reason = model.Reason(reason)
		page.Entries = append(page.Entries, e)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return store.HistoryPage{}, fmt.Errorf("sqlite: iterate history: %w", err)
	}
	if overrun {
		page.NextCursor = strconv.FormatInt(lastID, 10)
	}
	return page, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, subject string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM fact_profiles WHERE subject = ?`, subject)
	if err != nil {
		return fmt.Errorf("sqlite: delete profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fact_history WHERE subject = ?`, subject); err != nil {
		return fmt.Errorf("sqlite: delete history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete: %w", err)
	}
	return nil
}

// HealthCheck implements store.Store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
