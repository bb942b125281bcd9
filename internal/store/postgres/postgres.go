// Package postgres implements the store contract over PostgreSQL via pgx.
//
// Two tables per deployment: a profile row keyed by subject with an integer
// version column, and an append-only history table with a monotonic id that
// doubles as the cursor. The conditional write runs an UPDATE guarded by the
// expected version inside a transaction; zero affected rows means a
// concurrent writer got there first. History inserts share that transaction,
// so the journal is atomic with the profile write.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
)

// Store is the PostgreSQL adapter.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS fact_profiles (
    subject    TEXT PRIMARY KEY,
    profile    JSONB NOT NULL,
    provenance JSONB NOT NULL,
    version    BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fact_history (
    id             BIGSERIAL PRIMARY KEY,
    subject        TEXT NOT NULL,
    field          TEXT NOT NULL,
    value          JSONB,
    previous_value JSONB,
    source         TEXT NOT NULL,
    ts_ms          BIGINT NOT NULL,
    confidence     DOUBLE PRECISION NOT NULL,
    inferred       BOOLEAN NOT NULL,
    action         TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fact_history_subject ON fact_history (subject, id);
CREATE INDEX IF NOT EXISTS idx_fact_history_subject_field ON fact_history (subject, field, id);
`

// New connects a pool, verifies connectivity, and ensures the schema exists.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, subject string) (model.Record, error) {
	var (
		profileJSON []byte
		provJSON    []byte
		version     int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT profile, provenance, version FROM fact_profiles WHERE subject = $1`,
		subject,
	).Scan(&profileJSON, &provJSON, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, store.ErrNotFound
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("postgres: get %q: %w", subject, err)
	}
	return decodeRecord(profileJSON, provJSON, version)
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, subject string, profile map[string]any, provenance map[string]model.FieldProvenance, opts store.SetOptions, history []model.HistoryEntry) (string, error) {
	profileJSON, provJSON, err := encodeRecord(profile, provenance)
	if err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: begin set: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version int64
	switch {
	case opts.Force:
		err = tx.QueryRow(ctx,
			`INSERT INTO fact_profiles (subject, profile, provenance, version)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (subject) DO UPDATE
			 SET profile = EXCLUDED.profile,
			     provenance = EXCLUDED.provenance,
			     version = fact_profiles.version + 1,
			     updated_at = now()
			 RETURNING version`,
			subject, profileJSON, provJSON,
		).Scan(&version)
	case opts.ETag == "":
		err = tx.QueryRow(ctx,
			`INSERT INTO fact_profiles (subject, profile, provenance, version)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (subject) DO NOTHING
			 RETURNING version`,
			subject, profileJSON, provJSON,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrConflict
		}
	default:
		expected, perr := strconv.ParseInt(opts.ETag, 10, 64)
		if perr != nil {
			return "", store.ErrConflict
		}
		err = tx.QueryRow(ctx,
			`UPDATE fact_profiles
			 SET profile = $2, provenance = $3, version = version + 1, updated_at = now()
			 WHERE subject = $1 AND version = $4
			 RETURNING version`,
			subject, profileJSON, provJSON, expected,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrConflict
		}
	}
	if err != nil {
		return "", fmt.Errorf("postgres: set %q: %w", subject, err)
	}

	if err := insertHistoryTx(ctx, tx, subject, history); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: commit set: %w", err)
	}
	return strconv.FormatInt(version, 10), nil
}

// AppendHistory implements store.Store.
func (s *Store) AppendHistory(ctx context.Context, subject string, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertHistoryTx(ctx, tx, subject, entries); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit append: %w", err)
	}
	return nil
}

func insertHistoryTx(ctx context.Context, tx pgx.Tx, subject string, entries []model.HistoryEntry) error {
	for _, e := range entries {
		valueJSON, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("postgres: marshal history value: %w", err)
		}
		prevJSON, err := json.Marshal(e.PreviousValue)
		if err != nil {
			return fmt.Errorf("postgres: marshal history previous value: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO fact_history
			   (subject, field, value, previous_value, source, ts_ms, confidence, inferred, action, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			subject, e.Field, valueJSON, prevJSON, e.Source, e.TimestampMS,
			e.Confidence, e.Inferred, string(e.Action), string(e.Reason),
		); err != nil {
			return fmt.Errorf("postgres: insert history: %w", err)
		}
	}
	return nil
}

// History implements store.Store. The cursor is the history row id.
func (s *Store) History(ctx context.Context, subject string, q store.HistoryQuery) (store.HistoryPage, error) {
	after := int64(0)
	if q.Cursor != "" {
		v, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return store.HistoryPage{}, fmt.Errorf("postgres: bad cursor %q", q.Cursor)
		}
		after = v
	}
	limit := store.ClampLimit(q.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, field, value, previous_value, source, ts_ms, confidence, inferred, action, reason
		 FROM fact_history
		 WHERE subject = $1 AND id > $2 AND ($3 = '' OR field = $3)
		 ORDER BY id
		 LIMIT $4`,
		subject, after, q.Field, limit+1,
	)
	if err != nil {
		return store.HistoryPage{}, fmt.Errorf("postgres: query history: %w", err)
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
			valueJSON []byte
			prevJSON  []byte
			action    string
			reason    string
		)
		if err := rows.Scan(&id, &e.Field, &valueJSON, &prevJSON, &e.Source, &e.TimestampMS,
			&e.Confidence, &e.Inferred, &action, &reason); err != nil {
			return store.HistoryPage{}, fmt.Errorf("postgres: scan history: %w", err)
		}
		if len(page.Entries) == limit {
			overrun = true
			break
		}
		if err := json.Unmarshal(valueJSON, &e.Value); err != nil {
			return store.HistoryPage{}, fmt.Errorf("postgres: decode history value: %w", err)
		}
		if err := json.Unmarshal(prevJSON, &e.PreviousValue); err != nil {
			return store.HistoryPage{}, fmt.Errorf("postgres: decode history previous value: %w", err)
		}
		e.Action = model.Action(action)
		e.Reason = model.Reason(reason)
		page.Entries = append(page.Entries, e)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return store.HistoryPage{}, fmt.Errorf("postgres: iterate history: %w", err)
	}
	if overrun {
		page.NextCursor = strconv.FormatInt(lastID, 10)
	}
	return page, nil
}

// Delete implements store.Store. Profile and history are removed in one
// transaction.
func (s *Store) Delete(ctx context.Context, subject string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM fact_profiles WHERE subject = $1`, subject)
	if err != nil {
		return fmt.Errorf("postgres: delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM fact_history WHERE subject = $1`, subject); err != nil {
		return fmt.Errorf("postgres: delete history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit delete: %w", err)
	}
	return nil
}

// HealthCheck implements store.Store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func encodeRecord(profile map[string]any, provenance map[string]model.FieldProvenance) ([]byte, []byte, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal profile: %w", err)
	}
	provJSON, err := json.Marshal(provenance)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal provenance: %w", err)
	}
	return profileJSON, provJSON, nil
}

func decodeRecord(profileJSON, provJSON []byte, version int64) (model.Record, error) {
	rec := model.Record{ETag: strconv.FormatInt(version, 10)}
	if err := json.Unmarshal(profileJSON, &rec.Profile); err != nil {
		return model.Record{}, fmt.Errorf("postgres: decode profile: %w", err)
	}
	if err := json.Unmarshal(provJSON, &rec.Provenance); err != nil {
		return model.Record{}, fmt.Errorf("postgres: decode provenance: %w", err)
	}
	return rec, nil
}
