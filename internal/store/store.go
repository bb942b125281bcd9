// Package store defines the uniform storage contract fact-sheet adapters
// implement: read, compare-and-swap write, history append, cursored history
// queries, and deletion. Concrete adapters live in the subpackages (memory,
// postgres, sqlite, redis) and differ in primitives but not semantics.
package store

import (
	"context"
	"errors"

	"github.com/kagami-ai/kagami/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for a subject.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by Set when the supplied etag no longer
	// matches the stored version. The orchestrator re-reads and retries
	// once on this error.
	ErrConflict = errors.New("store: concurrent write detected")
)

// SetOptions controls the conditional write.
//
// An empty ETag means "create": the write fails with ErrConflict when a
// record already exists. A non-empty ETag means compare-and-swap against
// that version. Force bypasses the version check entirely (used by explicit
// administrative overwrites, never by the merge pipeline).
type SetOptions struct {
	ETag  string
	Force bool
}

// HistoryQuery selects journal entries. Cursor is the opaque string returned
// by a previous page; callers pass it back without inspection. A zero Limit
// falls back to the adapter default.
type HistoryQuery struct {
	Field  string
	Cursor string
	Limit  int
}

// HistoryPage is one page of journal entries, oldest first. NextCursor is
// empty when no further entries exist.
type HistoryPage struct {
	Entries    []model.HistoryEntry
	NextCursor string
}

// DefaultHistoryLimit applies when a HistoryQuery carries no limit;
// MaxHistoryLimit caps caller-supplied limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ClampLimit normalizes a caller-supplied history limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Store is the adapter contract. History append in Set is atomic with the
// profile write: neither may be observed without the other.
type Store interface {
	// Get returns the stored record for a subject, or ErrNotFound.
	Get(ctx context.Context, subject string) (model.Record, error)

	// Set conditionally writes the profile and provenance, appends the
	// given history entries in the same atomic unit, and returns the new
	// etag. Returns ErrConflict on a version mismatch.
	Set(ctx context.Context, subject string, profile map[string]any, provenance map[string]model.FieldProvenance, opts SetOptions, history []model.HistoryEntry) (string, error)

	// AppendHistory journals entries without touching the profile. Used
	// when a request produced only rejections.
	AppendHistory(ctx context.Context, subject string, entries []model.HistoryEntry) error

	// History returns journal entries oldest first, optionally filtered by
	// field and resumed from a cursor.
	History(ctx context.Context, subject string, q HistoryQuery) (HistoryPage, error)

	// Delete removes the profile and its full history together.
	Delete(ctx context.Context, subject string) error

	// HealthCheck reports backend reachability.
	HealthCheck(ctx context.Context) error
}
