// Package memory implements the store contract over an in-process map.
// Intended for tests, examples, and single-process deployments that accept
// losing state on restart.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
)

// DefaultMaxHistory bounds the retained journal tail per subject.
const DefaultMaxHistory = 1000

// Store keeps one record and a bounded history tail per subject. Etags are
// a per-subject integer version rendered as a decimal string; the history
// cursor is a per-subject monotonic sequence, so entries sharing a timestamp
// still page completely.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*record
	journals   map[string]*journal
	maxHistory int
}

type record struct {
	rec     model.Record
	version int64
}

// journal is kept separately from the record: rejections may be journaled
// for a subject that never gets a profile.
type journal struct {
	seq     int64
	entries []journalEntry
}

type journalEntry struct {
	seq int64
	h   model.HistoryEntry
}

// Option configures a Store.
type Option func(*Store)

// WithMaxHistory overrides the per-subject history retention bound.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		records:    make(map[string]*record),
		journals:   make(map[string]*journal),
		maxHistory: DefaultMaxHistory,
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, subject string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[subject]
	if !ok {
		return model.Record{}, store.ErrNotFound
	}
	return r.rec.Clone(), nil
}

// Set implements store.Store. The version check compares the etag string
// against the current version; a mismatch (including "create" against an
// existing record) returns store.ErrConflict.
func (s *Store) Set(_ context.Context, subject string, profile map[string]any, provenance map[string]model.FieldProvenance, opts store.SetOptions, history []model.HistoryEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[subject]
	if !opts.Force {
		switch {
		case opts.ETag == "" && exists:
			return "", store.ErrConflict
		case opts.ETag != "" && !exists:
			return "", store.ErrConflict
		case opts.ETag != "" && opts.ETag != strconv.FormatInt(r.version, 10):
			return "", store.ErrConflict
		}
	}

	if r == nil {
		r = &record{}
		s.records[subject] = r
	}
	r.version++
	etag := strconv.FormatInt(r.version, 10)
	rec := model.Record{Profile: profile, Provenance: provenance, ETag: etag}
	r.rec = rec.Clone()
	s.appendJournal(subject, history)
	return etag, nil
}

// AppendHistory implements store.Store. Appending to a subject with no
// profile yet is allowed and must not materialize one: rejections may be
// journaled before the first successful write, and Get still reports
// store.ErrNotFound afterwards.
func (s *Store) AppendHistory(_ context.Context, subject string, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendJournal(subject, entries)
	return nil
}

// History implements store.Store. The cursor is the sequence number of the
// last entry of the previous page; entries with a strictly greater sequence
// follow it.
func (s *Store) History(_ context.Context, subject string, q store.HistoryQuery) (store.HistoryPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.journals[subject]
	if !ok {
		return store.HistoryPage{}, nil
	}

	var after int64 = -1
	if q.Cursor != "" {
		v, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err == nil {
			after = v
		}
	}

	limit := store.ClampLimit(q.Limit)
	page := store.HistoryPage{}
	var lastSeq int64
	for _, je := range j.entries {
		if q.Field != "" && je.h.Field != q.Field {
			continue
		}
		if je.seq <= after {
			continue
		}
		if len(page.Entries) == limit {
			page.NextCursor = strconv.FormatInt(lastSeq, 10)
			return page, nil
		}
		page.Entries = append(page.Entries, je.h)
		lastSeq = je.seq
	}
	return page, nil
}

// Delete implements store.Store. Profile and history go together.
func (s *Store) Delete(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hasRecord := s.records[subject]
	_, hasJournal := s.journals[subject]
	if !hasRecord && !hasJournal {
		return store.ErrNotFound
	}
	delete(s.records, subject)
	delete(s.journals, subject)
	return nil
}

// HealthCheck implements store.Store.
func (s *Store) HealthCheck(context.Context) error { return nil }

// appendJournal assigns each entry the next sequence number and trims the
// oldest entries past the retention bound. Callers hold s.mu.
func (s *Store) appendJournal(subject string, entries []model.HistoryEntry) {
	if len(entries) == 0 {
		return
	}
	j, ok := s.journals[subject]
	if !ok {
		j = &journal{}
		s.journals[subject] = j
	}
	for _, h := range entries {
		j.seq++
		j.entries = append(j.entries, journalEntry{seq: j.seq, h: h})
	}
	if s.maxHistory > 0 && len(j.entries) > s.maxHistory {
		// Oldest-first eviction of the retained tail.
		j.entries = j.entries[len(j.entries)-s.maxHistory:]
	}
}
