// Package storetest runs the shared conformance suite every storage adapter
// must pass: CAS semantics, etag monotonicity, atomic history append, cursor
// paging, and delete behavior. Adapter packages call Run from their own
// tests with a factory that yields a fresh, empty store.
package storetest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
)

// Factory yields a fresh empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
	t.Run("CreateConflictsWithExisting", func(t *testing.T) { testCreateConflict(t, factory(t)) })
	t.Run("CASMismatch", func(t *testing.T) { testCASMismatch(t, factory(t)) })
	t.Run("ETagMonotonic", func(t *testing.T) { testETagMonotonic(t, factory(t)) })
	t.Run("ForceWrite", func(t *testing.T) { testForceWrite(t, factory(t)) })
	t.Run("HistoryAtomicWithSet", func(t *testing.T) { testHistoryWithSet(t, factory(t)) })
	t.Run("AppendHistoryWithoutProfile", func(t *testing.T) { testAppendWithoutProfile(t, factory(t)) })
	t.Run("HistoryFieldFilter", func(t *testing.T) { testHistoryFieldFilter(t, factory(t)) })
	t.Run("HistoryCursorPaging", func(t *testing.T) { testHistoryPaging(t, factory(t)) })
	t.Run("HistorySameTimestampPaging", func(t *testing.T) { testHistorySameTimestampPaging(t, factory(t)) })
	t.Run("DeleteRemovesProfileAndHistory", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("HealthCheck", func(t *testing.T) { testHealth(t, factory(t)) })
}

var baseMS = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

func profile(role string) (map[string]any, map[string]model.FieldProvenance) {
	p := map[string]any{"role": role}
	prov := map[string]model.FieldProvenance{
		"role": {Value: role, Source: model.SourceManual, TimestampMS: baseMS, Confidence: 0.9},
	}
	return p, prov
}

func setEntry(field string, tsMS int64) model.HistoryEntry {
	return model.HistoryEntry{
		Field:       field,
		Value:       "v",
		Source:      model.SourceManual,
		TimestampMS: tsMS,
		Confidence:  0.9,
		Action:      model.ActionSet,
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, prov := profile("engineer")

	etag, err := s.Set(ctx, "u1", p, prov, store.SetOptions{}, []model.HistoryEntry{setEntry("role", baseMS)})
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, etag, rec.ETag)
	assert.Equal(t, "engineer", rec.Profile["role"])
	assert.Equal(t, model.SourceManual, rec.Provenance["role"].Source)
	assert.Equal(t, baseMS, rec.Provenance["role"].TimestampMS)
}

func testCreateConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, prov := profile("engineer")

	_, err := s.Set(ctx, "u1", p, prov, store.SetOptions{}, nil)
	require.NoError(t, err)

	_, err = s.Set(ctx, "u1", p, prov, store.SetOptions{}, nil)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testCASMismatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, prov := profile("engineer")

	etag, err := s.Set(ctx, "u1", p, prov, store.SetOptions{}, nil)
	require.NoError(t, err)

	// A concurrent writer bumps the version.
	p2, prov2 := profile("founder")
	_, err = s.Set(ctx, "u1", p2, prov2, store.SetOptions{ETag: etag}, nil)
	require.NoError(t, err)

	// The stale etag no longer matches.
	_, err = s.Set(ctx, "u1", p, prov, store.SetOptions{ETag: etag}, nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	// So does CAS against a subject that does not exist.
	_, err = s.Set(ctx, "ghost", p, prov, store.SetOptions{ETag: "1"}, nil)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testETagMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()

	var last int64
	etag := ""
	for i := 0; i < 5; i++ {
		p, prov := profile("v" + strconv.Itoa(i))
		next, err := s.Set(ctx, "u1", p, prov, store.SetOptions{ETag: etag}, nil)
		require.NoError(t, err)

		n, err := strconv.ParseInt(next, 10, 64)
		require.NoError(t, err, "etag must be a decimal version externally rendered as string")
		assert.Greater(t, n, last)
		last = n
		etag = next
	}
}

func testForceWrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, prov := profile("engineer")

	_, err := s.Set(ctx, "u1", p, prov, store.SetOptions{}, nil)
	require.NoError(t, err)

	p2, prov2 := profile("founder")
	_, err = s.Set(ctx, "u1", p2, prov2, store.SetOptions{Force: true}, nil)
	require.NoError(t, err)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "founder", rec.Profile["role"])
}

func testHistoryWithSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, prov := profile("engineer")

	_, err := s.Set(ctx, "u1", p, prov, store.SetOptions{}, []model.HistoryEntry{
		setEntry("role", baseMS),
		setEntry("name", baseMS+1),
	})
	require.NoError(t, err)

	page, err := s.History(ctx, "u1", store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "role", page.Entries[0].Field)
	assert.Equal(t, "name", page.Entries[1].Field)
	assert.Equal(t, model.ActionSet, page.Entries[0].Action)
}

func testAppendWithoutProfile(t *testing.T, s store.Store) {
	ctx := context.Background()

	rej := model.HistoryEntry{
		Field:       "role",
		Value:       "x",
		Source:      model.SourceObserve,
		TimestampMS: baseMS,
		Confidence:  0.1,
		Action:      model.ActionRejected,
		Reason:      model.ReasonLowConfidence,
	}
	require.NoError(t, s.AppendHistory(ctx, "u1", []model.HistoryEntry{rej}))

	page, err := s.History(ctx, "u1", store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, model.ActionRejected, page.Entries[0].Action)
	assert.Equal(t, model.ReasonLowConfidence, page.Entries[0].Reason)

	// Still no profile.
	_, err = s.Get(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testHistoryFieldFilter(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, "u1", []model.HistoryEntry{
		setEntry("role", baseMS),
		setEntry("name", baseMS+1),
		setEntry("role", baseMS+2),
	}))

	page, err := s.History(ctx, "u1", store.HistoryQuery{Field: "role"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	for _, e := range page.Entries {
		assert.Equal(t, "role", e.Field)
	}
}

func testHistoryPaging(t *testing.T, s store.Store) {
	ctx := context.Background()

	var entries []model.HistoryEntry
	for i := 0; i < 7; i++ {
		entries = append(entries, setEntry("role", baseMS+int64(i)*1000))
	}
	require.NoError(t, s.AppendHistory(ctx, "u1", entries))

	var got []model.HistoryEntry
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := s.History(ctx, "u1", store.HistoryQuery{Cursor: cursor, Limit: 3})
		require.NoError(t, err)
		got = append(got, page.Entries...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	require.Len(t, got, 7)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].TimestampMS, got[i-1].TimestampMS)
	}
}

// Writes landing in the same millisecond are the normal case, so the cursor
// must not key on timestamps: every entry sharing the boundary timestamp
// still has to come back across page boundaries.
func testHistorySameTimestampPaging(t *testing.T, s store.Store) {
	ctx := context.Background()

	var entries []model.HistoryEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, setEntry("role", baseMS))
	}
	require.NoError(t, s.AppendHistory(ctx, "u1", entries))

	var got []model.HistoryEntry
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := s.History(ctx, "u1", store.HistoryQuery{Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		got = append(got, page.Entries...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Len(t, got, 5)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, prov := profile("engineer")

	_, err := s.Set(ctx, "u1", p, prov, store.SetOptions{}, []model.HistoryEntry{setEntry("role", baseMS)})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "u1"))

	_, err = s.Get(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	page, err := s.History(ctx, "u1", store.HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)

	assert.ErrorIs(t, s.Delete(ctx, "u1"), store.ErrNotFound)
}

func testHealth(t *testing.T, s store.Store) {
	assert.NoError(t, s.HealthCheck(context.Background()))
}
