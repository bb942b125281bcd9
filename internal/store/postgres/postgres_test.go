package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
	"github.com/kagami-ai/kagami/internal/store/storetest"
	"github.com/kagami-ai/kagami/internal/testutil"
)

var testStore *Store

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	s, err := New(context.Background(), tc.DSN, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testStore = s

	code := m.Run()
	s.Close()
	tc.Terminate()
	os.Exit(code)
}

// reset wipes both tables so each subtest starts from a clean database.
func reset(t *testing.T) *Store {
	t.Helper()
	_, err := testStore.pool.Exec(context.Background(),
		`TRUNCATE fact_profiles, fact_history RESTART IDENTITY`)
	require.NoError(t, err)
	return testStore
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return reset(t)
	})
}

func TestHistorySurvivesProfileRewrite(t *testing.T) {
	ctx := context.Background()
	s := reset(t)

	etag, err := s.Set(ctx, "subj-1",
		map[string]any{"plan": "starter"},
		map[string]model.FieldProvenance{
			"plan": {Value: "starter", Source: model.SourceObserve, TimestampMS: 1000, Confidence: 0.9},
		},
		store.SetOptions{},
		[]model.HistoryEntry{
			{Field: "plan", Value: "starter", Source: model.SourceObserve, TimestampMS: 1000, Confidence: 0.9, Action: model.ActionSet},
		},
	)
	require.NoError(t, err)

	_, err = s.Set(ctx, "subj-1",
		map[string]any{"plan": "pro"},
		map[string]model.FieldProvenance{
			"plan": {Value: "pro", Source: model.SourceManual, TimestampMS: 2000, Confidence: 1},
		},
		store.SetOptions{ETag: etag},
		[]model.HistoryEntry{
			{Field: "plan", Value: "pro", PreviousValue: "starter", Source: model.SourceManual, TimestampMS: 2000, Confidence: 1, Action: model.ActionSet},
		},
	)
	require.NoError(t, err)

	page, err := s.History(ctx, "subj-1", store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "starter", page.Entries[0].Value)
	assert.Equal(t, "pro", page.Entries[1].Value)
	assert.Equal(t, "starter", page.Entries[1].PreviousValue)
}

func TestConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	s := reset(t)

	etag, err := s.Set(ctx, "subj-race",
		map[string]any{"n": float64(0)},
		map[string]model.FieldProvenance{},
		store.SetOptions{}, nil,
	)
	require.NoError(t, err)

	// Both writers hold the same etag; exactly one update may land.
	_, err1 := s.Set(ctx, "subj-race", map[string]any{"n": float64(1)},
		map[string]model.FieldProvenance{}, store.SetOptions{ETag: etag}, nil)
	_, err2 := s.Set(ctx, "subj-race", map[string]any{"n": float64(2)},
		map[string]model.FieldProvenance{}, store.SetOptions{ETag: etag}, nil)

	require.NoError(t, err1)
	require.ErrorIs(t, err2, store.ErrConflict)

	rec, err := s.Get(ctx, "subj-race")
	require.NoError(t, err)
	assert.Equal(t, float64(1), rec.Profile["n"])
}
