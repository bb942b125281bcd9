package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/store"
	"github.com/kagami-ai/kagami/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestHistoryRetentionEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New(WithMaxHistory(3))

	var entries []model.HistoryEntry
	for i := int64(0); i < 5; i++ {
		entries = append(entries, model.HistoryEntry{
			Field:       "role",
			Value:       i,
			Source:      model.SourceManual,
			TimestampMS: 1000 + i,
			Action:      model.ActionSet,
		})
	}
	require.NoError(t, s.AppendHistory(ctx, "u1", entries))

	page, err := s.History(ctx, "u1", store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, int64(1002), page.Entries[0].TimestampMS)
	assert.Equal(t, int64(1004), page.Entries[2].TimestampMS)
}

func TestDeleteJournalOnlySubject(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AppendHistory(ctx, "u1", []model.HistoryEntry{{
		Field:       "role",
		Value:       "x",
		Source:      model.SourceObserve,
		TimestampMS: 1000,
		Action:      model.ActionRejected,
		Reason:      model.ReasonLowConfidence,
	}}))

	// The journal alone makes the subject deletable, and the rejection never
	// materialized a profile.
	_, err := s.Get(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.Delete(ctx, "u1"))

	page, err := s.History(ctx, "u1", store.HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.ErrorIs(t, s.Delete(ctx, "u1"), store.ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Set(ctx, "u1", map[string]any{"role": "engineer"},
		map[string]model.FieldProvenance{"role": {Value: "engineer", Source: model.SourceManual}},
		store.SetOptions{}, nil)
	require.NoError(t, err)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	rec.Profile["role"] = "tampered"

	again, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "engineer", again.Profile["role"])
}
