package kagami

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagami-ai/kagami/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func sheet(t *testing.T) *schema.Schema {
	t.Helper()
	return schema.MustNew(map[string]*schema.Type{
		"name":   schema.String(),
		"role":   schema.Enum("founder", "engineer"),
		"extras": schema.RecordOf(schema.Any()),
	})
}

func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	c, err := New(context.Background(), sheet(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

type scriptedExtractor struct {
	candidates []ExtractedCandidate
}

func (e *scriptedExtractor) Extract(_ context.Context, _ ExtractionRequest) (ExtractionResult, error) {
	return ExtractionResult{Candidates: e.candidates}, nil
}

type captureListener struct {
	mu        sync.Mutex
	completes []ObserveCompleteEvent
	done      chan struct{}
}

func newCaptureListener() *captureListener {
	return &captureListener{done: make(chan struct{}, 4)}
}

func (l *captureListener) OnUpdate(UpdateEvent)     {}
func (l *captureListener) OnConflict(ConflictEvent) {}
func (l *captureListener) OnObserveComplete(ev ObserveCompleteEvent) {
	l.mu.Lock()
	l.completes = append(l.completes, ev)
	l.mu.Unlock()
	l.done <- struct{}{}
}

func TestPriorityOverride(t *testing.T) {
	c := newClient(t)

	res, err := c.Patch(context.Background(), PatchRequest{
		Subject:    "u1",
		Facts:      map[string]any{"role": "engineer"},
		Source:     SourceCRM,
		Confidence: ptr(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, "engineer", res.Profile["role"])
	assert.Empty(t, res.Rejected)

	rec, err := c.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, SourceCRM, rec.Provenance["role"].Source)
	assert.Equal(t, 0.5, rec.Provenance["role"].Confidence)
}

func TestEnumCaseFold(t *testing.T) {
	c := newClient(t)

	res, err := c.Patch(context.Background(), PatchRequest{
		Subject: "u1",
		Facts:   map[string]any{"role": "ENGINEER"},
	})
	require.NoError(t, err)
	assert.Equal(t, "engineer", res.Profile["role"])
}

func TestRecencyRejection(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nowMS := now.UnixMilli()
	ex := &scriptedExtractor{candidates: []ExtractedCandidate{
		{Field: "role", Value: "engineer", Confidence: 0.9, Source: SourceObserve, TimestampMS: nowMS - 25*3600*1000},
	}}
	c := newClient(t, WithExtractor(ex), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := c.Patch(ctx, PatchRequest{
		Subject:     "u1",
		Facts:       map[string]any{"role": "founder"},
		TimestampMS: nowMS,
	})
	require.NoError(t, err)

	res, err := c.Observe(ctx, ObserveRequest{Subject: "u1", Input: "..."})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonOutsideRecency, res.Rejected[0].Reason)
	assert.Equal(t, "founder", res.Profile["role"])
}

func TestOlderTimestampSamePriority(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nowMS := now.UnixMilli()
	c := newClient(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := c.Patch(ctx, PatchRequest{
		Subject:     "u1",
		Facts:       map[string]any{"role": "founder"},
		TimestampMS: nowMS,
	})
	require.NoError(t, err)

	// Patch skips the recency check, so the hour-old manual write reaches
	// rule 4 and loses on timestamp.
	res, err := c.Patch(ctx, PatchRequest{
		Subject:     "u1",
		Facts:       map[string]any{"role": "engineer"},
		Source:      SourceManual,
		TimestampMS: nowMS - 3600*1000,
	})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonOlderTimestamp, res.Rejected[0].Reason)
	assert.Equal(t, "founder", res.Profile["role"])
}

func TestBatchOrdering(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nowMS := now.UnixMilli()
	ex := &scriptedExtractor{candidates: []ExtractedCandidate{
		{Field: "name", Value: "A", Confidence: 0.9, TimestampMS: nowMS - 1000},
		{Field: "name", Value: "B", Confidence: 0.9, TimestampMS: nowMS},
	}}
	c := newClient(t, WithExtractor(ex), WithClock(func() time.Time { return now }))

	res, err := c.Observe(context.Background(), ObserveRequest{Subject: "u1", Input: "..."})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Profile["name"])
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonOlderTimestamp, res.Rejected[0].Reason)
}

func TestAsyncObserveSnapshot(t *testing.T) {
	ex := &scriptedExtractor{candidates: []ExtractedCandidate{
		{Field: "name", Value: "Bob", Confidence: 0.9},
	}}
	listener := newCaptureListener()
	c := newClient(t, WithExtractor(ex), WithListener(listener))
	ctx := context.Background()

	_, err := c.Patch(ctx, PatchRequest{Subject: "u1", Facts: map[string]any{"name": "Ada"}})
	require.NoError(t, err)

	res, err := c.Observe(ctx, ObserveRequest{Subject: "u1", Input: "call me Bob", Mode: "async"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, "Ada", res.Profile["name"])
	assert.Empty(t, res.Updated)
	assert.Empty(t, res.Extracted)
	require.NotEmpty(t, res.RequestID)

	select {
	case <-listener.done:
	case <-time.After(5 * time.Second):
		t.Fatal("observe_complete never fired")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.completes, 1)
	ev := listener.completes[0]
	assert.Equal(t, res.RequestID, ev.RequestID)
	require.NoError(t, ev.Err)
	assert.Equal(t, "Bob", ev.Profile["name"])
}

func TestExtrasSanitization(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.Patch(ctx, PatchRequest{
		Subject: "u1",
		Facts:   map[string]any{"extras": map[string]any{"invalid-key@x": "y"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonExtrasInvalid, res.Rejected[0].Reason)

	res, err = c.Patch(ctx, PatchRequest{
		Subject: "u1",
		Facts:   map[string]any{"extras": map[string]any{"support.ticket.priority": strings.Repeat("p", 600)}},
	})
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	ex := res.Profile["extras"].(map[string]any)
	assert.Len(t, ex["support.ticket.priority"].(string), 512)
}

func TestCustomExtrasKeyPattern(t *testing.T) {
	c := newClient(t, WithExtrasPolicy(ExtrasPolicy{KeyPattern: `^[a-z]+$`}))
	ctx := context.Background()

	res, err := c.Patch(ctx, PatchRequest{
		Subject: "u1",
		Facts:   map[string]any{"extras": map[string]any{"lower": "keep", "UPPER": "drop"}},
	})
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	assert.Equal(t, map[string]any{"lower": "keep"}, res.Profile["extras"])
}

func TestInvalidExtrasKeyPatternFailsNew(t *testing.T) {
	_, err := New(context.Background(), sheet(t),
		WithLogger(testLogger()),
		WithExtrasPolicy(ExtrasPolicy{KeyPattern: `([`}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extras key pattern")
}

func TestPartialExtrasPolicyKeepsDefaults(t *testing.T) {
	// A policy that only tightens one knob must not disable arrays or
	// nested objects as a side effect.
	c := newClient(t, WithExtrasPolicy(ExtrasPolicy{MaxStringLength: 100}))
	ctx := context.Background()

	res, err := c.Patch(ctx, PatchRequest{
		Subject: "u1",
		Facts: map[string]any{"extras": map[string]any{
			"tags": []any{"a", "b"},
			"pref": map[string]any{"theme": "dark"},
			"note": strings.Repeat("p", 200),
		}},
	})
	require.NoError(t, err)
	require.Empty(t, res.Rejected)

	ex := res.Profile["extras"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, ex["tags"])
	assert.Equal(t, map[string]any{"theme": "dark"}, ex["pref"])
	assert.Len(t, ex["note"].(string), 100)
}

func TestIdempotentReplayLaw(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	req := PatchRequest{
		Subject:        "u1",
		Facts:          map[string]any{"name": "Ada"},
		IdempotencyKey: "req-1",
	}
	first, err := c.Patch(ctx, req)
	require.NoError(t, err)
	second, err := c.Patch(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	rec, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ETag, rec.ETag, "replay must leave the etag unchanged")
}

func TestGetMissingSubject(t *testing.T) {
	c := newClient(t)
	_, err := c.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObserveWithoutExtractor(t *testing.T) {
	c := newClient(t)
	_, err := c.Observe(context.Background(), ObserveRequest{Subject: "u1", Input: "hi"})
	assert.ErrorIs(t, err, ErrExtractorNotConfigured)
}

func TestHistoryAndFactsAcrossOps(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Patch(ctx, PatchRequest{Subject: "u1", Facts: map[string]any{"name": "Ada", "role": "engineer"}})
	require.NoError(t, err)

	page, err := c.History(ctx, "u1", HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	page, err = c.History(ctx, "u1", HistoryQuery{Field: "role"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, ActionSet, page.Entries[0].Action)

	out, err := c.FactsForPrompt(ctx, "u1", PromptOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Ada","role":"engineer"}`, out)

	filters, err := c.Filters(ctx, "u1", []string{"role"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"role": "engineer"}, filters)

	require.NoError(t, c.Delete(ctx, "u1"))
	_, err = c.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteBackendEndToEnd(t *testing.T) {
	dir := t.TempDir()
	c, err := New(context.Background(), sheet(t),
		WithLogger(testLogger()),
		WithSQLite(dir+"/kagami.db"),
	)
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	_, err = c.Patch(ctx, PatchRequest{Subject: "u1", Facts: map[string]any{"name": "Ada"}})
	require.NoError(t, err)

	rec, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", rec.Profile["name"])
}

func ptr[T any](v T) *T { return &v }
