package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagami-ai/kagami/internal/extras"
	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/service/profile"
	"github.com/kagami-ai/kagami/internal/store/memory"
	"github.com/kagami-ai/kagami/internal/testutil"
	"github.com/kagami-ai/kagami/schema"
)

func newTestMCP(t *testing.T) *Server {
	t.Helper()

	svc := profile.New(profile.Config{
		Store: memory.New(),
		Schema: schema.MustNew(map[string]*schema.Type{
			"name": schema.String(),
			"role": schema.Enum("founder", "engineer"),
			"age":  schema.Number(),
		}),
		Policy:       model.DefaultPolicy(),
		ExtrasPolicy: extras.DefaultPolicy(),
		Logger:       testutil.TestLogger(),
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return New(svc, testutil.TestLogger(), "test")
}

// toolRequest builds a CallToolRequest with the given arguments.
func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestHandlePatchAndGet(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	result, err := s.handlePatch(ctx, toolRequest("kagami_patch", map[string]any{
		"subject": "u1",
		"facts":   `{"name":"Ada","role":"ENGINEER"}`,
		"source":  "crm",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "patch should succeed: %s", parseToolText(t, result))

	var patched struct {
		Profile  map[string]any    `json:"profile"`
		Updated  map[string]any    `json:"updated"`
		Rejected []model.Rejection `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &patched))
	assert.Equal(t, "Ada", patched.Profile["name"])
	assert.Equal(t, "engineer", patched.Profile["role"])
	assert.Empty(t, patched.Rejected)

	result, err = s.handleGet(ctx, toolRequest("kagami_get", map[string]any{
		"subject": "u1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var got struct {
		Profile    map[string]any                   `json:"profile"`
		Provenance map[string]model.FieldProvenance `json:"provenance"`
		ETag       string                           `json:"etag"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &got))
	assert.Equal(t, "Ada", got.Profile["name"])
	assert.Equal(t, "crm", got.Provenance["name"].Source)
	assert.NotEmpty(t, got.ETag)
}

func TestHandlePatchRejectsBadFacts(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handlePatch(context.Background(), toolRequest("kagami_patch", map[string]any{
		"subject": "u1",
		"facts":   "not json",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "JSON object")
}

func TestHandleGetMissingSubject(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handleGet(context.Background(), toolRequest("kagami_get", map[string]any{
		"subject": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")
}

func TestHandleHistoryPages(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	for i, age := range []string{"30", "31", "32"} {
		result, err := s.handlePatch(ctx, toolRequest("kagami_patch", map[string]any{
			"subject": "u1",
			"facts":   `{"age":` + age + `}`,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, "patch %d failed", i)
	}

	result, err := s.handleHistory(ctx, toolRequest("kagami_history", map[string]any{
		"subject": "u1",
		"field":   "age",
		"limit":   2,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var page struct {
		Entries    []model.HistoryEntry `json:"entries"`
		NextCursor string               `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &page))
	require.Len(t, page.Entries, 2)
	assert.NotEmpty(t, page.NextCursor)

	result, err = s.handleHistory(ctx, toolRequest("kagami_history", map[string]any{
		"subject": "u1",
		"field":   "age",
		"cursor":  page.NextCursor,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &page))
	require.Len(t, page.Entries, 1)
	assert.Empty(t, page.NextCursor)
}

func TestHandleFactsForPrompt(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	result, err := s.handlePatch(ctx, toolRequest("kagami_patch", map[string]any{
		"subject": "u1",
		"facts":   `{"name":"Ada","age":36}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = s.handleFactsForPrompt(ctx, toolRequest("kagami_facts_for_prompt", map[string]any{
		"subject": "u1",
		"select":  "name",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.JSONEq(t, `{"name":"Ada"}`, parseToolText(t, result))
}

func TestHandleObserveWithoutExtractor(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handleObserve(context.Background(), toolRequest("kagami_observe", map[string]any{
		"subject": "u1",
		"input":   "my name is Ada",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "extractor not configured")
}

func TestRequiredArgumentsEnforced(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	result, err := s.handlePatch(ctx, toolRequest("kagami_patch", map[string]any{
		"facts": `{"name":"Ada"}`,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleObserve(ctx, toolRequest("kagami_observe", map[string]any{
		"subject": "u1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
