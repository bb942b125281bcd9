package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestExtractParsesCandidates(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		chatReply(t, w, `{"facts":[
			{"field":"name","value":"Ada","confidence":0.95,"inferred":false},
			{"field":"role","value":"engineer","inferred":true}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-test", "gpt-test", testLogger())
	res, err := c.Extract(context.Background(), Request{
		Input:      "Hi, I'm Ada and I write firmware",
		Descriptor: map[string]any{"name": "string", "role": "string"},
	})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)

	assert.Equal(t, "name", res.Candidates[0].Field)
	assert.Equal(t, "Ada", res.Candidates[0].Value)
	assert.Equal(t, 0.95, res.Candidates[0].Confidence)
	assert.False(t, res.Candidates[0].Inferred)

	// Missing confidence defaults to full confidence.
	assert.Equal(t, 1.0, res.Candidates[1].Confidence)
	assert.True(t, res.Candidates[1].Inferred)

	// The schema descriptor and the conversation text both reach the model.
	body := string(gotBody)
	assert.Contains(t, body, `"role":"system"`)
	assert.Contains(t, body, "firmware")
}

func TestExtractRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		chatReply(t, w, `{"facts":[{"field":"name","value":"Ada"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "gpt-test", testLogger())
	res, err := c.Extract(context.Background(), Request{Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, res.Candidates, 1)
}

func TestExtractDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad schema", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "gpt-test", testLogger())
	_, err := c.Extract(context.Background(), Request{Input: "hi"})

	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrorAPI, ee.Type)
	assert.Equal(t, http.StatusBadRequest, ee.Status)
	assert.False(t, ee.Retryable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExtractRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "gpt-test", testLogger(), WithMaxRetries(2))
	_, err := c.Extract(context.Background(), Request{Input: "hi"})

	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrorAPI, ee.Type)
	assert.True(t, ee.Retryable)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestExtractParseErrorOnBadContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "I could not find any facts, sorry!")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "gpt-test", testLogger())
	res, err := c.Extract(context.Background(), Request{Input: "hi"})

	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrorParse, ee.Type)
	assert.False(t, ee.Retryable)
	assert.Contains(t, res.RawResponse, "could not find")
}

func TestExtractRedactsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "invalid key sk-secret-123 rejected")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-secret-123", "gpt-test", testLogger())
	_, err := c.Extract(context.Background(), Request{Input: "hi"})

	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.NotContains(t, ee.Message, "sk-secret-123")
	assert.Contains(t, ee.Message, "[REDACTED]")
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	in := "line1\nline2\ttabbed\rcr\x00\x01\x1besc"
	out := Sanitize(in)
	assert.Equal(t, "line1\nline2\ttabbed\rcresc", out)
}

func TestTruncateByCharacters(t *testing.T) {
	assert.Equal(t, "héllo", Truncate("héllo", 10))
	assert.Equal(t, "hél", Truncate("héllo", 3))
	assert.Equal(t, "héllo", Truncate("héllo", 0), "zero disables truncation")
}

func TestConversationTextCombinesRoles(t *testing.T) {
	c := NewClient("http://unused", "", "gpt-test", testLogger())
	got := c.conversationText(Request{Input: "hello", Output: "hi there"})
	assert.Equal(t, "User: hello\nAssistant: hi there", got)

	got = c.conversationText(Request{Output: "hi there"})
	assert.Equal(t, "Assistant: hi there", got)
}

func TestConversationTextTruncated(t *testing.T) {
	c := NewClient("http://unused", "", "gpt-test", testLogger(), WithMaxInputChars(12))
	got := c.conversationText(Request{Input: strings.Repeat("x", 100)})
	assert.Len(t, got, 12)
}
