// Package extract calls the external language-model extractor that turns
// free-form conversational text into candidate facts.
//
// The client speaks an OpenAI-compatible chat-completions endpoint. It
// assembles a structured prompt from the schema descriptor, sanitizes and
// truncates the conversation text, and parses the model's JSON reply into
// candidates. Failures come back as a typed *Error carrying the taxonomy the
// orchestrator branches on.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kagami-ai/kagami/internal/model"
)

// Defaults for the HTTP client.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxRetries    = 2
	DefaultMaxInputChars = 8000
)

// ErrorType classifies extractor failures.
type ErrorType string

const (
	ErrorAPI     ErrorType = "api_error"
	ErrorParse   ErrorType = "parse_error"
	ErrorTimeout ErrorType = "timeout"
	ErrorNetwork ErrorType = "network_error"
)

// Error is a structured extractor failure. Retryable errors (5xx, 429,
// timeouts, transport faults) are retried up to the configured budget before
// surfacing.
type Error struct {
	Type      ErrorType
	Status    int
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("extract: %s (status %d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("extract: %s: %s", e.Type, e.Message)
}

// Request is one extraction call.
type Request struct {
	Input      string
	Output     string
	Descriptor map[string]any
	Context    map[string]any
}

// Result carries the parsed candidates plus debugging material the engine
// passes through untouched.
type Result struct {
	Candidates  []model.Candidate
	RawResponse string
	LatencyMS   int64
}

// Client is the extractor HTTP client.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	httpClient    *http.Client
	maxRetries    int
	maxInputChars int
	logger        *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxRetries bounds retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithMaxInputChars bounds the sanitized conversation text.
func WithMaxInputChars(n int) Option {
	return func(c *Client) { c.maxInputChars = n }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an extractor client for an OpenAI-compatible endpoint.
func NewClient(baseURL, apiKey, modelName string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		apiKey:        apiKey,
		model:         modelName,
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		maxRetries:    DefaultMaxRetries,
		maxInputChars: DefaultMaxInputChars,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// wireFacts is the JSON shape the model is instructed to reply with.
type wireFacts struct {
	Facts []struct {
		Field      string   `json:"field"`
		Value      any      `json:"value"`
		Confidence *float64 `json:"confidence"`
		Inferred   bool     `json:"inferred"`
	} `json:"facts"`
}

// Extract runs one extraction, retrying retryable failures. On failure the
// returned error is always a *Error.
func (c *Client) Extract(ctx context.Context, req Request) (Result, error) {
	prompt, err := buildPrompt(req.Descriptor, req.Context)
	if err != nil {
		return Result{}, &Error{Type: ErrorParse, Message: "encode schema descriptor: " + err.Error()}
	}
	text := c.conversationText(req)

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return Result{}, &Error{Type: ErrorParse, Message: "marshal request: " + err.Error()}
	}

	start := time.Now()
	var raw string
	attempt := func() error {
		var attemptErr error
		raw, attemptErr = c.post(ctx, body)
		if attemptErr == nil {
			return nil
		}
		var ee *Error
		if errors.As(attemptErr, &ee) && !ee.Retryable {
			return backoff.Permanent(attemptErr)
		}
		return attemptErr
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		var ee *Error
		if !errors.As(err, &ee) {
			ee = &Error{Type: ErrorNetwork, Message: c.redact(err.Error()), Retryable: true}
		}
		return Result{}, ee
	}

	candidates, perr := parseFacts(raw)
	if perr != nil {
		return Result{RawResponse: c.redact(raw)}, perr
	}
	return Result{
		Candidates:  candidates,
		RawResponse: c.redact(raw),
		LatencyMS:   time.Since(start).Milliseconds(),
	}, nil
}

// post performs one HTTP attempt and returns the reply content.
func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Type: ErrorNetwork, Message: "create request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		typ := ErrorNetwork
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			typ = ErrorTimeout
		}
		return "", &Error{Type: typ, Message: c.redact(err.Error()), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Type: ErrorNetwork, Message: "read response: " + err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Type:      ErrorAPI,
			Status:    resp.StatusCode,
			Message:   c.redact(string(respBody)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &Error{Type: ErrorParse, Message: "decode response envelope: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Type: ErrorParse, Message: "response has no choices"}
	}
	return parsed.Choices[0].Message.Content, nil
}

func parseFacts(content string) ([]model.Candidate, *Error) {
	var wire wireFacts
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil, &Error{Type: ErrorParse, Message: "decode facts: " + err.Error()}
	}
	candidates := make([]model.Candidate, 0, len(wire.Facts))
	for _, f := range wire.Facts {
		if f.Field == "" {
			continue
		}
		c := model.Candidate{
			Field:    f.Field,
			Value:    f.Value,
			Inferred: f.Inferred,
		}
		if f.Confidence != nil {
			c.Confidence = *f.Confidence
		} else {
			c.Confidence = 1
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// buildPrompt renders the system prompt from the schema descriptor.
func buildPrompt(descriptor, extra map[string]any) (string, error) {
	desc, err := json.Marshal(descriptor)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Extract facts about the user from the conversation.\n")
	b.WriteString("Only report fields defined in this schema:\n")
	b.Write(desc)
	b.WriteString("\nReply with JSON: {\"facts\":[{\"field\",\"value\",\"confidence\",\"inferred\"}]}.\n")
	b.WriteString("Set inferred=true for facts deduced rather than stated. Omit fields with no evidence.")
	if len(extra) > 0 {
		ctxJSON, err := json.Marshal(extra)
		if err != nil {
			return "", err
		}
		b.WriteString("\nAdditional context:\n")
		b.Write(ctxJSON)
	}
	return b.String(), nil
}

// conversationText sanitizes and truncates the request text.
func (c *Client) conversationText(req Request) string {
	var b strings.Builder
	if req.Input != "" {
		b.WriteString("User: ")
		b.WriteString(req.Input)
	}
	if req.Output != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Assistant: ")
		b.WriteString(req.Output)
	}
	return Truncate(Sanitize(b.String()), c.maxInputChars)
}

// Sanitize strips C0 control characters except tab, newline, and carriage
// return.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}

// Truncate bounds s to n characters without splitting a rune.
func Truncate(s string, n int) string { return model.TruncateRunes(s, n) }

// redact removes the API key from text destined for logs or error payloads.
func (c *Client) redact(s string) string {
	if c.apiKey == "" {
		return s
	}
	return strings.ReplaceAll(s, c.apiKey, "[REDACTED]")
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
