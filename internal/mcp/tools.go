package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kagami-ai/kagami/internal/service/profile"
	"github.com/kagami-ai/kagami/internal/store"
)

func (s *Server) registerTools() {
	// kagami_observe: extract facts from a conversation turn and merge them.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_observe",
			mcplib.WithDescription(`Extract durable facts about a subject from a conversation turn and merge them into the subject's fact sheet.

WHEN TO USE: After each user message (or exchange) that may contain facts
worth remembering — preferences, attributes, context that should persist
across conversations.

WHAT YOU GET BACK:
- profile: the full fact sheet after the merge
- updated: only the fields that changed
- rejected: candidates that lost to existing facts, with reason codes`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("subject",
				mcplib.Description("Who the facts are about, e.g. a user ID"),
				mcplib.Required(),
			),
			mcplib.WithString("input",
				mcplib.Description("The user's message text to extract facts from"),
				mcplib.Required(),
			),
			mcplib.WithString("output",
				mcplib.Description("Optional assistant reply, used when extract_from is 'output' or 'both'"),
			),
			mcplib.WithString("extract_from",
				mcplib.Description("Which side of the exchange to mine: input (default), output, or both"),
			),
			mcplib.WithString("source",
				mcplib.Description("Provenance source label for accepted facts (default: observe)"),
			),
		),
		s.handleObserve,
	)

	// kagami_patch: write caller-supplied facts directly.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_patch",
			mcplib.WithDescription(`Write known facts directly into a subject's fact sheet, bypassing extraction.

WHEN TO USE: When the facts are already structured — imported CRM data,
explicit user-stated corrections, or values computed elsewhere. Patched
facts skip the recency check and default to the trusted 'manual' source.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Who the facts are about"),
				mcplib.Required(),
			),
			mcplib.WithString("facts",
				mcplib.Description(`JSON object of field-to-value pairs, e.g. {"name":"Ada","role":"engineer"}`),
				mcplib.Required(),
			),
			mcplib.WithString("source",
				mcplib.Description("Provenance source label (default: manual). Use 'crm' for system-of-record imports."),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("Confidence for all supplied facts (0.0-1.0, default 1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handlePatch,
	)

	// kagami_get: read the current fact sheet.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_get",
			mcplib.WithDescription(`Read a subject's current fact sheet with per-field provenance.

WHEN TO USE: At the start of a conversation to load what is already known
about the subject, or any time you need to check a stored fact before
acting on it.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Who to look up"),
				mcplib.Required(),
			),
		),
		s.handleGet,
	)

	// kagami_history: page through the append-only journal.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_history",
			mcplib.WithDescription(`Page through a subject's fact history journal, oldest first.

Every accepted update and every rejection is journaled, so this is the
full audit trail of how the fact sheet reached its current state.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Who to look up"),
				mcplib.Required(),
			),
			mcplib.WithString("field",
				mcplib.Description("Optional: only entries for this field"),
			),
			mcplib.WithString("cursor",
				mcplib.Description("Opaque cursor from a previous page's next_cursor"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum entries per page"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleHistory,
	)

	// kagami_facts_for_prompt: compact JSON for system prompts.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_facts_for_prompt",
			mcplib.WithDescription(`Render a subject's fact sheet as a compact JSON string with sorted keys, ready to paste into a system prompt.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Who to look up"),
				mcplib.Required(),
			),
			mcplib.WithString("select",
				mcplib.Description("Optional comma-separated list of fields to include"),
			),
		),
		s.handleFactsForPrompt,
	)
}

func (s *Server) handleObserve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}
	input := request.GetString("input", "")
	if input == "" {
		return errorResult("input is required"), nil
	}

	res, err := s.svc.Observe(ctx, profile.ObserveRequest{
		Subject:     subject,
		Input:       input,
		Output:      request.GetString("output", ""),
		Source:      request.GetString("source", ""),
		ExtractFrom: request.GetString("extract_from", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("observe failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"profile":  res.Profile,
		"updated":  res.Updated,
		"rejected": res.Rejected,
	})
}

func (s *Server) handlePatch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	rawFacts := request.GetString("facts", "")
	if rawFacts == "" {
		return errorResult("facts is required"), nil
	}
	var facts map[string]any
	if err := json.Unmarshal([]byte(rawFacts), &facts); err != nil {
		return errorResult("facts must be a JSON object: " + err.Error()), nil
	}

	req := profile.PatchRequest{
		Subject: subject,
		Facts:   facts,
		Source:  request.GetString("source", ""),
	}
	if c := request.GetFloat("confidence", -1); c >= 0 {
		req.Confidence = &c
	}

	res, err := s.svc.Patch(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("patch failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"profile":  res.Profile,
		"updated":  res.Updated,
		"rejected": res.Rejected,
	})
}

func (s *Server) handleGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	rec, err := s.svc.Get(ctx, subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorResult("subject not found: " + subject), nil
		}
		return errorResult(fmt.Sprintf("get failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"profile":    rec.Profile,
		"provenance": rec.Provenance,
		"etag":       rec.ETag,
	})
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	page, err := s.svc.History(ctx, subject, store.HistoryQuery{
		Field:  request.GetString("field", ""),
		Cursor: request.GetString("cursor", ""),
		Limit:  request.GetInt("limit", 0),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("history failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"entries":     page.Entries,
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) handleFactsForPrompt(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	facts, err := s.svc.FactsForPrompt(ctx, subject, profile.PromptOptions{
		Select: splitSelect(request.GetString("select", "")),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorResult("subject not found: " + subject), nil
		}
		return errorResult(fmt.Sprintf("facts_for_prompt failed: %v", err)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: facts},
		},
	}, nil
}

func splitSelect(raw string) []string {
	if raw == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
