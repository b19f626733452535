package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/resolve"
	"github.com/caresync-health/setu/internal/service/mapping"
	"github.com/caresync-health/setu/internal/storage"
)

func (s *Server) registerTools() {
	// setu_resolve: map a traditional-medicine term to ICD-11 candidates.
	s.mcpServer.AddTool(
		mcplib.NewTool("setu_resolve",
			mcplib.WithDescription(`Resolve a free-text AYUSH/NAMASTE term to ranked ICD-11 code candidates.

Returns the resolution tier (exact, rule, or vector), ranked candidates
with confidence scores in [0,1], and per-candidate provenance. Low
confidence results are automatically queued for clinician review, so it
is safe to pass ambiguous terms.

EXAMPLE: term="jwara" returns R50.9 (Fever, unspecified) from the exact
tier with confidence 0.99.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("term",
				mcplib.Description("The traditional-medicine term to resolve, e.g. 'jwara' or 'amlapitta'"),
				mcplib.Required(),
			),
			mcplib.WithString("context",
				mcplib.Description("Optional free-text symptoms or clinical notes that sharpen the search"),
			),
			mcplib.WithNumber("k",
				mcplib.Description("Maximum number of candidates to return"),
				mcplib.Min(1),
				mcplib.Max(20),
				mcplib.DefaultNumber(resolve.DefaultK),
			),
		),
		s.handleResolve,
	)

	// setu_review_list: inspect the clinician review queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("setu_review_list",
			mcplib.WithDescription(`List review-queue tasks awaiting clinician adjudication.

Tasks are opened for low-confidence resolutions and for blocked writes to
protected dataset resources. Filter by status (open, in_progress,
resolved, dismissed) or reason (low_confidence, blocked_write,
model_drift).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Filter by task status"),
			),
			mcplib.WithString("reason",
				mcplib.Description("Filter by task reason"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum tasks to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleReviewList,
	)

	// setu_governance_status: current governance state.
	s.mcpServer.AddTool(
		mcplib.NewTool("setu_governance_status",
			mcplib.WithDescription(`Report the governance state gating mapping suggestions.

Returns the operating mode (active, paused, manual) and the count of
blocked dataset writes in the current window. When paused, setu_resolve
calls are refused until an operator resumes.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleGovernanceStatus,
	)
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	term := request.GetString("term", "")
	if term == "" {
		return errorResult("term is required"), nil
	}

	outcome, err := s.svc.Suggest(ctx, resolve.Request{
		Term:    term,
		Context: request.GetString("context", ""),
		K:       request.GetInt("k", resolve.DefaultK),
	}, "mcp")
	if errors.Is(err, mapping.ErrGovernancePaused) {
		return errorResult("governance is paused; suggestions are refused until an operator resumes"), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("resolve failed: %v", err)), nil
	}

	return jsonResult(outcome)
}

func (s *Server) handleReviewList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tasks, err := s.store.ListReviewTasks(ctx, storage.TaskFilter{
		Status: model.ReviewStatus(request.GetString("status", "")),
		Reason: model.ReviewReason(request.GetString("reason", "")),
		Limit:  request.GetInt("limit", 20),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("list review tasks failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleGovernanceStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.svc.Status())
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
