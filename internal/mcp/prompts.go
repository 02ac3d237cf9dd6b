package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// review-investigation walks an agent through reading a finished run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-investigation",
			mcplib.WithPromptDescription("Review the findings of an investigation and explain its risk score"),
			mcplib.WithArgument("investigation_id",
				mcplib.ArgumentDescription("The investigation to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewPrompt,
	)

	// watch-investigation follows a run until it finishes.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("watch-investigation",
			mcplib.WithPromptDescription("Follow a running investigation until it completes"),
			mcplib.WithArgument("investigation_id",
				mcplib.ArgumentDescription("The investigation to follow"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWatchPrompt,
	)
}

func (s *Server) handleReviewPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["investigation_id"]
	if id == "" {
		return nil, fmt.Errorf("investigation_id argument is required")
	}
	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review investigation %s", id),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review fraud investigation %s.

1. CALL olorin_investigation with investigation_id="%s".
   If lifecycle_stage is not COMPLETED or ERROR, stop and report the stage.

2. READ results:
   - overall_risk_score is on a 0.0-1.0 scale. scoring_method says whether it
     came from the summarizer or from a fallback.
   - For each entry in domains, note its status and risk score. A failed
     domain contributed a default finding.

3. CALL olorin_events with investigation_id="%s" to see which analyzers
   failed and when.

4. SUMMARIZE in a few sentences: the entity, the score, the two or three
   domains that drove it, and any gaps caused by failed analyzers.`, id, id, id),
				},
			},
		},
	}, nil
}

func (s *Server) handleWatchPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["investigation_id"]
	if id == "" {
		return nil, fmt.Errorf("investigation_id argument is required")
	}
	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Follow investigation %s", id),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Follow investigation %s until it finishes.

CALL olorin_progress with investigation_id="%s" and report completion_percent
and current_phase. Then call olorin_events with since set to the last
next_cursor you saw, so each poll returns only new events. Stop once
lifecycle_stage is COMPLETED, ERROR or CANCELLED.`, id, id),
				},
			},
		},
	}, nil
}
