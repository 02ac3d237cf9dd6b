package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

func investigationIDArg() mcplib.ToolOption {
	return mcplib.WithString("investigation_id",
		mcplib.Description("Investigation id (letters, digits, '-' and '_')"),
		mcplib.Required(),
	)
}

func readOnly() []mcplib.ToolOption {
	return []mcplib.ToolOption{
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("olorin_investigation", append(readOnly(),
			mcplib.WithDescription(`Read one investigation record.

WHAT YOU GET BACK: the record (lifecycle_stage, status, settings, results,
the persisted strategy decision and version) plus its etag.`),
			investigationIDArg(),
		)...),
		s.handleInvestigation,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("olorin_progress", append(readOnly(),
			mcplib.WithDescription(`Read the progress view of an investigation.

WHEN TO USE: while a run is IN_PROGRESS. completion_percent counts finished
tools (completed or failed) over all tools; current_phase names the stage of
the run.`),
			investigationIDArg(),
		)...),
		s.handleProgress,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("olorin_events", append(readOnly(),
			mcplib.WithDescription(`Read the investigation event stream in cursor order.

Pass the next_cursor of the previous page as since to read only new events.
An empty since starts at the beginning.`),
			investigationIDArg(),
			mcplib.WithString("since",
				mcplib.Description("Exclusive cursor from a previous page"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum events to return"),
				mcplib.Min(1),
				mcplib.Max(progress.MaxEventLimit),
				mcplib.DefaultNumber(progress.DefaultEventLimit),
			),
		)...),
		s.handleEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("olorin_strategy_preview", append(readOnly(),
			mcplib.WithDescription(`Preview which execution strategy an investigation id would get.

The decision is computed from the current routing snapshot and is never
stored. force_strategy shows what an override would produce.`),
			investigationIDArg(),
			mcplib.WithString("force_strategy",
				mcplib.Description("Optional override"),
				mcplib.Enum(string(model.StrategyParallel), string(model.StrategySequential)),
			),
		)...),
		s.handleStrategyPreview,
	)
}

func (s *Server) handleInvestigation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("investigation_id", "")
	if err := model.ValidateInvestigationID(id); err != nil {
		return errorResult(err.Error()), nil
	}
	inv, tag, err := s.records.Get(ctx, id, "")
	if err != nil {
		return s.toolError("read investigation", id, err), nil
	}
	return jsonResult(map[string]any{"investigation": inv, "etag": tag})
}

func (s *Server) handleProgress(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("investigation_id", "")
	if err := model.ValidateInvestigationID(id); err != nil {
		return errorResult(err.Error()), nil
	}
	view, _, err := s.progress.Progress(ctx, id)
	if err != nil {
		return s.toolError("read progress", id, err), nil
	}
	return jsonResult(view)
}

func (s *Server) handleEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("investigation_id", "")
	if err := model.ValidateInvestigationID(id); err != nil {
		return errorResult(err.Error()), nil
	}
	page, _, err := s.progress.Events(ctx, id, progress.EventsQuery{
		Since: request.GetString("since", ""),
		Limit: request.GetInt("limit", progress.DefaultEventLimit),
	})
	if err != nil {
		return s.toolError("read events", id, err), nil
	}
	return jsonResult(page)
}

func (s *Server) handleStrategyPreview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("investigation_id", "")
	if err := model.ValidateInvestigationID(id); err != nil {
		return errorResult(err.Error()), nil
	}
	forced := model.Strategy(request.GetString("force_strategy", ""))
	if forced != "" && !forced.Valid() {
		return errorResult(fmt.Sprintf("unknown force_strategy %q", forced)), nil
	}
	return jsonResult(s.selector.Select(ctx, id, forced))
}

// toolError turns a service error into a tool result. Validation and
// not-found errors are the caller's to fix; anything else is logged.
func (s *Server) toolError(op, id string, err error) *mcplib.CallToolResult {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return errorResult(verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(fmt.Sprintf("investigation %s not found", id))
	default:
		s.logger.Error("mcp: "+op+" failed", "investigation_id", id, "error", err)
		return errorResult(op + " failed")
	}
}
