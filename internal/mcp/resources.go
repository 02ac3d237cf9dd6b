package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

const progressURIPrefix = "olorin://investigations/"

func (s *Server) registerResources() {
	// olorin://investigations/{id}/progress: the progress view as a resource.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			progressURIPrefix+"{id}/progress",
			"Investigation Progress",
			mcplib.WithTemplateDescription("Completion percent, phase and tool executions of one investigation"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleProgressResource,
	)
}

// investigationIDFromURI extracts {id} from olorin://investigations/{id}/progress.
func investigationIDFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, progressURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: unexpected resource URI %q", uri)
	}
	id, ok := strings.CutSuffix(rest, "/progress")
	if !ok {
		return "", fmt.Errorf("mcp: unexpected resource URI %q", uri)
	}
	if err := model.ValidateInvestigationID(id); err != nil {
		return "", fmt.Errorf("mcp: %w", err)
	}
	return id, nil
}

func (s *Server) handleProgressResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := investigationIDFromURI(uri)
	if err != nil {
		return nil, err
	}
	view, _, err := s.progress.Progress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: progress %s: %w", id, err)
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal progress: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
