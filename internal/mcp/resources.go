package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

func (h *handlers) health(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	health, err := h.ds.SystemHealth(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, health)
}

func (h *handlers) exercises(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	defs, err := h.ds.Exercises(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, defs)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
