package api

import (
	"context"
	"encoding/json"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

// Resource URIs
const (
	ResourceConnections = "inbox://connections"
	ResourceAIConfig    = "inbox://ai-config"
	ResourceStatus      = "inbox://status"
)

// ListResources implements mcp.ResourceHandler.
func (h *Handler) ListResources(ctx context.Context) []mcp.Resource {
	return []mcp.Resource{
		{URI: ResourceConnections, Name: "connections", Description: "All connection slots", MimeType: "application/json"},
		{URI: ResourceAIConfig, Name: "ai-config", Description: "Automated-reply settings", MimeType: "application/json"},
		{URI: ResourceStatus, Name: "status", Description: "Bridge status", MimeType: "application/json"},
	}
}

// ReadResource implements mcp.ResourceHandler.
func (h *Handler) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var (
		v   interface{}
		err error
	)
	switch uri {
	case ResourceConnections:
		v, err = h.inbox.ListConnections(ctx, "")
	case ResourceAIConfig:
		v, err = h.inbox.GetAIConfig(ctx)
	case ResourceStatus:
		v, err = h.inbox.BridgeStatus(ctx)
	default:
		return nil, mcp.ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContent{{URI: uri, MimeType: "application/json", Text: string(data)}},
	}, nil
}
