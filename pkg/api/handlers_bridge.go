package api

import (
	"context"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

// Bridge tool handlers

func (h *Handler) handleGetBridgeStatus(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	status, err := h.inbox.BridgeStatus(ctx)
	if err != nil {
		return h.failure(ToolGetBridgeStatus, err)
	}
	return h.successResult(status)
}

func (h *Handler) handleGetAIConfig(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	cfg, err := h.inbox.GetAIConfig(ctx)
	if err != nil {
		return h.failure(ToolGetAIConfig, err)
	}
	return h.successResult(cfg)
}

func (h *Handler) handleUpdateAIConfig(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	u := bridge.AIConfigUpdate{
		IsActive:     optBool(args, "is_active"),
		Model:        optString(args, "model"),
		Temperature:  optFloat(args, "temperature"),
		MaxTokens:    optInt(args, "max_tokens"),
		SystemPrompt: optString(args, "system_prompt"),
		MaxHistory:   optInt(args, "max_history"),
	}

	cfg, err := h.inbox.UpdateAIConfig(ctx, u)
	if err != nil {
		return h.failure(ToolUpdateAIConfig, err)
	}
	return h.successResult(cfg)
}
