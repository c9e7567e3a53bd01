package api

import (
	"context"
	"strings"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

// Connection tool handlers

const pngDataURL = "data:image/png;base64,"

// connectResult is returned by connect and connection_status.
type connectResult struct {
	ConnectionID int64       `json:"connection_id"`
	State        state.State `json:"state"`
	QRCode       string      `json:"qr_code,omitempty"`
	IssuedAt     *time.Time  `json:"qr_issued_at,omitempty"`
	Address      string      `json:"address,omitempty"`
	DisplayName  string      `json:"display_name,omitempty"`
}

func (h *Handler) handleCreateConnection(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	owner := getString(args, "owner_id")
	if strings.TrimSpace(owner) == "" {
		return h.errorResult(NewInvalidInputError("owner_id is required"))
	}

	conn, err := h.inbox.CreateConnection(ctx, owner, getString(args, "display_name"))
	if err != nil {
		return h.failure(ToolCreateConnection, err)
	}
	return h.successResult(conn)
}

func (h *Handler) handleListConnections(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conns, err := h.inbox.ListConnections(ctx, getString(args, "owner_id"))
	if err != nil {
		return h.failure(ToolListConnections, err)
	}
	return h.successResult(conns)
}

func (h *Handler) handleRenameConnection(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}

	if err := h.inbox.RenameConnection(ctx, id, getString(args, "display_name")); err != nil {
		return h.failure(ToolRenameConnection, err)
	}
	return h.successResult(map[string]interface{}{
		"success": true,
		"message": "Connection renamed",
	})
}

func (h *Handler) handleConnect(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}

	if _, err := h.inbox.Connect(ctx, id); err != nil {
		return h.failure(ToolConnect, err)
	}
	st, err := h.inbox.Status(ctx, id)
	if err != nil {
		return h.failure(ToolConnect, err)
	}
	return h.statusResult(st)
}

func (h *Handler) handleDisconnect(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}

	if err := h.inbox.Disconnect(ctx, id); err != nil {
		return h.failure(ToolDisconnect, err)
	}
	return h.successResult(map[string]interface{}{
		"success": true,
		"message": "Connection logged out",
	})
}

func (h *Handler) handleDeleteConnection(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}

	if err := h.inbox.DeleteConnection(ctx, id); err != nil {
		return h.failure(ToolDeleteConnection, err)
	}
	return h.successResult(map[string]interface{}{
		"success": true,
		"message": "Connection deleted",
	})
}

func (h *Handler) handleConnectionStatus(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}

	st, err := h.inbox.Status(ctx, id)
	if err != nil {
		return h.failure(ToolConnectionStatus, err)
	}
	return h.statusResult(st)
}

func (h *Handler) handleGetConnectionHistory(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}

	history, err := h.inbox.ConnectionHistory(ctx, id, getInt(args, "limit", 20))
	if err != nil {
		return h.failure(ToolGetConnectionHistory, err)
	}
	return h.successResult(history)
}

// statusResult renders a live status. A pending QR code is attached as an
// image block after the JSON.
func (h *Handler) statusResult(st registry.Status) (*mcp.CallToolResult, error) {
	res := connectResult{
		ConnectionID: st.ConnectionID,
		State:        st.State,
		Address:      st.Address,
		DisplayName:  st.DisplayName,
	}
	if st.Challenge != nil {
		res.QRCode = st.Challenge.Code
		issued := st.Challenge.IssuedAt
		res.IssuedAt = &issued
	}

	result, err := h.successResult(res)
	if err != nil {
		return nil, err
	}
	if st.Challenge != nil && strings.HasPrefix(st.Challenge.Image, pngDataURL) {
		result.Content = append(result.Content, mcp.ImageContent("image/png", strings.TrimPrefix(st.Challenge.Image, pngDataURL)))
	}
	return result, nil
}
