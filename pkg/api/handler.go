package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

// Inbox defines the operations exposed as tools.
type Inbox interface {
	// Connections
	CreateConnection(ctx context.Context, ownerID, displayName string) (*store.Connection, error)
	ListConnections(ctx context.Context, ownerID string) ([]store.Connection, error)
	RenameConnection(ctx context.Context, id int64, name string) error
	Connect(ctx context.Context, id int64) (*registry.Challenge, error)
	Disconnect(ctx context.Context, id int64) error
	DeleteConnection(ctx context.Context, id int64) error
	Status(ctx context.Context, id int64) (registry.Status, error)
	ConnectionHistory(ctx context.Context, id int64, limit int) ([]store.Transition, error)

	// Chats
	ListChats(ctx context.Context, connectionID int64, q bridge.ChatQuery) ([]store.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]store.Message, error)
	SendMessage(ctx context.Context, connectionID int64, chatID, text, operatorID string) (*store.Message, error)
	SetChatCategory(ctx context.Context, chatID, category, operatorID string) (*store.Chat, error)
	MarkChatRead(ctx context.Context, chatID string) error

	// Automated replies
	GetAIConfig(ctx context.Context) (*store.AIConfig, error)
	UpdateAIConfig(ctx context.Context, u bridge.AIConfigUpdate) (*store.AIConfig, error)

	BridgeStatus(ctx context.Context) (*bridge.Status, error)
}

// Handler implements the MCP ToolHandler and ResourceHandler interfaces.
type Handler struct {
	inbox Inbox
	log   *slog.Logger
}

// NewHandler creates a new tool handler.
func NewHandler(inbox Inbox, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{inbox: inbox, log: log.With("component", "api")}
}

var (
	_ mcp.ToolHandler     = (*Handler)(nil)
	_ mcp.ResourceHandler = (*Handler)(nil)
)

// GetTools returns all available tool definitions.
func (h *Handler) GetTools() []mcp.Tool {
	return GetAllTools()
}

// HandleTool handles a tool invocation and returns the result.
func (h *Handler) HandleTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	switch name {
	// Connections
	case ToolCreateConnection:
		return h.handleCreateConnection(ctx, args)
	case ToolListConnections:
		return h.handleListConnections(ctx, args)
	case ToolRenameConnection:
		return h.handleRenameConnection(ctx, args)
	case ToolConnect:
		return h.handleConnect(ctx, args)
	case ToolDisconnect:
		return h.handleDisconnect(ctx, args)
	case ToolDeleteConnection:
		return h.handleDeleteConnection(ctx, args)
	case ToolConnectionStatus:
		return h.handleConnectionStatus(ctx, args)
	case ToolGetConnectionHistory:
		return h.handleGetConnectionHistory(ctx, args)

	// Chats
	case ToolListChats:
		return h.handleListChats(ctx, args)
	case ToolListMessages:
		return h.handleListMessages(ctx, args)
	case ToolSendMessage:
		return h.handleSendMessage(ctx, args)
	case ToolSetChatCategory:
		return h.handleSetChatCategory(ctx, args)
	case ToolMarkChatRead:
		return h.handleMarkChatRead(ctx, args)

	// Bridge
	case ToolGetAIConfig:
		return h.handleGetAIConfig(ctx, args)
	case ToolUpdateAIConfig:
		return h.handleUpdateAIConfig(ctx, args)
	case ToolGetBridgeStatus:
		return h.handleGetBridgeStatus(ctx, args)

	default:
		return h.errorResult(NewInvalidInputError(fmt.Sprintf("Unknown tool: %s", name)))
	}
}

// Helper methods

func (h *Handler) successResult(data interface{}) (*mcp.CallToolResult, error) {
	block, err := mcp.JSONContent(data)
	if err != nil {
		return nil, NewInternalError(err)
	}
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{block}}, nil
}

func (h *Handler) errorResult(err *MCPError) (*mcp.CallToolResult, error) {
	return mcp.ErrorResult(err.JSON()), nil
}

// failure logs and reports an operation error.
func (h *Handler) failure(tool string, err error) (*mcp.CallToolResult, error) {
	mcpErr := FromError(err)
	if mcpErr.Code == ErrInternal {
		h.log.Error("tool failed", "tool", tool, "error", err)
	} else {
		h.log.Debug("tool rejected", "tool", tool, "code", mcpErr.Code, "error", err)
	}
	return h.errorResult(mcpErr)
}

func getString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func getInt(args map[string]interface{}, key string, defaultVal int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	if v, ok := args[key].(int); ok {
		return v
	}
	return defaultVal
}

func getBool(args map[string]interface{}, key string, defaultVal bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return defaultVal
}

// getID reads a required positive integer id.
func getID(args map[string]interface{}, key string) (int64, *MCPError) {
	var id int64
	switch v := args[key].(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, NewInvalidInputError(key + " must be an integer")
		}
		id = int64(v)
	case int:
		id = int64(v)
	case int64:
		id = v
	case nil:
		return 0, NewInvalidInputError(key + " is required")
	default:
		return 0, NewInvalidInputError(key + " must be an integer")
	}
	if id <= 0 {
		return 0, NewInvalidInputError(key + " must be positive")
	}
	return id, nil
}

func optString(args map[string]interface{}, key string) *string {
	if v, ok := args[key].(string); ok {
		return &v
	}
	return nil
}

func optInt(args map[string]interface{}, key string) *int {
	if _, ok := args[key]; !ok {
		return nil
	}
	v := getInt(args, key, 0)
	return &v
}

func optFloat(args map[string]interface{}, key string) *float64 {
	if v, ok := args[key].(float64); ok {
		return &v
	}
	return nil
}

func optBool(args map[string]interface{}, key string) *bool {
	if v, ok := args[key].(bool); ok {
		return &v
	}
	return nil
}
