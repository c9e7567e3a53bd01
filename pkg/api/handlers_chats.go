package api

import (
	"context"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

// Chat tool handlers

func (h *Handler) handleListChats(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}

	chats, err := h.inbox.ListChats(ctx, id, bridge.ChatQuery{
		IncludeGroups: getBool(args, "include_groups", false),
		Category:      getString(args, "category"),
		Limit:         getInt(args, "limit", 50),
	})
	if err != nil {
		return h.failure(ToolListChats, err)
	}
	return h.successResult(chats)
}

func (h *Handler) handleListMessages(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	chatID := getString(args, "chat_id")
	if chatID == "" {
		return h.errorResult(NewInvalidInputError("chat_id is required"))
	}

	messages, err := h.inbox.ListMessages(ctx, chatID)
	if err != nil {
		return h.failure(ToolListMessages, err)
	}
	return h.successResult(messages)
}

func (h *Handler) handleSendMessage(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	id, mcpErr := getID(args, "connection_id")
	if mcpErr != nil {
		return h.errorResult(mcpErr)
	}
	chatID := getString(args, "chat_id")
	message := getString(args, "message")
	if chatID == "" || message == "" {
		return h.errorResult(NewInvalidInputError("chat_id and message are required"))
	}

	msg, err := h.inbox.SendMessage(ctx, id, chatID, message, getString(args, "operator_id"))
	if err != nil {
		return h.failure(ToolSendMessage, err)
	}
	return h.successResult(msg)
}

func (h *Handler) handleSetChatCategory(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	chatID := getString(args, "chat_id")
	category := getString(args, "category")
	if chatID == "" || category == "" {
		return h.errorResult(NewInvalidInputError("chat_id and category are required"))
	}

	chat, err := h.inbox.SetChatCategory(ctx, chatID, category, getString(args, "operator_id"))
	if err != nil {
		return h.failure(ToolSetChatCategory, err)
	}
	return h.successResult(chat)
}

func (h *Handler) handleMarkChatRead(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	chatID := getString(args, "chat_id")
	if chatID == "" {
		return h.errorResult(NewInvalidInputError("chat_id is required"))
	}

	if err := h.inbox.MarkChatRead(ctx, chatID); err != nil {
		return h.failure(ToolMarkChatRead, err)
	}
	return h.successResult(map[string]interface{}{
		"success": true,
		"message": "Chat marked as read",
	})
}
