package api

import (
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

// Tool name constants
const (
	// Connections (8)
	ToolCreateConnection     = "create_connection"
	ToolListConnections      = "list_connections"
	ToolRenameConnection     = "rename_connection"
	ToolConnect              = "connect"
	ToolDisconnect           = "disconnect"
	ToolDeleteConnection     = "delete_connection"
	ToolConnectionStatus     = "connection_status"
	ToolGetConnectionHistory = "get_connection_history"

	// Chats (5)
	ToolListChats       = "list_chats"
	ToolListMessages    = "list_messages"
	ToolSendMessage     = "send_message"
	ToolSetChatCategory = "set_chat_category"
	ToolMarkChatRead    = "mark_chat_read"

	// Bridge (3)
	ToolGetAIConfig     = "get_ai_config"
	ToolUpdateAIConfig  = "update_ai_config"
	ToolGetBridgeStatus = "get_bridge_status"
)

// GetAllTools returns all 16 tool definitions.
func GetAllTools() []mcp.Tool {
	return []mcp.Tool{
		// ============ CONNECTIONS (8) ============
		{
			Name:        ToolCreateConnection,
			Description: "Create a new WhatsApp connection slot for an owner. The slot starts disconnected",
			InputSchema: object(map[string]interface{}{
				"owner_id":     prop("string", "Owner of the connection"),
				"display_name": prop("string", "Name of the slot (default: \"Inbox <n>\")"),
			}, "owner_id"),
		},
		{
			Name:        ToolListConnections,
			Description: "List connection slots, optionally for one owner",
			InputSchema: object(map[string]interface{}{
				"owner_id": prop("string", "Only list this owner's connections"),
			}),
		},
		{
			Name:        ToolRenameConnection,
			Description: "Rename a connection slot",
			InputSchema: object(map[string]interface{}{
				"connection_id": propInt("Connection ID"),
				"display_name":  prop("string", "New name"),
			}, "connection_id", "display_name"),
		},
		{
			Name:        ToolConnect,
			Description: "Open the WhatsApp session of a connection. Returns a QR code to scan when pairing is required; call again to fetch the current code",
			InputSchema: object(map[string]interface{}{
				"connection_id": propInt("Connection ID"),
			}, "connection_id"),
		},
		{
			Name:        ToolDisconnect,
			Description: "Log the connection out of WhatsApp and discard its session",
			InputSchema: object(map[string]interface{}{
				"connection_id": propInt("Connection ID"),
			}, "connection_id"),
		},
		{
			Name:        ToolDeleteConnection,
			Description: "Delete a connection with all its chats and messages",
			InputSchema: object(map[string]interface{}{
				"connection_id": propInt("Connection ID"),
			}, "connection_id"),
		},
		{
			Name:        ToolConnectionStatus,
			Description: "Get the live state of a connection, its pending QR code and its WhatsApp address",
			InputSchema: object(map[string]interface{}{
				"connection_id": propInt("Connection ID"),
			}, "connection_id"),
		},
		{
			Name:        ToolGetConnectionHistory,
			Description: "Get recent state transitions of a connection",
			InputSchema: object(map[string]interface{}{
				"connection_id": propInt("Connection ID"),
				"limit":         propInt("Maximum number of transitions to return (default: 20)"),
			}, "connection_id"),
		},

		// ============ CHATS (5) ============
		{
			Name:        ToolListChats,
			Description: "List the chats of a connection, most recent first",
			InputSchema: object(map[string]interface{}{
				"connection_id":  propInt("Connection ID"),
				"include_groups": propBool("Include group chats (default: false)"),
				"category":       propEnum("Only chats in this category", "human", "closed", "open"),
				"limit":          propInt("Maximum number of chats to return (default: 50)"),
			}, "connection_id"),
		},
		{
			Name:        ToolListMessages,
			Description: "List the messages of a chat, oldest first",
			InputSchema: object(map[string]interface{}{
				"chat_id": prop("string", "Chat ID as returned by list_chats"),
			}, "chat_id"),
		},
		{
			Name:        ToolSendMessage,
			Description: "Send a message as a human operator. The chat is taken over and automated replies stop",
			InputSchema: object(map[string]interface{}{
				"connection_id": propInt("Connection ID"),
				"chat_id":       prop("string", "Chat ID as returned by list_chats"),
				"message":       prop("string", "Text message to send"),
				"operator_id":   prop("string", "Operator sending the message"),
			}, "connection_id", "chat_id", "message"),
		},
		{
			Name:        ToolSetChatCategory,
			Description: "Move a chat to human takeover, closed, or back to open for automated replies",
			InputSchema: object(map[string]interface{}{
				"chat_id":     prop("string", "Chat ID"),
				"category":    propEnum("New category", "human", "closed", "open"),
				"operator_id": prop("string", "Operator taking over (category human)"),
			}, "chat_id", "category"),
		},
		{
			Name:        ToolMarkChatRead,
			Description: "Reset the unread counter of a chat",
			InputSchema: object(map[string]interface{}{
				"chat_id": prop("string", "Chat ID"),
			}, "chat_id"),
		},

		// ============ BRIDGE (3) ============
		{
			Name:        ToolGetAIConfig,
			Description: "Get the automated-reply persona and model settings",
			InputSchema: object(map[string]interface{}{}),
		},
		{
			Name:        ToolUpdateAIConfig,
			Description: "Change automated-reply settings. Only the given fields are updated",
			InputSchema: object(map[string]interface{}{
				"is_active":     propBool("Enable automated replies"),
				"model":         prop("string", "Model name"),
				"temperature":   propNumber("Sampling temperature, 0 to 2"),
				"max_tokens":    propInt("Maximum tokens per reply"),
				"system_prompt": prop("string", "Persona prompt; {name} is replaced by the contact name"),
				"max_history":   propInt("Number of earlier turns sent as context"),
			}),
		},
		{
			Name:        ToolGetBridgeStatus,
			Description: "Get live sessions, reconnect state and message counters",
			InputSchema: object(map[string]interface{}{}),
		},
	}
}

// Helper functions for schema creation
func object(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typeName, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        typeName,
		"description": description,
	}
}

func propInt(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": description,
	}
}

func propNumber(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "number",
		"description": description,
	}
}

func propBool(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "boolean",
		"description": description,
	}
}

func propEnum(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}
