package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/autoreply"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/ingest"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/pubsub"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport/transporttest"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

const (
	self     = "5511999990000@s.whatsapp.net"
	customer = "5511988887777@s.whatsapp.net"
)

type testEnv struct {
	handler *Handler
	db      *store.SQLiteStore
	factory *transporttest.Factory
	reg     *registry.Registry
}

func setupTestHandler(t *testing.T) *testEnv {
	storeDB, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { storeDB.Close() })

	env := &testEnv{db: storeDB, factory: transporttest.NewFactory()}
	publisher := &pubsub.Memory{}
	env.reg = registry.New(registry.Config{}, storeDB.Connections, storeDB.Transitions, credentials.NewMemoryStore(), env.factory, nil)
	pipeline := ingest.New(ingest.Deps{Recorder: storeDB, Messages: storeDB.Messages, Publisher: publisher}, nil, nil)
	engine := autoreply.New(autoreply.Config{DebounceWindow: time.Hour}, autoreply.Deps{
		Chats:     storeDB.Chats,
		Messages:  storeDB.Messages,
		AIConfig:  storeDB.AIConfig,
		Sender:    env.reg,
		Outbound:  pipeline,
		Publisher: publisher,
	}, nil)
	b := bridge.New(bridge.Deps{
		Store:     storeDB,
		Registry:  env.reg,
		Engine:    engine,
		Outbound:  pipeline,
		Publisher: publisher,
	}, nil)

	t.Cleanup(func() {
		engine.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		env.reg.Shutdown(ctx)
	})
	env.handler = NewHandler(b, nil)
	return env
}

func (env *testEnv) call(t *testing.T, tool string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := env.handler.HandleTool(context.Background(), tool, args)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	return result
}

func decode[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &v))
	return v
}

func (env *testEnv) slot(t *testing.T) *store.Connection {
	result := env.call(t, ToolCreateConnection, map[string]interface{}{"owner_id": "owner-1"})
	require.False(t, result.IsError, result.Content[0].Text)
	conn := decode[store.Connection](t, result)
	return &conn
}

func (env *testEnv) inbound(t *testing.T, connID int64, text string) string {
	seed := store.ChatSeed{ConnectionID: connID, Address: customer, ContactName: "Maria"}
	msg := &store.Message{TransportID: "C-" + text, Text: text, Status: store.StatusDelivered, Timestamp: time.Now()}
	_, err := env.db.RecordMessage(context.Background(), seed, msg)
	require.NoError(t, err)
	return seed.ID()
}

func TestHandler_GetTools(t *testing.T) {
	env := setupTestHandler(t)
	tools := env.handler.GetTools()

	toolNames := make(map[string]bool)
	for _, tool := range tools {
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], tool.Name)
		toolNames[tool.Name] = true
	}
	assert.Len(t, toolNames, len(tools), "tool names are unique")

	for _, name := range []string{
		ToolCreateConnection, ToolConnect, ToolDisconnect, ToolDeleteConnection, ToolConnectionStatus,
		ToolListChats, ToolListMessages, ToolSendMessage, ToolSetChatCategory,
		ToolListConnections, ToolRenameConnection, ToolMarkChatRead,
		ToolGetAIConfig, ToolUpdateAIConfig, ToolGetBridgeStatus, ToolGetConnectionHistory,
	} {
		assert.True(t, toolNames[name], name)
	}
}

func TestHandler_CreateAndListConnections(t *testing.T) {
	env := setupTestHandler(t)
	conn := env.slot(t)
	assert.Equal(t, "Inbox 1", conn.DisplayName)

	result := env.call(t, ToolCreateConnection, map[string]interface{}{})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrInvalidInput, decode[MCPError](t, result).Code)

	result = env.call(t, ToolRenameConnection, map[string]interface{}{"connection_id": float64(conn.ID), "display_name": "Sales"})
	require.False(t, result.IsError)

	result = env.call(t, ToolListConnections, map[string]interface{}{"owner_id": "owner-1"})
	require.False(t, result.IsError)
	conns := decode[[]store.Connection](t, result)
	require.Len(t, conns, 1)
	assert.Equal(t, "Sales", conns[0].DisplayName)
}

func TestHandler_ConnectReturnsQRCode(t *testing.T) {
	env := setupTestHandler(t)
	conn := env.slot(t)
	args := map[string]interface{}{"connection_id": float64(conn.ID)}

	result := env.call(t, ToolConnect, args)
	require.False(t, result.IsError)
	assert.Equal(t, state.StateConnecting, decode[connectResult](t, result).State)

	env.factory.Last(conn.ID).SimulateChallenge("2@pairing-code")
	require.Eventually(t, func() bool {
		return decode[connectResult](t, env.call(t, ToolConnectionStatus, args)).QRCode != ""
	}, 2*time.Second, 5*time.Millisecond)

	result = env.call(t, ToolConnect, args)
	require.False(t, result.IsError)
	res := decode[connectResult](t, result)
	assert.Equal(t, "2@pairing-code", res.QRCode)
	require.Len(t, result.Content, 2)
	assert.Equal(t, "image", result.Content[1].Type)
	assert.Equal(t, "image/png", result.Content[1].MimeType)
	assert.NotEmpty(t, result.Content[1].Data)

	env.factory.Last(conn.ID).SimulateOpened(self, "Shop")
	require.Eventually(t, func() bool {
		return decode[connectResult](t, env.call(t, ToolConnectionStatus, args)).State == state.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	res = decode[connectResult](t, env.call(t, ToolConnectionStatus, args))
	assert.Equal(t, self, res.Address)
	assert.Empty(t, res.QRCode)

	require.Eventually(t, func() bool {
		r := env.call(t, ToolGetConnectionHistory, args)
		return !r.IsError && len(decode[[]store.Transition](t, r)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	result = env.call(t, ToolDisconnect, args)
	require.False(t, result.IsError)
	assert.Equal(t, state.StateDisconnected, decode[connectResult](t, env.call(t, ToolConnectionStatus, args)).State)
}

func TestHandler_ConnectionIDValidation(t *testing.T) {
	env := setupTestHandler(t)

	for _, args := range []map[string]interface{}{
		{},
		{"connection_id": "1"},
		{"connection_id": float64(1.5)},
		{"connection_id": float64(0)},
	} {
		result := env.call(t, ToolConnectionStatus, args)
		assert.True(t, result.IsError)
		assert.Equal(t, ErrInvalidInput, decode[MCPError](t, result).Code)
	}

	result := env.call(t, ToolConnect, map[string]interface{}{"connection_id": float64(999)})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrNotFound, decode[MCPError](t, result).Code)
}

func TestHandler_ChatsAndMessages(t *testing.T) {
	env := setupTestHandler(t)
	conn := env.slot(t)
	chatID := env.inbound(t, conn.ID, "hello")
	env.inbound(t, conn.ID, "are you there?")

	result := env.call(t, ToolListChats, map[string]interface{}{"connection_id": float64(conn.ID)})
	require.False(t, result.IsError)
	chats := decode[[]store.Chat](t, result)
	require.Len(t, chats, 1)
	assert.Equal(t, chatID, chats[0].ID)
	assert.Equal(t, 2, chats[0].UnreadCount)

	result = env.call(t, ToolListMessages, map[string]interface{}{"chat_id": chatID})
	require.False(t, result.IsError)
	msgs := decode[[]store.Message](t, result)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)

	result = env.call(t, ToolMarkChatRead, map[string]interface{}{"chat_id": chatID})
	require.False(t, result.IsError)

	result = env.call(t, ToolSetChatCategory, map[string]interface{}{"chat_id": chatID, "category": "closed"})
	require.False(t, result.IsError)
	chat := decode[store.Chat](t, result)
	assert.True(t, chat.IsClosed)
	assert.Zero(t, chat.UnreadCount)

	result = env.call(t, ToolListChats, map[string]interface{}{"connection_id": float64(conn.ID), "category": "open"})
	require.False(t, result.IsError)
	assert.Empty(t, decode[[]store.Chat](t, result))

	result = env.call(t, ToolSetChatCategory, map[string]interface{}{"chat_id": chatID, "category": "archived"})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrInvalidInput, decode[MCPError](t, result).Code)

	result = env.call(t, ToolListMessages, map[string]interface{}{"chat_id": "1:nobody@s.whatsapp.net"})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrNotFound, decode[MCPError](t, result).Code)
}

func TestHandler_SendMessage(t *testing.T) {
	env := setupTestHandler(t)
	conn := env.slot(t)
	chatID := env.inbound(t, conn.ID, "hello")
	args := map[string]interface{}{
		"connection_id": float64(conn.ID),
		"chat_id":       chatID,
		"message":       "Hi Maria",
		"operator_id":   "op-1",
	}

	result := env.call(t, ToolSendMessage, args)
	assert.True(t, result.IsError)
	mcpErr := decode[MCPError](t, result)
	assert.Equal(t, ErrNotReady, mcpErr.Code)
	assert.True(t, mcpErr.Retry)

	_, err := env.reg.Connect(context.Background(), conn.ID)
	require.NoError(t, err)
	env.factory.Last(conn.ID).SimulateOpened(self, "Shop")
	require.Eventually(t, func() bool { return env.reg.IsConnected(conn.ID) }, 2*time.Second, 5*time.Millisecond)

	result = env.call(t, ToolSendMessage, args)
	require.False(t, result.IsError, result.Content[0].Text)
	msg := decode[store.Message](t, result)
	assert.True(t, msg.FromMe)
	assert.False(t, msg.SentByAI)

	sent := env.factory.Last(conn.ID).SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, customer, sent[0].To)

	chat, err := env.db.Chats.Get(context.Background(), chatID)
	require.NoError(t, err)
	assert.True(t, chat.IsHumanTakeover)

	result = env.call(t, ToolSendMessage, map[string]interface{}{"connection_id": float64(conn.ID), "chat_id": chatID})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrInvalidInput, decode[MCPError](t, result).Code)
}

func TestHandler_AIConfig(t *testing.T) {
	env := setupTestHandler(t)

	result := env.call(t, ToolGetAIConfig, map[string]interface{}{})
	require.False(t, result.IsError)
	assert.Contains(t, decode[store.AIConfig](t, result).SystemPrompt, "{name}")

	result = env.call(t, ToolUpdateAIConfig, map[string]interface{}{
		"is_active":   false,
		"temperature": 0.2,
		"max_tokens":  float64(300),
	})
	require.False(t, result.IsError)
	cfg := decode[store.AIConfig](t, result)
	assert.False(t, cfg.IsActive)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)
	assert.Equal(t, 300, cfg.MaxTokens)

	result = env.call(t, ToolUpdateAIConfig, map[string]interface{}{"temperature": 5.0})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrInvalidInput, decode[MCPError](t, result).Code)
}

func TestHandler_GetBridgeStatus(t *testing.T) {
	env := setupTestHandler(t)
	env.slot(t)

	result := env.call(t, ToolGetBridgeStatus, map[string]interface{}{})
	require.False(t, result.IsError)
	status := decode[bridge.Status](t, result)
	assert.Equal(t, 1, status.Connections)
	assert.Zero(t, status.Connected)
}

func TestHandler_DeleteConnection(t *testing.T) {
	env := setupTestHandler(t)
	conn := env.slot(t)
	env.inbound(t, conn.ID, "hello")
	args := map[string]interface{}{"connection_id": float64(conn.ID)}

	require.False(t, env.call(t, ToolDeleteConnection, args).IsError)

	result := env.call(t, ToolDeleteConnection, args)
	assert.True(t, result.IsError)
	assert.Equal(t, ErrNotFound, decode[MCPError](t, result).Code)
}

func TestHandler_Resources(t *testing.T) {
	env := setupTestHandler(t)
	env.slot(t)
	ctx := context.Background()

	assert.Len(t, env.handler.ListResources(ctx), 3)

	res, err := env.handler.ReadResource(ctx, ResourceConnections)
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, "Inbox 1")

	_, err = env.handler.ReadResource(ctx, "inbox://nope")
	assert.ErrorIs(t, err, mcp.ErrResourceNotFound)
}

func TestHandler_HandleUnknownTool(t *testing.T) {
	env := setupTestHandler(t)

	// Unknown tool returns an error result (not a Go error)
	result := env.call(t, "unknown_tool", map[string]interface{}{})
	assert.True(t, result.IsError)
}
