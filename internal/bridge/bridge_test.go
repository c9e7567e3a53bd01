package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/autoreply"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/fault"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/health"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/ingest"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/pubsub"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport/transporttest"
)

const (
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
	self     = "5511999990000@s.whatsapp.net"
	customer = "5511988887777@s.whatsapp.net"
)

type fixture struct {
	db        *store.SQLiteStore
	creds     *credentials.MemoryStore
	factory   *transporttest.Factory
	reg       *registry.Registry
	engine    *autoreply.Engine
	monitor   *health.Monitor
	publisher *pubsub.Memory
	bridge    *Bridge
}

func setupBridge(t *testing.T) *fixture {
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:        db,
		creds:     credentials.NewMemoryStore(),
		factory:   transporttest.NewFactory(),
		monitor:   health.NewMonitor(health.Config{MaxRetries: 1}, nil),
		publisher: &pubsub.Memory{},
	}
	f.reg = registry.New(registry.Config{}, db.Connections, db.Transitions, f.creds, f.factory, nil)
	pipeline := ingest.New(ingest.Deps{Recorder: db, Messages: db.Messages, Stats: f.monitor, Publisher: f.publisher}, nil, nil)
	f.engine = autoreply.New(autoreply.Config{DebounceWindow: time.Hour}, autoreply.Deps{
		Chats:     db.Chats,
		Messages:  db.Messages,
		AIConfig:  db.AIConfig,
		Sender:    f.reg,
		Outbound:  pipeline,
		Publisher: f.publisher,
	}, nil)
	f.bridge = New(Deps{
		Store:     db,
		Registry:  f.reg,
		Engine:    f.engine,
		Outbound:  pipeline,
		Monitor:   f.monitor,
		Publisher: f.publisher,
	}, nil)

	t.Cleanup(func() {
		f.engine.Stop()
		f.monitor.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.reg.Shutdown(ctx)
	})
	return f
}

func (f *fixture) slot(t *testing.T) *store.Connection {
	conn, err := f.bridge.CreateConnection(context.Background(), "owner-1", "")
	require.NoError(t, err)
	return conn
}

func (f *fixture) open(t *testing.T, id int64) *transporttest.FakeSession {
	_, err := f.bridge.Connect(context.Background(), id)
	require.NoError(t, err)
	sess := f.factory.Last(id)
	require.NotNil(t, sess)
	sess.SimulateOpened(self, "Shop")
	require.Eventually(t, func() bool { return f.reg.IsConnected(id) }, waitFor, tick)
	return sess
}

func (f *fixture) inbound(t *testing.T, connID int64, address, id, text string) string {
	seed := store.ChatSeed{ConnectionID: connID, Address: address, ContactName: "Maria", IsGroup: transport.IsGroupAddress(address)}
	msg := &store.Message{TransportID: id, Text: text, Status: store.StatusDelivered, Timestamp: time.Now()}
	_, err := f.db.RecordMessage(context.Background(), seed, msg)
	require.NoError(t, err)
	return seed.ID()
}

func TestBridge_CreateConnection(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()

	first, err := f.bridge.CreateConnection(ctx, "owner-1", "")
	require.NoError(t, err)
	assert.Equal(t, "Inbox 1", first.DisplayName)
	assert.Equal(t, state.StateDisconnected, first.Status)

	second, err := f.bridge.CreateConnection(ctx, "owner-1", "  ")
	require.NoError(t, err)
	assert.Equal(t, "Inbox 2", second.DisplayName)

	other, err := f.bridge.CreateConnection(ctx, "owner-2", "")
	require.NoError(t, err)
	assert.Equal(t, "Inbox 1", other.DisplayName)

	named, err := f.bridge.CreateConnection(ctx, "owner-1", "Sales")
	require.NoError(t, err)
	assert.Equal(t, "Sales", named.DisplayName)

	_, err = f.bridge.CreateConnection(ctx, "", "x")
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))

	conns, err := f.bridge.ListConnections(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, conns, 3)

	all, err := f.bridge.ListConnections(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBridge_RenameConnection(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)

	require.NoError(t, f.bridge.RenameConnection(ctx, conn.ID, "Support"))
	got, err := f.db.Connections.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Support", got.DisplayName)

	assert.Equal(t, fault.InvalidInput, fault.KindOf(f.bridge.RenameConnection(ctx, conn.ID, "")))
	assert.Equal(t, fault.NotFound, fault.KindOf(f.bridge.RenameConnection(ctx, 999, "x")))
}

func TestBridge_ConnectLifecycle(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)

	challenge, err := f.bridge.Connect(ctx, conn.ID)
	require.NoError(t, err)
	assert.Nil(t, challenge)

	f.factory.Last(conn.ID).SimulateChallenge("2@pairing-code")
	require.Eventually(t, func() bool {
		st, err := f.bridge.Status(ctx, conn.ID)
		return err == nil && st.Challenge != nil
	}, waitFor, tick)

	challenge, err = f.bridge.Connect(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, challenge)
	assert.Equal(t, "2@pairing-code", challenge.Code)

	f.factory.Last(conn.ID).SimulateOpened(self, "Shop")
	require.Eventually(t, func() bool {
		st, err := f.bridge.Status(ctx, conn.ID)
		return err == nil && st.State == state.StateConnected
	}, waitFor, tick)

	st, err := f.bridge.Status(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, self, st.Address)
	assert.Nil(t, st.Challenge)
	require.Eventually(t, func() bool {
		stored, err := f.db.Connections.Get(ctx, conn.ID)
		return err == nil && stored.DisplayName == "Shop" && stored.Address == self
	}, waitFor, tick)

	require.Eventually(t, func() bool { return len(f.publisher.Events(pubsub.KeyConnectionStatus)) == 2 }, waitFor, tick)
	events := f.publisher.Events(pubsub.KeyConnectionStatus)
	last, ok := events[1].Envelope.Data.(ConnectionEvent)
	require.True(t, ok)
	assert.Equal(t, state.StateConnected, last.Status)
	assert.Equal(t, "owner-1", last.OwnerID)

	require.NoError(t, f.bridge.Disconnect(ctx, conn.ID))
	st, err = f.bridge.Status(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateDisconnected, st.State)
	assert.Equal(t, 1, f.creds.PurgeCount(conn.ID))
}

func TestBridge_UnknownConnection(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()

	_, err := f.bridge.Connect(ctx, 42)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
	assert.ErrorIs(t, err, registry.ErrUnknownConnection)

	_, err = f.bridge.Status(ctx, 42)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	assert.Equal(t, fault.NotFound, fault.KindOf(f.bridge.Disconnect(ctx, 42)))
	assert.Equal(t, fault.NotFound, fault.KindOf(f.bridge.DeleteConnection(ctx, 42)))

	_, err = f.bridge.ListChats(ctx, 42, ChatQuery{})
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestBridge_ListChatsExcludesSelf(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	f.open(t, conn.ID)

	f.inbound(t, conn.ID, self, "S1", "note to self")
	f.inbound(t, conn.ID, customer, "C1", "hello")
	f.inbound(t, conn.ID, "120363000000000000@g.us", "G1", "group hello")

	chats, err := f.bridge.ListChats(ctx, conn.ID, ChatQuery{})
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, customer, chats[0].Address)

	chats, err = f.bridge.ListChats(ctx, conn.ID, ChatQuery{IncludeGroups: true})
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	_, err = f.bridge.ListChats(ctx, conn.ID, ChatQuery{Category: "archived"})
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))
}

func TestBridge_ListChatsByCategory(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)

	open := f.inbound(t, conn.ID, customer, "C1", "hello")
	human := f.inbound(t, conn.ID, "5511977776666@s.whatsapp.net", "C2", "hi")
	_, err := f.bridge.SetChatCategory(ctx, human, "human", "op-1")
	require.NoError(t, err)

	chats, err := f.bridge.ListChats(ctx, conn.ID, ChatQuery{Category: "human"})
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, human, chats[0].ID)

	chats, err = f.bridge.ListChats(ctx, conn.ID, ChatQuery{Category: "open"})
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, open, chats[0].ID)
}

func TestBridge_ListMessages(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)

	chatID := f.inbound(t, conn.ID, customer, "C1", "first")
	f.inbound(t, conn.ID, customer, "C2", "second")

	msgs, err := f.bridge.ListMessages(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)

	_, err = f.bridge.ListMessages(ctx, "1:nobody@s.whatsapp.net")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestBridge_SendMessageTakesOver(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	sess := f.open(t, conn.ID)

	chatID := f.inbound(t, conn.ID, customer, "C1", "hello")
	f.engine.Schedule(conn.ID, chatID)
	require.True(t, f.engine.Pending(chatID))

	msg, err := f.bridge.SendMessage(ctx, conn.ID, chatID, "Hi Maria, João here.", "op-1")
	require.NoError(t, err)
	assert.True(t, msg.FromMe)
	assert.False(t, msg.SentByAI)
	assert.Equal(t, store.StatusSent, msg.Status)

	assert.False(t, f.engine.Pending(chatID))
	sent := sess.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, customer, sent[0].To)
	assert.Equal(t, "Hi Maria, João here.", sent[0].Text)

	chat, err := f.db.Chats.Get(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, store.CategoryHuman, chat.Category())
	assert.Equal(t, "op-1", chat.AssignedOperatorID)
	assert.Equal(t, 2, chat.TotalMessages)

	assert.Len(t, f.publisher.Events(pubsub.KeyChatCategory), 1)
	assert.Len(t, f.publisher.Events(pubsub.KeyMessageSent), 1)
	assert.Equal(t, int64(1), f.monitor.Connection(conn.ID).MessagesSent)
}

func TestBridge_SendMessageRequiresConnection(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	chatID := f.inbound(t, conn.ID, customer, "C1", "hello")

	_, err := f.bridge.SendMessage(ctx, conn.ID, chatID, "hi", "op-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotConnected)
	assert.Equal(t, fault.TransientNetwork, fault.KindOf(err))

	chat, err := f.db.Chats.Get(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, store.CategoryOpen, chat.Category())
}

func TestBridge_SendMessageValidation(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	other := f.slot(t)
	chatID := f.inbound(t, conn.ID, customer, "C1", "hello")

	_, err := f.bridge.SendMessage(ctx, conn.ID, chatID, "  ", "")
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))

	_, err = f.bridge.SendMessage(ctx, other.ID, chatID, "hi", "")
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))

	_, err = f.bridge.SendMessage(ctx, conn.ID, "1:ghost@s.whatsapp.net", "hi", "")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestBridge_SetChatCategory(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	chatID := f.inbound(t, conn.ID, customer, "C1", "hello")

	chat, err := f.bridge.SetChatCategory(ctx, chatID, "human", "op-2")
	require.NoError(t, err)
	assert.True(t, chat.IsHumanTakeover)
	assert.False(t, chat.IsAIActive)
	assert.Equal(t, "op-2", chat.AssignedOperatorID)

	f.engine.Schedule(conn.ID, chatID)
	assert.False(t, f.engine.Pending(chatID))

	chat, err = f.bridge.SetChatCategory(ctx, chatID, "closed", "")
	require.NoError(t, err)
	assert.True(t, chat.IsClosed)
	assert.False(t, chat.IsAIActive)

	chat, err = f.bridge.SetChatCategory(ctx, chatID, "OPEN", "")
	require.NoError(t, err)
	assert.False(t, chat.IsHumanTakeover)
	assert.False(t, chat.IsClosed)
	assert.True(t, chat.IsAIActive)
	assert.Empty(t, chat.AssignedOperatorID)

	f.engine.Schedule(conn.ID, chatID)
	assert.True(t, f.engine.Pending(chatID))
	_, err = f.bridge.SetChatCategory(ctx, chatID, "closed", "")
	require.NoError(t, err)
	assert.False(t, f.engine.Pending(chatID))

	assert.Len(t, f.publisher.Events(pubsub.KeyChatCategory), 4)

	_, err = f.bridge.SetChatCategory(ctx, chatID, "snoozed", "")
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))
	_, err = f.bridge.SetChatCategory(ctx, "1:ghost@s.whatsapp.net", "open", "")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestBridge_MarkChatRead(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	chatID := f.inbound(t, conn.ID, customer, "C1", "hello")
	f.inbound(t, conn.ID, customer, "C2", "anyone?")

	chat, err := f.db.Chats.Get(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, chat.UnreadCount)

	require.NoError(t, f.bridge.MarkChatRead(ctx, chatID))
	chat, err = f.db.Chats.Get(ctx, chatID)
	require.NoError(t, err)
	assert.Zero(t, chat.UnreadCount)

	assert.Equal(t, fault.NotFound, fault.KindOf(f.bridge.MarkChatRead(ctx, "1:ghost@s.whatsapp.net")))
}

func TestBridge_DeleteConnection(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	f.creds.Put(conn.ID)
	sess := f.open(t, conn.ID)
	chatID := f.inbound(t, conn.ID, customer, "C1", "hello")

	require.NoError(t, f.bridge.DeleteConnection(ctx, conn.ID))

	assert.True(t, sess.IsClosed())
	assert.Equal(t, 1, sess.Logouts())
	assert.False(t, f.creds.Has(conn.ID))
	assert.Empty(t, f.reg.LiveIDs())

	_, err := f.db.Connections.Get(ctx, conn.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.db.Chats.Get(ctx, chatID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBridge_AIConfig(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()

	cfg, err := f.bridge.GetAIConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.IsActive)

	inactive := false
	temp := 0.2
	cfg, err = f.bridge.UpdateAIConfig(ctx, AIConfigUpdate{IsActive: &inactive, Temperature: &temp})
	require.NoError(t, err)
	assert.False(t, cfg.IsActive)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)

	stored, err := f.db.AIConfig.Get(ctx)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	tooHot := 3.0
	_, err = f.bridge.UpdateAIConfig(ctx, AIConfigUpdate{Temperature: &tooHot})
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))

	empty := " "
	_, err = f.bridge.UpdateAIConfig(ctx, AIConfigUpdate{SystemPrompt: &empty})
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))
}

func TestBridge_SeedAIConfig(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: gpt-4o
max_history: 12
system_prompt: |
  You are the assistant of a bakery. Call the contact {name}.
`), 0o600))

	cfg, err := f.bridge.SeedAIConfig(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 12, cfg.MaxHistory)
	assert.Contains(t, cfg.SystemPrompt, "bakery")
	assert.True(t, cfg.IsActive)
	assert.Equal(t, 1000, cfg.MaxTokens)
}

func TestParseAIConfig_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseAIConfig([]byte("persona: hello\n"))
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))
}

func TestBridge_BridgeStatus(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	f.slot(t)
	f.open(t, conn.ID)

	st, err := f.bridge.BridgeStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Connections)
	assert.Equal(t, 1, st.Connected)
	require.Len(t, st.Live, 1)
	assert.Equal(t, conn.ID, st.Live[0].ConnectionID)
	assert.True(t, st.AIActive)
	require.NotNil(t, st.Health)

	snapshot, err := f.bridge.Health(ctx)
	require.NoError(t, err)
	assert.IsType(t, &Status{}, snapshot)
}

func TestBridge_ConnectionHistory(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	f.open(t, conn.ID)

	require.Eventually(t, func() bool {
		h, err := f.bridge.ConnectionHistory(ctx, conn.ID, 0)
		return err == nil && len(h) == 2
	}, waitFor, tick)

	history, err := f.bridge.ConnectionHistory(ctx, conn.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, state.StateConnected, history[0].ToState)

	_, err = f.bridge.ConnectionHistory(ctx, 999, 10)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestBridge_DisconnectCancelsRepliesEvenWhenPersistFails(t *testing.T) {
	f := setupBridge(t)
	ctx := context.Background()
	conn := f.slot(t)
	f.open(t, conn.ID)
	chatID := f.inbound(t, conn.ID, customer, "N1", "hello")

	f.engine.Schedule(conn.ID, chatID)
	require.True(t, f.engine.Pending(chatID))

	require.NoError(t, f.db.Close())
	assert.Error(t, f.bridge.Disconnect(ctx, conn.ID))
	assert.False(t, f.engine.Pending(chatID))
}
