package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
)

// DefaultSystemPrompt seeds the ai_config row on first start.
const DefaultSystemPrompt = `You are a professional and polite virtual assistant.
Be brief and clear, and use emojis occasionally. Address the contact as {name}.

HANDOFF TO A HUMAN:
If the contact asks to talk to a human, expresses frustration, or you do not know the answer,
start your reply with [HANDOFF] and explain that you are transferring the conversation.`

// SQLiteStore implements all repositories using SQLite.
type SQLiteStore struct {
	db          *sql.DB
	Connections *SQLiteConnectionRepo
	Chats       *SQLiteChatRepo
	Messages    *SQLiteMessageRepo
	AIConfig    *SQLiteAIConfigRepo
	Transitions *SQLiteTransitionRepo
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := &SQLiteStore{
		db:          db,
		Connections: &SQLiteConnectionRepo{db: db},
		Chats:       &SQLiteChatRepo{db: db},
		Messages:    &SQLiteMessageRepo{db: db},
		AIConfig:    &SQLiteAIConfigRepo{db: db},
		Transitions: &SQLiteTransitionRepo{db: db},
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func runMigrations(db *sql.DB) error {
	migration := `
	CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'disconnected',
		address TEXT NOT NULL DEFAULT '',
		last_connected_at TIMESTAMP,
		last_disconnected_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_connections_owner ON connections(owner_id);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		connection_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		contact_name TEXT NOT NULL DEFAULT '',
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		last_message_at TIMESTAMP,
		last_message_preview TEXT NOT NULL DEFAULT '',
		total_messages INTEGER NOT NULL DEFAULT 0,
		unread_count INTEGER NOT NULL DEFAULT 0,
		is_human_takeover BOOLEAN NOT NULL DEFAULT FALSE,
		is_closed BOOLEAN NOT NULL DEFAULT FALSE,
		is_ai_active BOOLEAN NOT NULL DEFAULT TRUE,
		assigned_operator_id TEXT NOT NULL DEFAULT '',
		assigned_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chats_connection_last ON chats(connection_id, last_message_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		transport_id TEXT NOT NULL,
		from_me BOOLEAN NOT NULL DEFAULT FALSE,
		text TEXT NOT NULL DEFAULT '',
		has_media BOOLEAN NOT NULL DEFAULT FALSE,
		media_type TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		media_mime_type TEXT NOT NULL DEFAULT '',
		media_caption TEXT NOT NULL DEFAULT '',
		audio_transcription TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 1,
		sent_by_ai BOOLEAN NOT NULL DEFAULT FALSE,
		sender TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		UNIQUE (transport_id, chat_id),
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp ON messages(chat_id, timestamp);

	CREATE TABLE IF NOT EXISTS ai_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		is_active BOOLEAN NOT NULL,
		model TEXT NOT NULL,
		temperature REAL NOT NULL,
		max_tokens INTEGER NOT NULL,
		system_prompt TEXT NOT NULL,
		max_history INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_connection ON transitions(connection_id, timestamp DESC);
	`
	if _, err := db.Exec(migration); err != nil {
		return err
	}

	_, err := db.Exec(`
		INSERT OR IGNORE INTO ai_config (id, is_active, model, temperature, max_tokens, system_prompt, max_history, updated_at)
		VALUES (1, TRUE, 'gpt-4o-mini', 0.7, 1000, ?, 20, ?)`,
		DefaultSystemPrompt, time.Now().UTC(),
	)
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// SQLiteConnectionRepo implements ConnectionRepository.
type SQLiteConnectionRepo struct {
	db *sql.DB
}

const connectionColumns = `id, owner_id, display_name, status, address, last_connected_at, last_disconnected_at, created_at, updated_at`

func (r *SQLiteConnectionRepo) Create(ctx context.Context, conn *Connection) error {
	now := time.Now().UTC()
	if conn.Status == "" {
		conn.Status = state.StateDisconnected
	}
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO connections (owner_id, display_name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		conn.OwnerID, conn.DisplayName, string(conn.Status), now, now,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	conn.ID = id
	conn.CreatedAt = now
	conn.UpdatedAt = now
	return nil
}

func (r *SQLiteConnectionRepo) Get(ctx context.Context, id int64) (*Connection, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+connectionColumns+" FROM connections WHERE id = ?", id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conn, err
}

// List returns the connections of one owner, or every connection when
// ownerID is empty.
func (r *SQLiteConnectionRepo) List(ctx context.Context, ownerID string) ([]Connection, error) {
	query := "SELECT " + connectionColumns + " FROM connections"
	var args []any
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

func (r *SQLiteConnectionRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM connections WHERE owner_id = ?", ownerID).Scan(&count)
	return count, err
}

func (r *SQLiteConnectionRepo) Rename(ctx context.Context, id int64, name string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE connections SET display_name = ?, updated_at = ? WHERE id = ?", name, time.Now().UTC(), id)
	return expectRow(res, err)
}

// SaveStatus mirrors the live status. Reaching Connected stamps
// last_connected_at, reaching Disconnected stamps last_disconnected_at and
// clears the resolved address.
func (r *SQLiteConnectionRepo) SaveStatus(ctx context.Context, id int64, s state.State, at time.Time) error {
	at = at.UTC()
	var err error
	switch s {
	case state.StateConnected:
		_, err = r.db.ExecContext(ctx,
			"UPDATE connections SET status = ?, last_connected_at = ?, updated_at = ? WHERE id = ?",
			string(s), at, at, id)
	case state.StateDisconnected:
		_, err = r.db.ExecContext(ctx,
			"UPDATE connections SET status = ?, address = '', last_disconnected_at = ?, updated_at = ? WHERE id = ?",
			string(s), at, at, id)
	default:
		_, err = r.db.ExecContext(ctx,
			"UPDATE connections SET status = ?, updated_at = ? WHERE id = ?",
			string(s), at, id)
	}
	return err
}

// SetIdentity records the account a connection is signed in as. An empty
// displayName keeps the stored one.
func (r *SQLiteConnectionRepo) SetIdentity(ctx context.Context, id int64, address, displayName string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE connections SET address = ?, display_name = COALESCE(NULLIF(?, ''), display_name), updated_at = ? WHERE id = ?",
		address, strings.TrimSpace(displayName), time.Now().UTC(), id)
	return err
}

// Delete removes the connection and, through foreign keys, its chats and messages.
func (r *SQLiteConnectionRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	return expectRow(res, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var conn Connection
	var status string
	var lastConnected, lastDisconnected sql.NullTime
	err := row.Scan(&conn.ID, &conn.OwnerID, &conn.DisplayName, &status, &conn.Address,
		&lastConnected, &lastDisconnected, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conn.Status = state.ParseState(status)
	conn.LastConnectedAt = nullTime(lastConnected)
	conn.LastDisconnectedAt = nullTime(lastDisconnected)
	return &conn, nil
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SQLiteChatRepo implements ChatRepository.
type SQLiteChatRepo struct {
	db *sql.DB
}

const chatColumns = `id, connection_id, address, contact_name, is_group, last_message_at, last_message_preview,
	total_messages, unread_count, is_human_takeover, is_closed, is_ai_active, assigned_operator_id, assigned_at, created_at`

func (r *SQLiteChatRepo) Get(ctx context.Context, id string) (*Chat, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", id)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return chat, err
}

// List returns a connection's chats, most recent activity first.
func (r *SQLiteChatRepo) List(ctx context.Context, connectionID int64, filter ChatFilter) ([]Chat, error) {
	var where []string
	args := []any{connectionID}
	where = append(where, "connection_id = ?")

	if !filter.IncludeGroups {
		where = append(where, "is_group = FALSE")
	}
	if filter.ExcludeAddress != "" {
		where = append(where, "address != ?")
		args = append(args, filter.ExcludeAddress)
	}
	switch filter.Category {
	case CategoryClosed:
		where = append(where, "is_closed = TRUE")
	case CategoryHuman:
		where = append(where, "is_closed = FALSE AND is_human_takeover = TRUE")
	case CategoryOpen:
		where = append(where, "is_closed = FALSE AND is_human_takeover = FALSE")
	}

	query := "SELECT " + chatColumns + " FROM chats WHERE " + strings.Join(where, " AND ") +
		" ORDER BY last_message_at IS NULL, last_message_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

// SetCategory moves a chat between open, human and closed. Automated replies
// are only active in the open category.
func (r *SQLiteChatRepo) SetCategory(ctx context.Context, id string, c Category, operatorID string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	switch c {
	case CategoryHuman:
		res, err = r.db.ExecContext(ctx, `
			UPDATE chats SET is_human_takeover = TRUE, is_closed = FALSE, is_ai_active = FALSE,
				assigned_operator_id = CASE WHEN ? != '' THEN ? ELSE assigned_operator_id END,
				assigned_at = CASE WHEN ? != '' THEN ? ELSE assigned_at END
			WHERE id = ?`,
			operatorID, operatorID, operatorID, at.UTC(), id)
	case CategoryClosed:
		res, err = r.db.ExecContext(ctx,
			"UPDATE chats SET is_closed = TRUE, is_ai_active = FALSE WHERE id = ?", id)
	case CategoryOpen:
		res, err = r.db.ExecContext(ctx, `
			UPDATE chats SET is_human_takeover = FALSE, is_closed = FALSE, is_ai_active = TRUE,
				assigned_operator_id = '', assigned_at = NULL
			WHERE id = ?`, id)
	default:
		return fmt.Errorf("unknown chat category %q", c)
	}
	return expectRow(res, err)
}

func (r *SQLiteChatRepo) MarkRead(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE chats SET unread_count = 0 WHERE id = ?", id)
	return expectRow(res, err)
}

func scanChat(row rowScanner) (*Chat, error) {
	var chat Chat
	var lastMessageAt, assignedAt sql.NullTime
	err := row.Scan(&chat.ID, &chat.ConnectionID, &chat.Address, &chat.ContactName, &chat.IsGroup,
		&lastMessageAt, &chat.LastMessagePreview, &chat.TotalMessages, &chat.UnreadCount,
		&chat.IsHumanTakeover, &chat.IsClosed, &chat.IsAIActive, &chat.AssignedOperatorID, &assignedAt, &chat.CreatedAt)
	if err != nil {
		return nil, err
	}
	chat.LastMessageAt = nullTime(lastMessageAt)
	chat.AssignedAt = nullTime(assignedAt)
	return &chat, nil
}

// SQLiteMessageRepo implements MessageRepository.
type SQLiteMessageRepo struct {
	db *sql.DB
}

const messageColumns = `id, chat_id, transport_id, from_me, text, has_media, media_type, media_url, media_mime_type,
	media_caption, audio_transcription, status, sent_by_ai, sender, sender_name, timestamp`

func (r *SQLiteMessageRepo) Get(ctx context.Context, chatID, transportID string) (*Message, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? AND transport_id = ?", chatID, transportID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// List returns every message of a chat in ascending timestamp order.
func (r *SQLiteMessageRepo) List(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? ORDER BY timestamp ASC, id ASC", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LatestAI returns the most recent automated reply in a chat.
func (r *SQLiteMessageRepo) LatestAI(ctx context.Context, chatID string) (*Message, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? AND sent_by_ai = TRUE ORDER BY timestamp DESC, id DESC LIMIT 1", chatID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// InboundAfter returns inbound messages strictly newer than after, oldest first.
func (r *SQLiteMessageRepo) InboundAfter(ctx context.Context, chatID string, after time.Time) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? AND from_me = FALSE AND timestamp > ? ORDER BY timestamp ASC, id ASC",
		chatID, after.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Before returns up to limit messages strictly older than before, oldest first.
func (r *SQLiteMessageRepo) Before(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? AND timestamp < ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		chatID, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AdvanceStatus moves the status of the given messages forward. Messages
// already at or beyond s are left untouched.
func (r *SQLiteMessageRepo) AdvanceStatus(ctx context.Context, chatID string, transportIDs []string, s MessageStatus) (int64, error) {
	if len(transportIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(transportIDs)), ",")
	args := []any{int(s), chatID}
	for _, id := range transportIDs {
		args = append(args, id)
	}
	args = append(args, int(s))

	res, err := r.db.ExecContext(ctx,
		"UPDATE messages SET status = ? WHERE chat_id = ? AND transport_id IN ("+placeholders+") AND status < ?",
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var mediaType string
	var status int
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.TransportID, &msg.FromMe, &msg.Text, &msg.HasMedia, &mediaType,
		&msg.MediaURL, &msg.MediaMimeType, &msg.MediaCaption, &msg.AudioTranscription, &status, &msg.SentByAI,
		&msg.Sender, &msg.SenderName, &msg.Timestamp)
	if err != nil {
		return nil, err
	}
	msg.MediaType = MediaType(mediaType)
	msg.Status = MessageStatus(status)
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// SQLiteAIConfigRepo implements AIConfigRepository.
type SQLiteAIConfigRepo struct {
	db *sql.DB
}

func (r *SQLiteAIConfigRepo) Get(ctx context.Context) (*AIConfig, error) {
	var cfg AIConfig
	err := r.db.QueryRowContext(ctx,
		"SELECT is_active, model, temperature, max_tokens, system_prompt, max_history, updated_at FROM ai_config WHERE id = 1",
	).Scan(&cfg.IsActive, &cfg.Model, &cfg.Temperature, &cfg.MaxTokens, &cfg.SystemPrompt, &cfg.MaxHistory, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *SQLiteAIConfigRepo) Save(ctx context.Context, cfg *AIConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ai_config (id, is_active, model, temperature, max_tokens, system_prompt, max_history, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_active = excluded.is_active,
			model = excluded.model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			system_prompt = excluded.system_prompt,
			max_history = excluded.max_history,
			updated_at = excluded.updated_at`,
		cfg.IsActive, cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.SystemPrompt, cfg.MaxHistory, cfg.UpdatedAt,
	)
	return err
}

// SQLiteTransitionRepo implements TransitionRepository.
type SQLiteTransitionRepo struct {
	db *sql.DB
}

func (r *SQLiteTransitionRepo) Log(ctx context.Context, connectionID int64, from, to state.State, trigger, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO transitions (connection_id, from_state, to_state, trigger, timestamp, error) VALUES (?, ?, ?, ?, ?, ?)",
		connectionID, string(from), string(to), trigger, time.Now().UTC(), errMsg,
	)
	return err
}

func (r *SQLiteTransitionRepo) History(ctx context.Context, connectionID int64, limit int) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, connection_id, from_state, to_state, trigger, timestamp, error FROM transitions WHERE connection_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		connectionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.ConnectionID, &from, &to, &t.Trigger, &t.Timestamp, &t.Error); err != nil {
			return nil, err
		}
		t.FromState = state.State(from)
		t.ToState = state.State(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// Prune deletes transitions recorded before olderThan.
func (r *SQLiteTransitionRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM transitions WHERE timestamp < ?", olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
