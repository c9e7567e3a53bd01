package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PreviewLength is the maximum number of runes kept as a chat preview.
const PreviewLength = 100

// Preview returns the chat list preview for a message.
func (m *Message) Preview() string {
	text := m.Text
	if text == "" {
		text = "[Media]"
	}
	runes := []rune(text)
	if len(runes) > PreviewLength {
		return string(runes[:PreviewLength])
	}
	return text
}

// RecordMessage stores a message and keeps the owning chat in step, in one
// transaction.
//
// The chat row is created on first sight. A message seen for the first time
// is inserted and bumps the chat counters (unread only for inbound). A
// message already stored under the same (transport_id, chat_id) only has its
// status advanced and missing media backfilled; counters are not touched.
// msg.ID is set to the row id in both cases.
func (s *SQLiteStore) RecordMessage(ctx context.Context, seed ChatSeed, msg *Message) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	chatID := seed.ID()
	msg.ChatID = chatID
	if msg.Status == 0 {
		msg.Status = StatusSent
	}
	ts := msg.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msg.Timestamp = ts

	name := seed.ContactName
	if name == "" {
		name = seed.Address
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, connection_id, address, contact_name, is_group, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			contact_name = CASE WHEN chats.contact_name IN ('', chats.address) THEN excluded.contact_name ELSE chats.contact_name END`,
		chatID, seed.ConnectionID, seed.Address, name, seed.IsGroup, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert chat: %w", err)
	}

	var existingID int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM messages WHERE transport_id = ? AND chat_id = ?", msg.TransportID, chatID,
	).Scan(&existingID)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET
				status = MAX(status, ?),
				has_media = has_media OR ?,
				media_type = CASE WHEN media_type = '' THEN ? ELSE media_type END,
				media_url = CASE WHEN media_url = '' THEN ? ELSE media_url END,
				media_mime_type = CASE WHEN media_mime_type = '' THEN ? ELSE media_mime_type END
			WHERE id = ?`,
			int(msg.Status), msg.HasMedia, string(msg.MediaType), msg.MediaURL, msg.MediaMimeType, existingID,
		)
		if err != nil {
			return false, fmt.Errorf("update message: %w", err)
		}
		msg.ID = existingID
		return false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("lookup message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (chat_id, transport_id, from_me, text, has_media, media_type, media_url, media_mime_type,
			media_caption, audio_transcription, status, sent_by_ai, sender, sender_name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chatID, msg.TransportID, msg.FromMe, msg.Text, msg.HasMedia, string(msg.MediaType), msg.MediaURL,
		msg.MediaMimeType, msg.MediaCaption, msg.AudioTranscription, int(msg.Status), msg.SentByAI,
		msg.Sender, msg.SenderName, ts,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return false, err
	}

	unread := 0
	if !msg.FromMe {
		unread = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET
			last_message_preview = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_preview END,
			last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_at END,
			total_messages = total_messages + 1,
			unread_count = unread_count + ?
		WHERE id = ?`,
		ts, msg.Preview(), ts, ts, unread, chatID,
	)
	if err != nil {
		return false, fmt.Errorf("update chat counters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
