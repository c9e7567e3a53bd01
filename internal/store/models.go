// Package store provides data persistence for the inbox.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
)

// MessageStatus is the delivery status of a message. Values are ordered so a
// status only ever moves forward: Sent < Delivered < Read.
type MessageStatus int

const (
	StatusSent      MessageStatus = 1
	StatusDelivered MessageStatus = 2
	StatusRead      MessageStatus = 3
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON output.
func (s MessageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *MessageStatus) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "sent":
		*s = StatusSent
	case "delivered":
		*s = StatusDelivered
	case "read":
		*s = StatusRead
	default:
		return fmt.Errorf("unknown message status %q", string(b))
	}
	return nil
}

// MediaType is the kind of media attached to a message.
type MediaType string

const (
	MediaNone     MediaType = ""
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
	MediaSticker  MediaType = "sticker"
)

// Category is the operator-visible state of a chat.
type Category string

const (
	CategoryOpen   Category = "open"
	CategoryHuman  Category = "human"
	CategoryClosed Category = "closed"
)

// ParseCategory validates a category name.
func ParseCategory(v string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(v))); c {
	case CategoryOpen, CategoryHuman, CategoryClosed:
		return c, nil
	default:
		return "", fmt.Errorf("unknown chat category %q (must be human, closed, or open)", v)
	}
}

// Connection is the durable record of a connection slot.
type Connection struct {
	ID                 int64       `json:"id"`
	OwnerID            string      `json:"owner_id"`
	DisplayName        string      `json:"display_name"`
	Status             state.State `json:"status"`
	Address            string      `json:"address,omitempty"`
	LastConnectedAt    *time.Time  `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time  `json:"last_disconnected_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Chat is a conversation between one connection and one contact address.
type Chat struct {
	ID                 string     `json:"id"`
	ConnectionID       int64      `json:"connection_id"`
	Address            string     `json:"address"`
	ContactName        string     `json:"contact_name"`
	IsGroup            bool       `json:"is_group"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	TotalMessages      int        `json:"total_messages"`
	UnreadCount        int        `json:"unread_count"`
	IsHumanTakeover    bool       `json:"is_human_takeover"`
	IsClosed           bool       `json:"is_closed"`
	IsAIActive         bool       `json:"is_ai_active"`
	AssignedOperatorID string     `json:"assigned_operator_id,omitempty"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Category derives the chat category from its flags.
func (c *Chat) Category() Category {
	switch {
	case c.IsClosed:
		return CategoryClosed
	case c.IsHumanTakeover:
		return CategoryHuman
	default:
		return CategoryOpen
	}
}

// AcceptsAutoReply reports whether automated replies may be sent in this chat.
func (c *Chat) AcceptsAutoReply() bool {
	return c.IsAIActive && !c.IsHumanTakeover && !c.IsClosed && !c.IsGroup
}

// ChatID derives the chat identifier from a connection and contact address.
func ChatID(connectionID int64, address string) string {
	return fmt.Sprintf("%d:%s", connectionID, address)
}

// ChatSeed carries what is known about a chat when a message arrives.
type ChatSeed struct {
	ConnectionID int64
	Address      string
	ContactName  string
	IsGroup      bool
}

// ID returns the derived chat identifier.
func (s ChatSeed) ID() string {
	return ChatID(s.ConnectionID, s.Address)
}

// Message is one message in a chat.
type Message struct {
	ID                 int64         `json:"id"`
	ChatID             string        `json:"chat_id"`
	TransportID        string        `json:"transport_id"`
	FromMe             bool          `json:"from_me"`
	Text               string        `json:"text,omitempty"`
	HasMedia           bool          `json:"has_media"`
	MediaType          MediaType     `json:"media_type,omitempty"`
	MediaURL           string        `json:"media_url,omitempty"`
	MediaMimeType      string        `json:"media_mime_type,omitempty"`
	MediaCaption       string        `json:"media_caption,omitempty"`
	AudioTranscription string        `json:"audio_transcription,omitempty"`
	Status             MessageStatus `json:"status"`
	SentByAI           bool          `json:"sent_by_ai"`
	Sender             string        `json:"sender,omitempty"`
	SenderName         string        `json:"sender_name,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

// AIConfig is the single persona/model configuration for automated replies.
type AIConfig struct {
	IsActive     bool      `json:"is_active" yaml:"is_active"`
	Model        string    `json:"model" yaml:"model"`
	Temperature  float64   `json:"temperature" yaml:"temperature"`
	MaxTokens    int       `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string    `json:"system_prompt" yaml:"system_prompt"`
	MaxHistory   int       `json:"max_history" yaml:"max_history"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// Transition represents a connection state transition record.
type Transition struct {
	ID           int64       `json:"id"`
	ConnectionID int64       `json:"connection_id"`
	FromState    state.State `json:"from_state"`
	ToState      state.State `json:"to_state"`
	Trigger      string      `json:"trigger"`
	Timestamp    time.Time   `json:"timestamp"`
	Error        string      `json:"error,omitempty"`
}

// ChatFilter narrows ListChats results.
type ChatFilter struct {
	IncludeGroups  bool
	Category       Category // empty means any
	ExcludeAddress string   // typically the connection's own address
	Limit          int
}
