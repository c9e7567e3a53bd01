package transport

import (
	"strings"
	"time"
)

// EventType represents the type of transport event.
type EventType int

const (
	EventChallenge EventType = iota
	EventOpened
	EventClosed
	EventMessage
	EventReceipt
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventChallenge:
		return "challenge"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventMessage:
		return "message"
	case EventReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// Event represents a transport event.
type Event struct {
	Type      EventType
	Payload   any
	Timestamp time.Time
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(t EventType, payload any) Event {
	return Event{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// CloseReason classifies why a session closed.
type CloseReason string

const (
	CloseLoggedOut          CloseReason = "logged_out"
	CloseInvalidCredentials CloseReason = "invalid_credentials"
	CloseConnectionLost     CloseReason = "connection_lost"
	CloseReplaced           CloseReason = "replaced"
	CloseBanned             CloseReason = "banned"
	CloseOther              CloseReason = "other"

	// Local reasons, never reported by a transport.
	CloseRequested CloseReason = "requested"
	CloseTimeout   CloseReason = "credential_timeout"
	CloseShutdown  CloseReason = "shutdown"
)

func (r CloseReason) String() string {
	return string(r)
}

// ChallengePayload carries a pairing challenge to be shown to the operator.
type ChallengePayload struct {
	Code string
}

// OpenedPayload is sent once the session is authenticated.
type OpenedPayload struct {
	Address     string
	DisplayName string
}

// ClosedPayload is sent when the session terminates.
type ClosedPayload struct {
	Reason CloseReason
	Detail string
}

// DeliveryStatus is the transport-reported status of a message.
type DeliveryStatus int

const (
	DeliverySent DeliveryStatus = iota + 1
	DeliveryDelivered
	DeliveryRead
)

// MediaKind is the kind of media attached to an inbound message.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// MediaRef describes a media attachment without its payload.
type MediaRef struct {
	Kind     MediaKind
	MimeType string
	Caption  string
	FileName string
}

// InboundMessage is a message observed on the session, sent by the contact
// or by this account from another device.
type InboundMessage struct {
	ID        string
	Chat      string
	Sender    string
	PushName  string
	FromMe    bool
	IsGroup   bool
	Text      string
	Media     *MediaRef
	Status    DeliveryStatus
	Timestamp time.Time
	// Raw is the transport-specific message, used by FetchMedia.
	Raw any
}

// ReceiptPayload reports a status change for messages in a chat.
type ReceiptPayload struct {
	Chat       string
	MessageIDs []string
	Status     DeliveryStatus
}

// IsGroupAddress reports whether an address designates a group chat.
func IsGroupAddress(address string) bool {
	return strings.HasSuffix(address, "@g.us")
}
