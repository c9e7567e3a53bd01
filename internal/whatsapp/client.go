// Package whatsapp implements the chat transport on top of whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
)

// Common errors
var (
	ErrNotLoggedIn      = errors.New("not logged in")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

const eventBuffer = 100

// Factory opens one whatsmeow client per connection, each backed by its own
// session database at the credentials location.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a whatsmeow transport factory.
func NewFactory(log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{log: log}
}

var _ transport.Factory = (*Factory)(nil)

// Open implements transport.Factory. Without stored credentials the client
// starts pairing and reports QR codes as challenges.
func (f *Factory) Open(ctx context.Context, creds credentials.Credentials) (transport.Session, error) {
	if creds.Location == "" {
		return nil, errors.New("credentials location is required")
	}
	if err := os.MkdirAll(filepath.Dir(creds.Location), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	log := f.log.With("connection", creds.ConnectionID)
	dbLog := &slogAdapter{log: log.With("component", "whatsmeow-db")}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", creds.Location), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}

	s := &Session{
		container: container,
		log:       log,
		events:    make(chan transport.Event, eventBuffer),
		done:      make(chan struct{}),
	}
	s.client = whatsmeow.NewClient(deviceStore, &slogAdapter{log: log.With("component", "whatsmeow")})
	// Reconnects are driven by the supervisor so every attempt goes through
	// the connection state machine.
	s.client.EnableAutoReconnect = false
	s.client.AddEventHandler(s.handleEvent)

	if s.client.Store.ID == nil {
		log.Info("No session found, QR code required")
	}
	if err := s.client.Connect(); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return s, nil
}

// Session is a live whatsmeow client.
type Session struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	log       *slog.Logger

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Session = (*Session)(nil)

func (s *Session) Events() <-chan transport.Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) emit(t transport.EventType, payload any) {
	select {
	case <-s.done:
	case s.events <- transport.NewEvent(t, payload):
	}
}

// handleEvent translates whatsmeow events into transport events.
func (s *Session) handleEvent(evt interface{}) {
	s.log.Debug("WhatsApp event", "type", fmt.Sprintf("%T", evt))

	switch e := evt.(type) {
	case *events.QR:
		// Only the first code is currently valid; whatsmeow fires a new
		// event on rotation.
		if len(e.Codes) > 0 {
			s.emit(transport.EventChallenge, transport.ChallengePayload{Code: e.Codes[0]})
		}
	case *events.PairSuccess:
		s.log.Info("Pairing successful", "jid", e.ID.String())
	case *events.Connected:
		if s.client.Store.ID == nil {
			return
		}
		s.emit(transport.EventOpened, transport.OpenedPayload{
			Address:     s.client.Store.ID.ToNonAD().String(),
			DisplayName: s.client.Store.PushName,
		})
	case *events.Message:
		if msg := convertMessage(e); msg != nil {
			s.emit(transport.EventMessage, msg)
		}
	case *events.Receipt:
		if p, ok := convertReceipt(e); ok {
			s.emit(transport.EventReceipt, p)
		}
	default:
		if p, ok := closeReason(evt); ok {
			s.log.Info("WhatsApp session closed", "reason", p.Reason, "detail", p.Detail)
			s.emit(transport.EventClosed, p)
		}
	}
}

// Send sends a plain-text message.
func (s *Session) Send(ctx context.Context, to, text string) (transport.SentMessage, error) {
	select {
	case <-s.done:
		return transport.SentMessage{}, transport.ErrSessionClosed
	default:
	}
	if s.client.Store.ID == nil {
		return transport.SentMessage{}, ErrNotLoggedIn
	}

	recipient, err := parseRecipient(to)
	if err != nil {
		return transport.SentMessage{}, err
	}
	resp, err := s.client.SendMessage(ctx, recipient, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return transport.SentMessage{}, fmt.Errorf("failed to send message: %w", err)
	}
	return transport.SentMessage{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// FetchMedia downloads and decrypts the payload of an inbound message.
func (s *Session) FetchMedia(ctx context.Context, msg *transport.InboundMessage) ([]byte, error) {
	if msg.Media == nil {
		return nil, transport.ErrNoMedia
	}
	raw, ok := msg.Raw.(*waE2E.Message)
	if !ok {
		return nil, transport.ErrNoMedia
	}
	d := downloadable(raw)
	if d == nil {
		return nil, transport.ErrNoMedia
	}
	data, err := s.client.Download(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}

// Logout unlinks this device from the account.
func (s *Session) Logout(ctx context.Context) error {
	if s.client.Store.ID == nil {
		return nil
	}
	return s.client.Logout(ctx)
}

// Close disconnects and releases the session database.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.Disconnect()
		s.closeErr = s.container.Close()
	})
	return s.closeErr
}

var nonDigits = regexp.MustCompile(`[^\d]`)

// parseRecipient accepts a full address or a bare phone number.
func parseRecipient(to string) (types.JID, error) {
	if to == "" {
		return types.JID{}, ErrInvalidRecipient
	}
	if !strings.Contains(to, "@") {
		phone := nonDigits.ReplaceAllString(to, "")
		if phone == "" {
			return types.JID{}, ErrInvalidRecipient
		}
		return types.NewJID(phone, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if jid.User == "" {
		return types.JID{}, ErrInvalidRecipient
	}
	return jid, nil
}

// convertMessage maps a whatsmeow message to an inbound message. Messages
// carrying neither text nor media (reactions, protocol messages) yield nil.
func convertMessage(evt *events.Message) *transport.InboundMessage {
	text := extractText(evt.Message)
	media := extractMedia(evt.Message)
	if text == "" && media == nil {
		return nil
	}
	if text == "" {
		text = media.Caption
	}

	status := transport.DeliveryDelivered
	if evt.Info.IsFromMe {
		status = transport.DeliverySent
	}
	return &transport.InboundMessage{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.ToNonAD().String(),
		Sender:    evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		Text:      text,
		Media:     media,
		Status:    status,
		Timestamp: evt.Info.Timestamp,
		Raw:       evt.Message,
	}
}

// extractText pulls the plain-text content out of a WhatsApp message.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if loc := msg.GetLocationMessage(); loc != nil {
		return "[location]"
	}
	if contact := msg.GetContactMessage(); contact != nil {
		return "[contact: " + contact.GetDisplayName() + "]"
	}
	return ""
}

// extractMedia describes the attachment of a message, if any.
func extractMedia(msg *waE2E.Message) *transport.MediaRef {
	if msg == nil {
		return nil
	}
	if img := msg.GetImageMessage(); img != nil {
		return &transport.MediaRef{Kind: transport.MediaImage, MimeType: img.GetMimetype(), Caption: img.GetCaption()}
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return &transport.MediaRef{Kind: transport.MediaVideo, MimeType: vid.GetMimetype(), Caption: vid.GetCaption()}
	}
	if audio := msg.GetAudioMessage(); audio != nil {
		return &transport.MediaRef{Kind: transport.MediaAudio, MimeType: audio.GetMimetype()}
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return &transport.MediaRef{
			Kind:     transport.MediaDocument,
			MimeType: doc.GetMimetype(),
			Caption:  doc.GetCaption(),
			FileName: doc.GetFileName(),
		}
	}
	if st := msg.GetStickerMessage(); st != nil {
		return &transport.MediaRef{Kind: transport.MediaSticker, MimeType: st.GetMimetype()}
	}
	return nil
}

func downloadable(msg *waE2E.Message) whatsmeow.DownloadableMessage {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage()
	}
	return nil
}

// convertReceipt maps delivery and read receipts. Other receipt types
// (played, retry, sender) are ignored.
func convertReceipt(evt *events.Receipt) (transport.ReceiptPayload, bool) {
	var status transport.DeliveryStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = transport.DeliveryDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		status = transport.DeliveryRead
	default:
		return transport.ReceiptPayload{}, false
	}
	ids := make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		ids[i] = string(id)
	}
	return transport.ReceiptPayload{
		Chat:       evt.Chat.ToNonAD().String(),
		MessageIDs: ids,
		Status:     status,
	}, true
}

// closeReason classifies the whatsmeow events that end a session.
func closeReason(evt interface{}) (transport.ClosedPayload, bool) {
	switch e := evt.(type) {
	case *events.LoggedOut:
		return transport.ClosedPayload{Reason: transport.CloseLoggedOut, Detail: fmt.Sprint(e.Reason)}, true
	case *events.ConnectFailure:
		switch e.Reason {
		case events.ConnectFailureCATExpired, events.ConnectFailureCATInvalid:
			return transport.ClosedPayload{Reason: transport.CloseInvalidCredentials, Detail: fmt.Sprint(e.Reason)}, true
		}
		if e.Reason.IsLoggedOut() {
			return transport.ClosedPayload{Reason: transport.CloseLoggedOut, Detail: fmt.Sprint(e.Reason)}, true
		}
		return transport.ClosedPayload{Reason: transport.CloseOther, Detail: fmt.Sprint(e.Reason)}, true
	case *events.TemporaryBan:
		return transport.ClosedPayload{Reason: transport.CloseBanned, Detail: fmt.Sprint(e)}, true
	case *events.StreamReplaced:
		return transport.ClosedPayload{Reason: transport.CloseReplaced}, true
	case *events.Disconnected:
		return transport.ClosedPayload{Reason: transport.CloseConnectionLost}, true
	case *events.PairError:
		return transport.ClosedPayload{Reason: transport.CloseInvalidCredentials, Detail: e.Error.Error()}, true
	case *events.ClientOutdated:
		return transport.ClosedPayload{Reason: transport.CloseOther, Detail: "client outdated"}, true
	case *events.StreamError:
		return transport.ClosedPayload{Reason: transport.CloseOther, Detail: e.Code}, true
	}
	return transport.ClosedPayload{}, false
}

// slogAdapter adapts slog.Logger to whatsmeow's log interface.
type slogAdapter struct {
	log *slog.Logger
}

func (s *slogAdapter) Debugf(msg string, args ...interface{}) {
	s.log.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Infof(msg string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Warnf(msg string, args ...interface{}) {
	s.log.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Errorf(msg string, args ...interface{}) {
	s.log.Error(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: s.log.With("module", module)}
}

// Ensure slogAdapter implements waLog.Logger
var _ waLog.Logger = (*slogAdapter)(nil)
