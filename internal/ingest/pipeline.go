// Package ingest turns transport traffic into stored chats and messages.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/ai"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/fault"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/media"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/pubsub"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/worker"
)

// AudioPlaceholder is stored as text for audio that could not be transcribed.
const AudioPlaceholder = "[Audio]"

// Recorder persists a message together with its chat.
type Recorder interface {
	RecordMessage(ctx context.Context, seed store.ChatSeed, msg *store.Message) (bool, error)
}

// Messages is the subset of the message repository the pipeline reads.
type Messages interface {
	Get(ctx context.Context, chatID, transportID string) (*store.Message, error)
	AdvanceStatus(ctx context.Context, chatID string, transportIDs []string, s store.MessageStatus) (int64, error)
}

// MediaSource downloads attachment payloads through a live session.
type MediaSource interface {
	FetchMedia(ctx context.Context, connectionID int64, msg *transport.InboundMessage) ([]byte, error)
}

// ReplyScheduler arms the automated reply for a chat.
type ReplyScheduler interface {
	Schedule(connectionID int64, chatID string)
}

// Stats counts stored traffic per connection.
type Stats interface {
	RecordMessageReceived(connectionID int64)
	RecordMessageSent(connectionID int64, byAI bool)
}

// Deps are the pipeline's collaborators. Transcriber, Replies, Stats and
// Publisher are optional.
type Deps struct {
	Recorder    Recorder
	Messages    Messages
	Media       MediaSource
	Saver       media.Saver
	Transcriber ai.Transcriber
	Replies     ReplyScheduler
	Stats       Stats
	Publisher   pubsub.Publisher
}

// Pipeline ingests messages and receipts. Work for one chat runs in order;
// other chats proceed in parallel.
type Pipeline struct {
	deps  Deps
	lanes *worker.Lanes
	log   *slog.Logger
}

// New creates a pipeline that dispatches onto the given lanes.
func New(deps Deps, lanes *worker.Lanes, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = pubsub.Nop{}
	}
	return &Pipeline{
		deps:  deps,
		lanes: lanes,
		log:   log.With("component", "ingest"),
	}
}

// SetReplies installs the reply scheduler. Call it before the pipeline
// receives traffic.
func (p *Pipeline) SetReplies(r ReplyScheduler) {
	p.deps.Replies = r
}

// HandleMessage queues an inbound message on its chat's lane.
func (p *Pipeline) HandleMessage(_ context.Context, connectionID int64, msg *transport.InboundMessage) {
	if msg == nil || msg.ID == "" || msg.Chat == "" {
		p.log.Debug("skipping message without id or chat", "connection", connectionID)
		return
	}
	key := store.ChatID(connectionID, msg.Chat)
	err := p.lanes.Submit(key, func(ctx context.Context) {
		if _, err := p.Ingest(ctx, connectionID, msg); err != nil {
			p.log.Error("failed to ingest message", "connection", connectionID, "chat", key, "message", msg.ID, "error", err)
		}
	})
	if err != nil {
		p.log.Warn("dropping message", "connection", connectionID, "message", msg.ID, "error", err)
	}
}

// HandleReceipt queues a delivery receipt on its chat's lane.
func (p *Pipeline) HandleReceipt(_ context.Context, connectionID int64, r transport.ReceiptPayload) {
	if r.Chat == "" || len(r.MessageIDs) == 0 {
		return
	}
	key := store.ChatID(connectionID, r.Chat)
	err := p.lanes.Submit(key, func(ctx context.Context) {
		if err := p.ApplyReceipt(ctx, connectionID, r); err != nil {
			p.log.Error("failed to apply receipt", "connection", connectionID, "chat", key, "error", err)
		}
	})
	if err != nil {
		p.log.Warn("dropping receipt", "connection", connectionID, "error", err)
	}
}

// Ingest stores one message. Media and transcription failures degrade the
// stored message but never drop it; only persistence failures are returned.
// The returned flag is true when the message was stored for the first time.
func (p *Pipeline) Ingest(ctx context.Context, connectionID int64, msg *transport.InboundMessage) (bool, error) {
	seed := store.ChatSeed{
		ConnectionID: connectionID,
		Address:      msg.Chat,
		IsGroup:      msg.IsGroup || transport.IsGroupAddress(msg.Chat),
	}
	// A push name belongs to the sender, which only names the chat when
	// the contact wrote a direct message.
	if !msg.FromMe && !seed.IsGroup {
		seed.ContactName = strings.TrimSpace(msg.PushName)
	}

	rec := &store.Message{
		TransportID: msg.ID,
		FromMe:      msg.FromMe,
		Text:        msg.Text,
		Status:      statusFor(msg),
		Sender:      msg.Sender,
		SenderName:  msg.PushName,
		Timestamp:   msg.Timestamp,
	}

	transcribed := false
	if msg.Media != nil {
		rec.HasMedia = true
		rec.MediaType = store.MediaType(msg.Media.Kind)
		rec.MediaMimeType = msg.Media.MimeType
		rec.MediaCaption = msg.Media.Caption
		if rec.Text == "" {
			rec.Text = msg.Media.Caption
		}

		if p.needsMedia(ctx, seed.ID(), msg.ID) {
			data := p.fetchMedia(ctx, connectionID, msg, rec)
			if data != nil && msg.Media.Kind == transport.MediaAudio && !msg.FromMe {
				transcribed = p.transcribe(ctx, connectionID, data, rec)
			}
		}
		// Audio that could not be read still shows up as audio.
		if msg.Media.Kind == transport.MediaAudio && !transcribed && rec.Text == "" {
			rec.Text = AudioPlaceholder
		}
	}

	created, err := p.deps.Recorder.RecordMessage(ctx, seed, rec)
	if err != nil {
		metrics.Errors.WithLabelValues(fault.PersistenceError.String()).Inc()
		return false, fault.Wrap(fault.PersistenceError, "record message", err)
	}
	if !created {
		p.log.Debug("message already stored", "chat", rec.ChatID, "message", rec.TransportID)
		return false, nil
	}

	direction := "inbound"
	key := pubsub.KeyMessageReceived
	if rec.FromMe {
		direction = "outbound"
		key = pubsub.KeyMessageSent
	}
	metrics.MessagesIngested.WithLabelValues(direction, metrics.MediaLabel(string(rec.MediaType))).Inc()
	p.count(connectionID, rec)
	p.publish(ctx, key, rec)

	p.log.Info("message stored",
		"connection", connectionID,
		"chat", rec.ChatID,
		"from_me", rec.FromMe,
		"media", rec.MediaType,
	)

	if p.deps.Replies != nil && triggersReply(seed, rec, transcribed) {
		p.deps.Replies.Schedule(connectionID, rec.ChatID)
	}
	return true, nil
}

// needsMedia reports whether the payload must be downloaded: the message is
// new, or an earlier delivery was stored without its media.
func (p *Pipeline) needsMedia(ctx context.Context, chatID, transportID string) bool {
	existing, err := p.deps.Messages.Get(ctx, chatID, transportID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		p.log.Warn("failed to look up message", "chat", chatID, "message", transportID, "error", err)
		return true
	}
	return existing.MediaURL == ""
}

func (p *Pipeline) fetchMedia(ctx context.Context, connectionID int64, msg *transport.InboundMessage, rec *store.Message) []byte {
	label := string(msg.Media.Kind)
	if p.deps.Media == nil || p.deps.Saver == nil {
		return nil
	}
	data, err := p.deps.Media.FetchMedia(ctx, connectionID, msg)
	if err != nil {
		metrics.MediaFailures.WithLabelValues(label).Inc()
		metrics.Errors.WithLabelValues(fault.MediaUnavailable.String()).Inc()
		p.log.Warn("media unavailable", "connection", connectionID, "message", msg.ID, "error", err)
		return nil
	}
	stored, err := p.deps.Saver.Save(ctx, data, msg.Media.MimeType, msg.Media.FileName)
	if err != nil {
		metrics.MediaFailures.WithLabelValues(label).Inc()
		metrics.Errors.WithLabelValues(fault.MediaUnavailable.String()).Inc()
		p.log.Warn("failed to store media", "connection", connectionID, "message", msg.ID, "error", err)
		return nil
	}
	rec.MediaURL = stored.URL
	return data
}

func (p *Pipeline) transcribe(ctx context.Context, connectionID int64, data []byte, rec *store.Message) bool {
	rec.Text = AudioPlaceholder
	if p.deps.Transcriber == nil {
		return false
	}
	text, err := p.deps.Transcriber.Transcribe(ctx, data, rec.MediaMimeType)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		metrics.Transcriptions.WithLabelValues("failed").Inc()
		metrics.Errors.WithLabelValues(fault.TranscriptionFailed.String()).Inc()
		p.log.Warn("audio transcription failed", "connection", connectionID, "message", rec.TransportID, "error", err)
		return false
	}
	metrics.Transcriptions.WithLabelValues("ok").Inc()
	rec.Text = AudioPlaceholder + ": " + text
	rec.AudioTranscription = text
	return true
}

// triggersReply decides whether a newly stored message arms an automated
// reply: inbound, direct chat, with text the model can read.
func triggersReply(seed store.ChatSeed, rec *store.Message, transcribed bool) bool {
	if rec.FromMe || seed.IsGroup {
		return false
	}
	if rec.MediaType == store.MediaAudio {
		return transcribed
	}
	return strings.TrimSpace(rec.Text) != ""
}

// ApplyReceipt advances the status of known messages. Unknown ids are
// ignored.
func (p *Pipeline) ApplyReceipt(ctx context.Context, connectionID int64, r transport.ReceiptPayload) error {
	status, ok := statusFromDelivery(r.Status)
	if !ok {
		return nil
	}
	n, err := p.deps.Messages.AdvanceStatus(ctx, store.ChatID(connectionID, r.Chat), r.MessageIDs, status)
	if err != nil {
		metrics.Errors.WithLabelValues(fault.PersistenceError.String()).Inc()
		return fault.Wrap(fault.PersistenceError, "advance status", err)
	}
	if n > 0 {
		metrics.Receipts.WithLabelValues(status.String()).Add(float64(n))
	}
	return nil
}

// RecordOutbound stores a message this process just sent.
func (p *Pipeline) RecordOutbound(ctx context.Context, connectionID int64, address string, sent transport.SentMessage, text string, byAI bool) (*store.Message, error) {
	ts := sent.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	id := sent.ID
	if id == "" {
		prefix := "OUT_"
		if byAI {
			prefix = "AI_"
		}
		id = prefix + uuid.NewString()
	}
	rec := &store.Message{
		TransportID: id,
		FromMe:      true,
		Text:        text,
		Status:      store.StatusSent,
		SentByAI:    byAI,
		Timestamp:   ts,
	}
	seed := store.ChatSeed{
		ConnectionID: connectionID,
		Address:      address,
		IsGroup:      transport.IsGroupAddress(address),
	}
	created, err := p.deps.Recorder.RecordMessage(ctx, seed, rec)
	if err != nil {
		metrics.Errors.WithLabelValues(fault.PersistenceError.String()).Inc()
		return nil, fault.Wrap(fault.PersistenceError, "record outbound", err)
	}
	if created {
		metrics.MessagesIngested.WithLabelValues("outbound", metrics.MediaLabel("")).Inc()
		p.count(connectionID, rec)
		p.publish(ctx, pubsub.KeyMessageSent, rec)
	}
	return rec, nil
}

// MessageEvent is the payload published for stored messages.
type MessageEvent struct {
	ChatID      string          `json:"chat_id"`
	TransportID string          `json:"transport_id"`
	FromMe      bool            `json:"from_me"`
	SentByAI    bool            `json:"sent_by_ai"`
	Preview     string          `json:"preview"`
	MediaType   store.MediaType `json:"media_type,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (p *Pipeline) count(connectionID int64, rec *store.Message) {
	if p.deps.Stats == nil {
		return
	}
	if rec.FromMe {
		p.deps.Stats.RecordMessageSent(connectionID, rec.SentByAI)
		return
	}
	p.deps.Stats.RecordMessageReceived(connectionID)
}

func (p *Pipeline) publish(ctx context.Context, key string, rec *store.Message) {
	evt := MessageEvent{
		ChatID:      rec.ChatID,
		TransportID: rec.TransportID,
		FromMe:      rec.FromMe,
		SentByAI:    rec.SentByAI,
		Preview:     rec.Preview(),
		MediaType:   rec.MediaType,
		Timestamp:   rec.Timestamp,
	}
	if err := p.deps.Publisher.Publish(ctx, key, pubsub.NewEnvelope(key, evt)); err != nil {
		p.log.Warn("failed to publish message event", "key", key, "error", err)
	}
}

func statusFor(msg *transport.InboundMessage) store.MessageStatus {
	if s, ok := statusFromDelivery(msg.Status); ok {
		return s
	}
	if msg.FromMe {
		return store.StatusSent
	}
	return store.StatusDelivered
}

func statusFromDelivery(s transport.DeliveryStatus) (store.MessageStatus, bool) {
	switch s {
	case transport.DeliverySent:
		return store.StatusSent, true
	case transport.DeliveryDelivered:
		return store.StatusDelivered, true
	case transport.DeliveryRead:
		return store.StatusRead, true
	default:
		return 0, false
	}
}
