package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-sync/internal/models"
)

// Subscriber identifies the connection a subscription belongs to.
type Subscriber struct {
	ParticipantType models.ParticipantType
	ParticipantID   string
	ConnID          string
}

// Handlers receive live events for one subscription. Nil handlers are skipped.
type Handlers struct {
	OnMessage       func(models.Message)
	OnRead          func(models.ReadReceipt)
	OnTyping        func(models.TypingSignal)
	OnPresenceJoin  func(models.Presence)
	OnPresenceLeave func(models.Presence)
}

// Transport fans channel events out to every connected client. Delivery is best effort;
// the message store stays the source of truth.
type Transport interface {
	Publish(ctx context.Context, msg models.Message) error
	PublishRead(ctx context.Context, receipt models.ReadReceipt) error
	BroadcastTyping(ctx context.Context, signal models.TypingSignal) error
	TrackPresence(ctx context.Context, channelID int64, conn models.Connection) error
	UntrackPresence(ctx context.Context, channelID int64, connID string) error
	// Subscribe registers handlers for a channel. The returned func releases the
	// subscription synchronously; no handler runs after it returns. It must not be
	// called from inside one of the subscription's own handlers.
	Subscribe(ctx context.Context, channelID int64, sub Subscriber, h Handlers) (func(), error)
	Presence(ctx context.Context, channelID int64) ([]models.Presence, error)
	Close() error
}

// Kind tags an envelope on the relay.
type Kind string

const (
	KindMessage   Kind = "message"
	KindRead      Kind = "read"
	KindTyping    Kind = "typing"
	KindTrack     Kind = "track"
	KindUntrack   Kind = "untrack"
	KindHeartbeat Kind = "heartbeat"
	KindSync      Kind = "sync_request"
)

// Envelope is the unit exchanged between processes through a relay.
type Envelope struct {
	Kind        Kind                 `json:"kind"`
	ChannelID   int64                `json:"channel_id"`
	Origin      string               `json:"origin,omitempty"`
	Message     *models.Message      `json:"message,omitempty"`
	Receipt     *models.ReadReceipt  `json:"receipt,omitempty"`
	Typing      *models.TypingSignal `json:"typing,omitempty"`
	Connections []models.Connection  `json:"connections,omitempty"`
	ConnID      string               `json:"conn_id,omitempty"`
	Stripped    bool                 `json:"stripped,omitempty"`
	SentAt      time.Time            `json:"sent_at"`
}

// Encode serializes an envelope for the wire.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire envelope and rejects ones that cannot be routed.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Kind == "" || e.ChannelID == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind or channel")
	}
	return e, nil
}

// strip drops the message body so the envelope fits small payload limits. The receiver
// rehydrates it from the store.
func strip(e Envelope) Envelope {
	if e.Message == nil {
		return e
	}
	e.Message = &models.Message{
		ID:         e.Message.ID,
		ChannelID:  e.Message.ChannelID,
		SenderType: e.Message.SenderType,
		SenderID:   e.Message.SenderID,
		CreatedAt:  e.Message.CreatedAt,
	}
	e.Stripped = true
	return e
}

// Relay moves envelopes between processes. Implementations deliver an envelope to every
// process that joined its channel, the sender included.
type Relay interface {
	Start(ctx context.Context, deliver func(Envelope)) error
	Join(ctx context.Context, channelID int64) error
	Leave(ctx context.Context, channelID int64) error
	Send(ctx context.Context, e Envelope) error
	Close() error
}

// MessageResolver loads a stored message; used to rehydrate stripped envelopes.
type MessageResolver interface {
	GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error)
}

var (
	_ Transport = (*Hub)(nil)
	_ Relay     = (*LoopbackRelay)(nil)
	_ Relay     = (*RedisRelay)(nil)
	_ Relay     = (*PGNotifyRelay)(nil)
)
