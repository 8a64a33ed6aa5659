package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"chat-sync/internal/syncerr"
)

// Metadata is a structured reference to an external entity carried alongside message text.
type Metadata struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Value stores metadata as JSONB.
func (m Metadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads metadata from a JSONB column.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("unsupported metadata column type")
	}
}

// Message represents a chat message within a channel.
type Message struct {
	ID              int64           `db:"id" json:"id"`
	ChannelID       int64           `db:"channel_id" json:"channel_id"`
	SenderType      ParticipantType `db:"sender_type" json:"sender_type"`
	SenderID        string          `db:"sender_id" json:"sender_id"`
	Content         string          `db:"content" json:"content"`
	Metadata        *Metadata       `db:"metadata" json:"metadata"`
	ClientMessageID string          `db:"client_message_id" json:"client_message_id,omitempty"`
	IsRead          bool            `db:"is_read" json:"is_read"`
	ReadAt          *time.Time      `db:"read_at" json:"read_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// NewMessage is the input to an append.
type NewMessage struct {
	ChannelID       int64
	SenderType      ParticipantType
	SenderID        string
	Content         string
	Metadata        *Metadata
	ClientMessageID string
}

// Validate rejects messages that can never be stored.
func (n NewMessage) Validate() error {
	if !n.SenderType.Valid() {
		return syncerr.Validation("unknown sender type")
	}
	if n.SenderID == "" {
		return syncerr.Validation("sender id is required")
	}
	if n.Metadata != nil && strings.TrimSpace(n.Metadata.Type) == "" {
		return syncerr.Validation("metadata type is required")
	}
	if n.Content == "" && n.Metadata == nil {
		return syncerr.Validation("empty content with no metadata")
	}
	return nil
}

// Page is a slice of channel history, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// Cursor returns the id to pass as the before cursor for the next older page.
func (p Page) Cursor() *int64 {
	if len(p.Messages) == 0 || !p.HasMore {
		return nil
	}
	id := p.Messages[0].ID
	return &id
}

// ReadReceipt describes messages that transitioned from unread to read.
type ReadReceipt struct {
	ChannelID  int64           `json:"channel_id"`
	ReaderType ParticipantType `json:"reader_type"`
	MessageIDs []int64         `json:"message_ids"`
	ReadAt     time.Time       `json:"read_at"`
}

// Empty reports whether the receipt marked nothing.
func (r ReadReceipt) Empty() bool {
	return len(r.MessageIDs) == 0
}
