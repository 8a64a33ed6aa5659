package ws

import (
	"chat-sync/internal/models"
	"chat-sync/internal/session"
)

// Inbound frame types.
const (
	frameSend    = "message.send"
	frameTyping  = "typing"
	frameRead    = "read"
	frameHistory = "history"
	frameVisible = "visible"
	framePing    = "ping"
)

// Outbound frame types.
const (
	frameConnected = "connected"
	frameAck       = "ack"
	frameMessage   = "message"
	framePresence  = "presence"
	frameUnread    = "unread_count"
	frameStatus    = "status"
	frameError     = "error"
	framePong      = "pong"
)

type inboundFrame struct {
	Type            string           `json:"type"`
	RequestID       string           `json:"request_id,omitempty"`
	Content         string           `json:"content,omitempty"`
	Metadata        *models.Metadata `json:"metadata,omitempty"`
	ClientMessageID string           `json:"client_message_id,omitempty"`
	IsTyping        bool             `json:"is_typing,omitempty"`
	Before          *int64           `json:"before,omitempty"`
}

type outboundFrame struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Snapshot  *session.Snapshot    `json:"snapshot,omitempty"`
	Message   *models.Message      `json:"message,omitempty"`
	Receipt   *models.ReadReceipt  `json:"receipt,omitempty"`
	Typing    *models.TypingSignal `json:"typing,omitempty"`
	Presence  *models.Presence     `json:"presence,omitempty"`
	Unread    *int                 `json:"unread,omitempty"`
	Status    session.Status       `json:"status,omitempty"`
	Page      *models.Page         `json:"page,omitempty"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}
