package models

import "time"

// TypingSignal is an ephemeral "is typing" notification. It is never stored.
type TypingSignal struct {
	ChannelID       int64           `json:"channel_id"`
	ParticipantType ParticipantType `json:"participant_type"`
	ParticipantID   string          `json:"participant_id"`
	IsTyping        bool            `json:"is_typing"`
}

// Connection identifies one live client connection of a participant.
type Connection struct {
	ID              string          `json:"id"`
	ParticipantType ParticipantType `json:"participant_type"`
	ParticipantID   string          `json:"participant_id"`
}

// Presence is the online state of one participant type on a channel.
type Presence struct {
	ChannelID       int64           `json:"channel_id"`
	ParticipantType ParticipantType `json:"participant_type"`
	IsOnline        bool            `json:"is_online"`
	LastSeenAt      *time.Time      `json:"last_seen_at,omitempty"`
}
