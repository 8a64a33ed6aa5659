package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      zerolog.Logger
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	ParticipantID *string      `json:"participant_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level     string `json:"level"`
	Text      string `json:"text"`
	ChannelID int64  `json:"channel_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger zerolog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger.With().Str("component", "audit").Logger(),
		now:         time.Now,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, participantID *string, channelID int64) {
	if e == nil || e.publisher == nil {
		return
	}

	e.logger.Debug().
		Str("level", level).
		Str("request_id", requestID).
		Int64("channel_id", channelID).
		Str("text", text).
		Msg("audit emit")
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		ParticipantID: participantID,
		Payload: AuditPayload{
			Level:     level,
			Text:      text,
			ChannelID: channelID,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Warn().Err(err).Msg("audit publish failed")
	}
}

func (e *AuditEmitter) ChannelEnsured(ctx context.Context, requestID, participantID string, channelID int64, organizationID, customerID string) {
	e.Emit(ctx, "INFO", fmt.Sprintf("channel ensured org=%s customer=%s", organizationID, customerID), requestID, &participantID, channelID)
}

func (e *AuditEmitter) MessageSent(ctx context.Context, requestID, participantID string, channelID, messageID int64) {
	e.Emit(ctx, "INFO", fmt.Sprintf("message sent id=%d", messageID), requestID, &participantID, channelID)
}

func (e *AuditEmitter) MessagesRead(ctx context.Context, requestID, participantID string, channelID int64, count int) {
	e.Emit(ctx, "INFO", fmt.Sprintf("messages read count=%d", count), requestID, &participantID, channelID)
}

func (e *AuditEmitter) Failure(ctx context.Context, requestID, participantID string, channelID int64, op string, err error) {
	e.Emit(ctx, "ERROR", fmt.Sprintf("%s failed: %v", op, err), requestID, &participantID, channelID)
}
