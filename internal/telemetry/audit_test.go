package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chat-sync/internal/mocks"
	"chat-sync/internal/telemetry"
)

func TestMessageSentBuildsEnvelope(t *testing.T) {
	pub := &mocks.PublisherMock{}
	pub.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.EventType == "audit_log" &&
			env.Service == "chat-sync" &&
			env.RequestID == "req-1" &&
			env.ParticipantID != nil && *env.ParticipantID == "cust-1" &&
			env.Payload.ChannelID == 7 &&
			env.Payload.Text == "message sent id=42"
	})).Return(nil).Once()

	emitter := telemetry.NewAuditEmitter(pub, "audit.chat", "chat-sync", "test", zerolog.Nop())
	emitter.MessageSent(context.Background(), "req-1", "cust-1", 7, 42)

	pub.AssertExpectations(t)
}

func TestEmitSwallowsPublishError(t *testing.T) {
	pub := &mocks.PublisherMock{}
	pub.On("Publish", mock.Anything, "audit.chat", mock.Anything).Return(errors.New("broker down")).Once()

	emitter := telemetry.NewAuditEmitter(pub, "audit.chat", "chat-sync", "test", zerolog.Nop())
	assert.NotPanics(t, func() {
		emitter.Failure(context.Background(), "req-2", "org-1", 3, "append", errors.New("boom"))
	})
	pub.AssertExpectations(t)
}

func TestNilEmitterIsSafe(t *testing.T) {
	var emitter *telemetry.AuditEmitter
	assert.NotPanics(t, func() {
		emitter.MessagesRead(context.Background(), "", "org-1", 1, 2)
	})
}
