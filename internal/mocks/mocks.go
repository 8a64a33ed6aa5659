package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/transport"
)

type ChannelRepositoryMock struct {
	mock.Mock
}

func (m *ChannelRepositoryMock) EnsureChannel(ctx context.Context, organizationID, customerID string) (models.Channel, error) {
	args := m.Called(ctx, organizationID, customerID)
	var channel models.Channel
	if val := args.Get(0); val != nil {
		channel = val.(models.Channel)
	}
	return channel, args.Error(1)
}

func (m *ChannelRepositoryMock) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	args := m.Called(ctx, channelID)
	var channel models.Channel
	if val := args.Get(0); val != nil {
		channel = val.(models.Channel)
	}
	return channel, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) Query(ctx context.Context, channelID int64, before *int64, limit int) (models.Page, error) {
	args := m.Called(ctx, channelID, before, limit)
	var page models.Page
	if val := args.Get(0); val != nil {
		page = val.(models.Page)
	}
	return page, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, channelID int64, reader models.ParticipantType) (models.ReadReceipt, error) {
	args := m.Called(ctx, channelID, reader)
	var receipt models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipt = val.(models.ReadReceipt)
	}
	return receipt, args.Error(1)
}

func (m *MessageRepositoryMock) CountUnread(ctx context.Context, channelID int64, viewer models.ParticipantType) (int, error) {
	args := m.Called(ctx, channelID, viewer)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	args := m.Called(ctx, channelID, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

type TransportMock struct {
	mock.Mock
}

func (m *TransportMock) Publish(ctx context.Context, msg models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *TransportMock) PublishRead(ctx context.Context, receipt models.ReadReceipt) error {
	args := m.Called(ctx, receipt)
	return args.Error(0)
}

func (m *TransportMock) BroadcastTyping(ctx context.Context, signal models.TypingSignal) error {
	args := m.Called(ctx, signal)
	return args.Error(0)
}

func (m *TransportMock) TrackPresence(ctx context.Context, channelID int64, conn models.Connection) error {
	args := m.Called(ctx, channelID, conn)
	return args.Error(0)
}

func (m *TransportMock) UntrackPresence(ctx context.Context, channelID int64, connID string) error {
	args := m.Called(ctx, channelID, connID)
	return args.Error(0)
}

func (m *TransportMock) Subscribe(ctx context.Context, channelID int64, sub transport.Subscriber, h transport.Handlers) (func(), error) {
	args := m.Called(ctx, channelID, sub, h)
	var unsubscribe func()
	if val := args.Get(0); val != nil {
		unsubscribe = val.(func())
	}
	return unsubscribe, args.Error(1)
}

func (m *TransportMock) Presence(ctx context.Context, channelID int64) ([]models.Presence, error) {
	args := m.Called(ctx, channelID)
	var out []models.Presence
	if val := args.Get(0); val != nil {
		out = val.([]models.Presence)
	}
	return out, args.Error(1)
}

func (m *TransportMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ repositories.ChannelRepository = (*ChannelRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ transport.Transport = (*TransportMock)(nil)
