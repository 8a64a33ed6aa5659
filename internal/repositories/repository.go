package repositories

import (
	"context"
	"errors"
	"fmt"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

var (
	ErrChannelNotFound = fmt.Errorf("channel not found: %w", syncerr.ErrInvalidChannel)
	ErrMessageNotFound = errors.New("message not found")
)

// DefaultPageSize is used when Query is called with a non-positive limit.
const DefaultPageSize = 50

// ChannelRepository resolves the single channel of an organization/customer pair.
type ChannelRepository interface {
	EnsureChannel(ctx context.Context, organizationID, customerID string) (models.Channel, error)
	GetChannel(ctx context.Context, channelID int64) (models.Channel, error)
}

// MessageRepository is the append-only message log.
type MessageRepository interface {
	Append(ctx context.Context, msg models.NewMessage) (models.Message, error)
	Query(ctx context.Context, channelID int64, before *int64, limit int) (models.Page, error)
	MarkRead(ctx context.Context, channelID int64, reader models.ParticipantType) (models.ReadReceipt, error)
	CountUnread(ctx context.Context, channelID int64, viewer models.ParticipantType) (int, error)
	GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error)
}

// Store bundles both repositories with lifecycle hooks of the backing database.
type Store interface {
	ChannelRepository
	MessageRepository
	Ping(ctx context.Context) error
	Close() error
}

// pageFromNewest trims a newest-first result fetched with limit+1 rows and returns it oldest first.
func pageFromNewest(rows []models.Message, limit int) models.Page {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	out := make([]models.Message, len(rows))
	for i, m := range rows {
		out[len(rows)-1-i] = m
	}
	return models.Page{Messages: out, HasMore: hasMore}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

func validateEnsure(organizationID, customerID string) error {
	if organizationID == "" || customerID == "" {
		return syncerr.Validation("organization id and customer id are required")
	}
	return nil
}

var errMemoryDown = errors.New("memory store marked unavailable")

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MongoStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
