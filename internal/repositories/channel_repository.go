package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const channelColumns = `id, organization_id, customer_id, last_message_at, created_at, updated_at`

// ChannelRepo is a sqlx implementation of ChannelRepository.
type ChannelRepo struct {
	db *sqlx.DB
}

// NewChannelRepo constructs a ChannelRepo.
func NewChannelRepo(db *sqlx.DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

// EnsureChannel returns the channel for the pair, creating it when missing. Concurrent
// callers converge on one row through the (organization_id, customer_id) unique key.
func (r *ChannelRepo) EnsureChannel(ctx context.Context, organizationID, customerID string) (models.Channel, error) {
	if err := validateEnsure(organizationID, customerID); err != nil {
		return models.Channel{}, err
	}

	var channel models.Channel
	query := `SELECT ` + channelColumns + ` FROM channels WHERE organization_id=$1 AND customer_id=$2`
	err := r.db.GetContext(ctx, &channel, query, organizationID, customerID)
	if err == nil {
		return channel, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, syncerr.Store("ensure channel", err)
	}

	err = r.db.GetContext(ctx, &channel, `INSERT INTO channels (organization_id, customer_id) VALUES ($1, $2)
        ON CONFLICT (organization_id, customer_id) DO NOTHING
        RETURNING `+channelColumns, organizationID, customerID)
	if err == nil {
		return channel, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, syncerr.Store("ensure channel", err)
	}

	// lost the race: read the winner's row
	if err := r.db.GetContext(ctx, &channel, query, organizationID, customerID); err != nil {
		return models.Channel{}, syncerr.Store("ensure channel", err)
	}
	return channel, nil
}

// GetChannel fetches a channel by id.
func (r *ChannelRepo) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	var channel models.Channel
	err := r.db.GetContext(ctx, &channel, `SELECT `+channelColumns+` FROM channels WHERE id=$1`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, syncerr.Store("get channel", err)
	}
	return channel, nil
}
