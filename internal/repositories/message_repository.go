package repositories

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const messageColumns = `id, channel_id, sender_type, sender_id, content, metadata,
        COALESCE(client_message_id, '') AS client_message_id, is_read, read_at, created_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores a message and bumps the channel's last_message_at in one transaction.
// The channel row is locked so ids and created_at grow together per channel. A repeated
// client_message_id returns the row stored by the first attempt.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	if err := in.Validate(); err != nil {
		return models.Message{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, syncerr.Store("append message", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var locked int64
	if err = tx.GetContext(ctx, &locked, `SELECT id FROM channels WHERE id=$1 FOR UPDATE`, in.ChannelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrChannelNotFound
		}
		return models.Message{}, syncerr.Store("append message", err)
	}

	var msg models.Message
	err = tx.GetContext(ctx, &msg, `INSERT INTO messages (channel_id, sender_type, sender_id, content, metadata, client_message_id)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
        ON CONFLICT (channel_id, client_message_id) DO NOTHING
        RETURNING `+messageColumns,
		in.ChannelID, in.SenderType, in.SenderID, in.Content, in.Metadata, in.ClientMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE channel_id=$1 AND client_message_id=$2`,
			in.ChannelID, in.ClientMessageID)
		if err != nil {
			return models.Message{}, syncerr.Store("append message", err)
		}
		if err = tx.Commit(); err != nil {
			return models.Message{}, syncerr.Store("append message", err)
		}
		return msg, nil
	}
	if err != nil {
		return models.Message{}, syncerr.Store("append message", err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE channels SET last_message_at=$2, updated_at=NOW() WHERE id=$1`, in.ChannelID, msg.CreatedAt); err != nil {
		return models.Message{}, syncerr.Store("append message", err)
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, syncerr.Store("append message", err)
	}
	return msg, nil
}

// Query returns up to limit messages older than before, oldest first.
func (r *MessageRepo) Query(ctx context.Context, channelID int64, before *int64, limit int) (models.Page, error) {
	limit = normalizeLimit(limit)
	var (
		rows []models.Message
		err  error
	)
	if before != nil {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE channel_id=$1 AND id < $2 ORDER BY id DESC LIMIT $3`, channelID, *before, limit+1)
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE channel_id=$1 ORDER BY id DESC LIMIT $2`, channelID, limit+1)
	}
	if err != nil {
		return models.Page{}, syncerr.Store("query messages", err)
	}
	return pageFromNewest(rows, limit), nil
}

// MarkRead flips every unread counterparty message to read. Rows already read are untouched.
func (r *MessageRepo) MarkRead(ctx context.Context, channelID int64, reader models.ParticipantType) (models.ReadReceipt, error) {
	receipt := models.ReadReceipt{ChannelID: channelID, ReaderType: reader, MessageIDs: []int64{}}
	rows, err := r.db.QueryxContext(ctx, `UPDATE messages SET is_read=TRUE, read_at=NOW()
        WHERE channel_id=$1 AND sender_type<>$2 AND is_read=FALSE
        RETURNING id, read_at`, channelID, reader)
	if err != nil {
		return models.ReadReceipt{}, syncerr.Store("mark read", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     int64
			readAt time.Time
		)
		if err := rows.Scan(&id, &readAt); err != nil {
			return models.ReadReceipt{}, syncerr.Store("mark read", err)
		}
		receipt.MessageIDs = append(receipt.MessageIDs, id)
		if readAt.After(receipt.ReadAt) {
			receipt.ReadAt = readAt
		}
	}
	if err := rows.Err(); err != nil {
		return models.ReadReceipt{}, syncerr.Store("mark read", err)
	}
	slices.Sort(receipt.MessageIDs)
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = time.Now().UTC()
	}
	return receipt, nil
}

// CountUnread counts counterparty messages the viewer has not read.
func (r *MessageRepo) CountUnread(ctx context.Context, channelID int64, viewer models.ParticipantType) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE channel_id=$1 AND sender_type<>$2 AND is_read=FALSE`, channelID, viewer)
	if err != nil {
		return 0, syncerr.Store("count unread", err)
	}
	return count, nil
}

// GetMessage retrieves a single message of a channel.
func (r *MessageRepo) GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE channel_id=$1 AND id=$2`, channelID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, syncerr.Store("get message", err)
	}
	return msg, nil
}

// PostgresStore serves both repositories from one database handle.
type PostgresStore struct {
	*ChannelRepo
	*MessageRepo
	db *sqlx.DB
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{ChannelRepo: NewChannelRepo(db), MessageRepo: NewMessageRepo(db), db: db}
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return syncerr.Store("ping", s.db.PingContext(ctx))
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
