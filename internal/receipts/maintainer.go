package receipts

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"chat-sync/internal/models"
)

// Store is the part of the message store the maintainer needs.
type Store interface {
	MarkRead(ctx context.Context, channelID int64, reader models.ParticipantType) (models.ReadReceipt, error)
	CountUnread(ctx context.Context, channelID int64, viewer models.ParticipantType) (int, error)
}

// Publisher broadcasts read receipts to the channel.
type Publisher interface {
	PublishRead(ctx context.Context, receipt models.ReadReceipt) error
}

// Maintainer keeps one viewer's unread count for one channel. All updates are serialized.
type Maintainer struct {
	channelID int64
	viewer    models.ParticipantType
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	onChange  func(int)

	mu    sync.Mutex
	count int

	// taken before mu is released so counts reach onChange in order
	emitMu sync.Mutex
}

// New constructs a Maintainer. onChange receives every new count, in order. It runs
// without the count lock held, so it may call Count but must not update the count.
func New(channelID int64, viewer models.ParticipantType, store Store, publisher Publisher, logger zerolog.Logger, onChange func(int)) *Maintainer {
	if onChange == nil {
		onChange = func(int) {}
	}
	return &Maintainer{
		channelID: channelID,
		viewer:    viewer,
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "receipts").Int64("channel_id", channelID).Logger(),
		onChange:  onChange,
	}
}

// Count returns the cached unread count.
func (m *Maintainer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Reconcile replaces the cached count with the store's.
func (m *Maintainer) Reconcile(ctx context.Context) (int, error) {
	m.mu.Lock()
	n, err := m.store.CountUnread(ctx, m.channelID, m.viewer)
	if err != nil {
		count := m.count
		m.mu.Unlock()
		return count, err
	}
	return m.setAndUnlock(n), nil
}

// Observe counts a newly delivered message when it came from the counterparty.
func (m *Maintainer) Observe(msg models.Message) {
	if msg.ChannelID != m.channelID || msg.SenderType == m.viewer || msg.IsRead {
		return
	}
	m.mu.Lock()
	m.setAndUnlock(m.count + 1)
}

// MarkRead marks the counterparty's messages read, broadcasts the receipt when anything
// changed and recounts. Broadcast failures are logged only.
func (m *Maintainer) MarkRead(ctx context.Context) (models.ReadReceipt, error) {
	receipt, err := m.store.MarkRead(ctx, m.channelID, m.viewer)
	if err != nil {
		return models.ReadReceipt{}, err
	}
	if !receipt.Empty() && m.publisher != nil {
		if err := m.publisher.PublishRead(ctx, receipt); err != nil {
			m.logger.Warn().Err(err).Int("messages", len(receipt.MessageIDs)).Msg("read receipt broadcast failed")
		}
	}
	if _, err := m.Reconcile(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("unread recount after mark read failed")
	}
	return receipt, nil
}

// HandleRead recounts when the viewer read the channel from another connection.
// It reports whether a recount was attempted.
func (m *Maintainer) HandleRead(ctx context.Context, receipt models.ReadReceipt) bool {
	if receipt.ChannelID != m.channelID || receipt.ReaderType != m.viewer {
		return false
	}
	if _, err := m.Reconcile(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("unread recount after remote read failed")
	}
	return true
}

// setAndUnlock stores n, releases mu and then reports n to onChange.
func (m *Maintainer) setAndUnlock(n int) int {
	if n < 0 {
		n = 0
	}
	m.count = n
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	m.onChange(n)
	return n
}
