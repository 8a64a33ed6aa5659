package repositories

import (
	"context"
	"sync"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

type pairKey struct {
	organizationID string
	customerID     string
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	nextChan  int64
	nextMsg   int64
	channels  map[int64]*models.Channel
	byPair    map[pairKey]int64
	messages  map[int64][]*models.Message
	clientIDs map[int64]map[string]int
	down      bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		channels:  make(map[int64]*models.Channel),
		byPair:    make(map[pairKey]int64),
		messages:  make(map[int64][]*models.Message),
		clientIDs: make(map[int64]map[string]int),
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetUnavailable makes every call fail with ErrStoreUnavailable until reset.
func (s *MemoryStore) SetUnavailable(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *MemoryStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Store(op, err)
	}
	if s.down {
		return syncerr.Store(op, errMemoryDown)
	}
	return nil
}

// EnsureChannel returns the channel for the pair, creating it when missing.
func (s *MemoryStore) EnsureChannel(ctx context.Context, organizationID, customerID string) (models.Channel, error) {
	if err := validateEnsure(organizationID, customerID); err != nil {
		return models.Channel{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "ensure channel"); err != nil {
		return models.Channel{}, err
	}

	key := pairKey{organizationID: organizationID, customerID: customerID}
	if id, ok := s.byPair[key]; ok {
		return *s.channels[id], nil
	}
	s.nextChan++
	now := s.now()
	ch := &models.Channel{
		ID:             s.nextChan,
		OrganizationID: organizationID,
		CustomerID:     customerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.channels[ch.ID] = ch
	s.byPair[key] = ch.ID
	return *ch, nil
}

// GetChannel fetches a channel by id.
func (s *MemoryStore) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "get channel"); err != nil {
		return models.Channel{}, err
	}
	ch, ok := s.channels[channelID]
	if !ok {
		return models.Channel{}, ErrChannelNotFound
	}
	return *ch, nil
}

// Append stores a message. A repeated client message id returns the first stored row.
func (s *MemoryStore) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	if err := in.Validate(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "append message"); err != nil {
		return models.Message{}, err
	}
	ch, ok := s.channels[in.ChannelID]
	if !ok {
		return models.Message{}, ErrChannelNotFound
	}
	if in.ClientMessageID != "" {
		if idx, ok := s.clientIDs[in.ChannelID][in.ClientMessageID]; ok {
			return *s.messages[in.ChannelID][idx], nil
		}
	}

	s.nextMsg++
	msg := &models.Message{
		ID:              s.nextMsg,
		ChannelID:       in.ChannelID,
		SenderType:      in.SenderType,
		SenderID:        in.SenderID,
		Content:         in.Content,
		Metadata:        in.Metadata,
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       s.now(),
	}
	s.messages[in.ChannelID] = append(s.messages[in.ChannelID], msg)
	if in.ClientMessageID != "" {
		if s.clientIDs[in.ChannelID] == nil {
			s.clientIDs[in.ChannelID] = make(map[string]int)
		}
		s.clientIDs[in.ChannelID][in.ClientMessageID] = len(s.messages[in.ChannelID]) - 1
	}
	last := msg.CreatedAt
	ch.LastMessageAt = &last
	ch.UpdatedAt = last
	return *msg, nil
}

// Query returns up to limit messages older than before, oldest first.
func (s *MemoryStore) Query(ctx context.Context, channelID int64, before *int64, limit int) (models.Page, error) {
	limit = normalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "query messages"); err != nil {
		return models.Page{}, err
	}
	all := s.messages[channelID]
	rows := make([]models.Message, 0, limit+1)
	for i := len(all) - 1; i >= 0 && len(rows) <= limit; i-- {
		if before != nil && all[i].ID >= *before {
			continue
		}
		rows = append(rows, *all[i])
	}
	return pageFromNewest(rows, limit), nil
}

// MarkRead flips every unread counterparty message to read.
func (s *MemoryStore) MarkRead(ctx context.Context, channelID int64, reader models.ParticipantType) (models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "mark read"); err != nil {
		return models.ReadReceipt{}, err
	}
	now := s.now()
	receipt := models.ReadReceipt{ChannelID: channelID, ReaderType: reader, MessageIDs: []int64{}, ReadAt: now}
	for _, m := range s.messages[channelID] {
		if m.SenderType == reader || m.IsRead {
			continue
		}
		m.IsRead = true
		readAt := now
		m.ReadAt = &readAt
		receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
	}
	return receipt, nil
}

// CountUnread counts counterparty messages the viewer has not read.
func (s *MemoryStore) CountUnread(ctx context.Context, channelID int64, viewer models.ParticipantType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "count unread"); err != nil {
		return 0, err
	}
	count := 0
	for _, m := range s.messages[channelID] {
		if m.SenderType != viewer && !m.IsRead {
			count++
		}
	}
	return count, nil
}

// GetMessage retrieves a single message of a channel.
func (s *MemoryStore) GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "get message"); err != nil {
		return models.Message{}, err
	}
	for _, m := range s.messages[channelID] {
		if m.ID == messageID {
			return *m, nil
		}
	}
	return models.Message{}, ErrMessageNotFound
}

// Ping reports whether the store is marked available.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx, "ping")
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
