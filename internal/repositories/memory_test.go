package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

func seedChannel(t *testing.T, s *MemoryStore) models.Channel {
	t.Helper()
	ch, err := s.EnsureChannel(context.Background(), "org-1", "cust-1")
	require.NoError(t, err)
	return ch
}

func appendText(t *testing.T, s *MemoryStore, channelID int64, sender models.ParticipantType, text string) models.Message {
	t.Helper()
	msg, err := s.Append(context.Background(), models.NewMessage{
		ChannelID:  channelID,
		SenderType: sender,
		SenderID:   string(sender) + "-1",
		Content:    text,
	})
	require.NoError(t, err)
	return msg
}

func TestEnsureChannelConcurrentCallersConverge(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := s.EnsureChannel(context.Background(), "org-1", "cust-1")
			assert.NoError(t, err)
			ids[i] = ch.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnsureChannelRejectsEmptyPair(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.EnsureChannel(context.Background(), "org-1", "")
	assert.ErrorIs(t, err, syncerr.ErrValidationFailed)
}

func TestAppendUpdatesLastMessageAt(t *testing.T) {
	s := NewMemoryStore()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.SetClock(func() time.Time { return at })
	ch := seedChannel(t, s)

	appendText(t, s, ch.ID, models.ParticipantCustomer, "hi")

	got, err := s.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	assert.Equal(t, at, *got.LastMessageAt)
}

func TestAppendIsIdempotentOnClientMessageID(t *testing.T) {
	s := NewMemoryStore()
	ch := seedChannel(t, s)
	in := models.NewMessage{ChannelID: ch.ID, SenderType: models.ParticipantCustomer, SenderID: "c", Content: "once", ClientMessageID: "abc"}

	first, err := s.Append(context.Background(), in)
	require.NoError(t, err)
	second, err := s.Append(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	page, err := s.Query(context.Background(), ch.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestAppendRejectsEmptyMessage(t *testing.T) {
	s := NewMemoryStore()
	ch := seedChannel(t, s)
	_, err := s.Append(context.Background(), models.NewMessage{ChannelID: ch.ID, SenderType: models.ParticipantCustomer, SenderID: "c"})
	assert.ErrorIs(t, err, syncerr.ErrValidationFailed)
}

func TestAppendUnknownChannel(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Append(context.Background(), models.NewMessage{ChannelID: 99, SenderType: models.ParticipantCustomer, SenderID: "c", Content: "x"})
	assert.ErrorIs(t, err, syncerr.ErrInvalidChannel)
}

func TestQueryPaginatesWithoutGapsOrDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ch := seedChannel(t, s)
	for i := 0; i < 7; i++ {
		appendText(t, s, ch.ID, models.ParticipantCustomer, "m")
	}

	first, err := s.Query(context.Background(), ch.ID, nil, 3)
	require.NoError(t, err)
	assert.True(t, first.HasMore)
	require.Len(t, first.Messages, 3)
	assert.Less(t, first.Messages[0].ID, first.Messages[2].ID, "pages are oldest first")

	second, err := s.Query(context.Background(), ch.ID, first.Cursor(), 3)
	require.NoError(t, err)
	assert.True(t, second.HasMore)

	third, err := s.Query(context.Background(), ch.ID, second.Cursor(), 3)
	require.NoError(t, err)
	assert.False(t, third.HasMore)
	assert.Nil(t, third.Cursor())

	seen := map[int64]bool{}
	for _, p := range []models.Page{first, second, third} {
		for _, m := range p.Messages {
			assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
			seen[m.ID] = true
		}
	}
	assert.Len(t, seen, 7)
}

func TestQueryExactPageHasNoMore(t *testing.T) {
	s := NewMemoryStore()
	ch := seedChannel(t, s)
	for i := 0; i < 3; i++ {
		appendText(t, s, ch.ID, models.ParticipantCustomer, "m")
	}
	page, err := s.Query(context.Background(), ch.ID, nil, 3)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
	assert.False(t, page.HasMore)
}

func TestMarkReadOnlyCounterpartyAndIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ch := seedChannel(t, s)
	own := appendText(t, s, ch.ID, models.ParticipantOrganization, "hello")
	a := appendText(t, s, ch.ID, models.ParticipantCustomer, "a")
	b := appendText(t, s, ch.ID, models.ParticipantCustomer, "b")

	count, err := s.CountUnread(context.Background(), ch.ID, models.ParticipantOrganization)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	receipt, err := s.MarkRead(context.Background(), ch.ID, models.ParticipantOrganization)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, receipt.MessageIDs)

	again, err := s.MarkRead(context.Background(), ch.ID, models.ParticipantOrganization)
	require.NoError(t, err)
	assert.True(t, again.Empty())

	stored, err := s.GetMessage(context.Background(), ch.ID, own.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRead)

	count, err = s.CountUnread(context.Background(), ch.ID, models.ParticipantOrganization)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUnavailableStoreWrapsSentinel(t *testing.T) {
	s := NewMemoryStore()
	s.SetUnavailable(true)
	_, err := s.EnsureChannel(context.Background(), "org", "cust")
	assert.True(t, errors.Is(err, syncerr.ErrStoreUnavailable))
}

func TestExpiredContextMapsToTimeout(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := s.EnsureChannel(ctx, "org", "cust")
	assert.ErrorIs(t, err, syncerr.ErrTimeout)
}
