package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/syncerr"
)

func TestNewMessageValidate(t *testing.T) {
	ok := NewMessage{ChannelID: 1, SenderType: ParticipantCustomer, SenderID: "c", Content: "hi"}
	require.NoError(t, ok.Validate())

	refOnly := NewMessage{ChannelID: 1, SenderType: ParticipantOrganization, SenderID: "o",
		Metadata: &Metadata{Type: BookingReferenceType, Payload: json.RawMessage(`{"id":"b-1"}`)}}
	require.NoError(t, refOnly.Validate())

	cases := map[string]NewMessage{
		"empty":            {ChannelID: 1, SenderType: ParticipantCustomer, SenderID: "c"},
		"unknown sender":   {ChannelID: 1, SenderType: "admin", SenderID: "c", Content: "x"},
		"missing sender":   {ChannelID: 1, SenderType: ParticipantCustomer, Content: "x"},
		"untyped metadata": {ChannelID: 1, SenderType: ParticipantCustomer, SenderID: "c", Metadata: &Metadata{Type: " "}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, in.Validate(), syncerr.ErrValidationFailed)
		})
	}
}

func TestMetadataColumnRoundTrip(t *testing.T) {
	in := Metadata{Type: BookingReferenceType, Payload: json.RawMessage(`{"id":"b-1"}`)}
	v, err := in.Value()
	require.NoError(t, err)
	s, isString := v.(string)
	require.True(t, isString)

	var fromString, fromBytes Metadata
	require.NoError(t, fromString.Scan(s))
	require.NoError(t, fromBytes.Scan([]byte(s)))
	assert.Equal(t, in.Type, fromString.Type)
	assert.JSONEq(t, `{"id":"b-1"}`, string(fromBytes.Payload))

	assert.Error(t, fromString.Scan(42))
}

func TestPageCursor(t *testing.T) {
	assert.Nil(t, Page{}.Cursor())
	assert.Nil(t, Page{Messages: []Message{{ID: 5}}, HasMore: false}.Cursor())

	cursor := Page{Messages: []Message{{ID: 5}, {ID: 6}}, HasMore: true}.Cursor()
	require.NotNil(t, cursor)
	assert.Equal(t, int64(5), *cursor)
}

func TestChannelBelongsTo(t *testing.T) {
	ch := Channel{ID: 1, OrganizationID: "org", CustomerID: "cust"}

	assert.True(t, ch.BelongsTo("org", ParticipantOrganization, "agent-9"))
	assert.True(t, ch.BelongsTo("org", ParticipantCustomer, "cust"))
	assert.False(t, ch.BelongsTo("org", ParticipantCustomer, "other"))
	assert.False(t, ch.BelongsTo("other-org", ParticipantOrganization, "agent-9"))
	assert.False(t, ch.BelongsTo("org", "admin", "x"))
	assert.Equal(t, ParticipantCustomer, ParticipantOrganization.Counterparty())
}

func TestDisplayContentSuppressesBookingPlaceholder(t *testing.T) {
	booking := Message{Content: BookingPlaceholder, Metadata: &Metadata{Type: BookingReferenceType}}
	assert.True(t, booking.SuppressContent())
	assert.Empty(t, booking.DisplayContent())
	assert.Equal(t, BookingPlaceholder, booking.Content)

	custom := Message{Content: "see attached", Metadata: &Metadata{Type: BookingReferenceType}}
	assert.Equal(t, "see attached", custom.DisplayContent())

	plain := Message{Content: BookingPlaceholder}
	assert.Equal(t, BookingPlaceholder, plain.DisplayContent())
}

func TestGroupByDayUsesViewerLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 15:30 UTC on the 1st is already the 2nd in Tokyo.
	msgs := []Message{
		{ID: 1, CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{ID: 2, CreatedAt: time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)},
		{ID: 3, CreatedAt: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)},
	}

	utc := GroupByDay(msgs, time.UTC)
	require.Len(t, utc, 1)
	assert.Len(t, utc[0].Messages, 3)

	jst := GroupByDay(msgs, tokyo)
	require.Len(t, jst, 2)
	assert.Equal(t, []int64{1}, ids(jst[0].Messages))
	assert.Equal(t, []int64{2, 3}, ids(jst[1].Messages))
	assert.Equal(t, 2, jst[1].Day.Day())

	assert.Empty(t, GroupByDay(nil, nil))
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
