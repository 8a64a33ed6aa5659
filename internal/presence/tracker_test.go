package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func customerConn(id string) models.Connection {
	return models.Connection{ID: id, ParticipantType: models.ParticipantCustomer, ParticipantID: "cust-1"}
}

func TestTrackEmitsOnlineOnce(t *testing.T) {
	tr := NewTracker(7)

	first := tr.Track(customerConn("c1"), base)
	require.NotNil(t, first)
	assert.True(t, first.IsOnline)
	assert.Equal(t, int64(7), first.ChannelID)

	assert.Nil(t, tr.Track(customerConn("c2"), base), "second tab must not emit")
	assert.Nil(t, tr.Track(customerConn("c1"), base.Add(time.Second)), "re-track is idempotent")
	assert.Equal(t, 2, tr.Count(models.ParticipantCustomer))
}

func TestUntrackLastConnectionGoesOffline(t *testing.T) {
	tr := NewTracker(7)
	tr.Track(customerConn("c1"), base)
	tr.Track(customerConn("c2"), base)

	assert.Nil(t, tr.Untrack("c1", base.Add(time.Minute)))
	state, _ := tr.State(models.ParticipantCustomer)
	assert.Equal(t, Online, state)

	left := base.Add(2 * time.Minute)
	off := tr.Untrack("c2", left)
	require.NotNil(t, off)
	assert.False(t, off.IsOnline)
	require.NotNil(t, off.LastSeenAt)
	assert.Equal(t, left, *off.LastSeenAt)
}

func TestUntrackUnknownIsNoop(t *testing.T) {
	tr := NewTracker(1)
	assert.Nil(t, tr.Untrack("missing", base))
	state, lastSeen := tr.State(models.ParticipantOrganization)
	assert.Equal(t, Absent, state)
	assert.Nil(t, lastSeen)
}

func TestSweepExpiresSilentConnections(t *testing.T) {
	tr := NewTracker(3)
	tr.Track(customerConn("c1"), base)
	tr.Heartbeat(customerConn("c1"), base.Add(10*time.Second))

	assert.Empty(t, tr.Sweep(base.Add(20*time.Second), 30*time.Second))

	out := tr.Sweep(base.Add(50*time.Second), 30*time.Second)
	require.Len(t, out, 1)
	assert.False(t, out[0].IsOnline)
	assert.Equal(t, base.Add(10*time.Second), *out[0].LastSeenAt)
	assert.Empty(t, tr.Connections())
}

func TestSweepKeepsTypeOnlineWhileOneConnectionIsFresh(t *testing.T) {
	tr := NewTracker(3)
	tr.Track(customerConn("stale"), base)
	tr.Track(customerConn("fresh"), base.Add(40*time.Second))

	assert.Empty(t, tr.Sweep(base.Add(45*time.Second), 30*time.Second))
	state, _ := tr.State(models.ParticipantCustomer)
	assert.Equal(t, Online, state)
	assert.Equal(t, 1, tr.Count(models.ParticipantCustomer))
}

func TestSnapshotCoversBothTypes(t *testing.T) {
	tr := NewTracker(9)
	tr.Track(models.Connection{ID: "o1", ParticipantType: models.ParticipantOrganization, ParticipantID: "agent"}, base)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, models.ParticipantOrganization, snap[0].ParticipantType)
	assert.True(t, snap[0].IsOnline)
	assert.False(t, snap[1].IsOnline)
	assert.Nil(t, snap[1].LastSeenAt)
}

func TestOfflineThenOnlineAgain(t *testing.T) {
	tr := NewTracker(2)
	tr.Track(customerConn("c1"), base)
	tr.Untrack("c1", base.Add(time.Second))

	again := tr.Track(customerConn("c2"), base.Add(time.Minute))
	require.NotNil(t, again)
	assert.True(t, again.IsOnline)
}
