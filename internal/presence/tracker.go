package presence

import (
	"sort"
	"time"

	"chat-sync/internal/models"
)

// State is the presence of one participant type on a channel.
type State int

const (
	Absent State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "absent"
	}
}

type connEntry struct {
	conn     models.Connection
	lastBeat time.Time
}

type typeState struct {
	state      State
	lastSeenAt *time.Time
	conns      int
}

// Tracker reference counts live connections per participant type for a single channel.
// It is owned by one goroutine and is not safe for concurrent use.
type Tracker struct {
	channelID int64
	conns     map[string]*connEntry
	types     map[models.ParticipantType]*typeState
}

// NewTracker constructs a Tracker for channelID with every participant type Absent.
func NewTracker(channelID int64) *Tracker {
	return &Tracker{
		channelID: channelID,
		conns:     make(map[string]*connEntry),
		types:     make(map[models.ParticipantType]*typeState),
	}
}

// Track registers a connection, or refreshes it when already known. A transition is
// returned only when the participant type flips to Online.
func (t *Tracker) Track(conn models.Connection, at time.Time) *models.Presence {
	if e, ok := t.conns[conn.ID]; ok {
		if at.After(e.lastBeat) {
			e.lastBeat = at
		}
		return nil
	}
	t.conns[conn.ID] = &connEntry{conn: conn, lastBeat: at}
	ts := t.typeState(conn.ParticipantType)
	ts.conns++
	if ts.state == Online {
		return nil
	}
	ts.state = Online
	return t.transition(conn.ParticipantType, ts)
}

// Heartbeat is Track under another name; remote processes re-announce connections this way.
func (t *Tracker) Heartbeat(conn models.Connection, at time.Time) *models.Presence {
	return t.Track(conn, at)
}

// Untrack removes a connection. Unknown ids are ignored. When the last connection of a
// participant type leaves, the type goes Offline with lastSeenAt set to at.
func (t *Tracker) Untrack(connID string, at time.Time) *models.Presence {
	e, ok := t.conns[connID]
	if !ok {
		return nil
	}
	delete(t.conns, connID)
	return t.release(e.conn.ParticipantType, at)
}

// Sweep drops connections whose last heartbeat is older than ttl. Types left with no
// connections go Offline with lastSeenAt set to their last heartbeat.
func (t *Tracker) Sweep(now time.Time, ttl time.Duration) []models.Presence {
	lastBeat := make(map[models.ParticipantType]time.Time)
	ids := make([]string, 0)
	for id, e := range t.conns {
		if now.Sub(e.lastBeat) <= ttl {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.Presence
	for _, id := range ids {
		e := t.conns[id]
		delete(t.conns, id)
		pt := e.conn.ParticipantType
		if e.lastBeat.After(lastBeat[pt]) {
			lastBeat[pt] = e.lastBeat
		}
		if tr := t.release(pt, lastBeat[pt]); tr != nil {
			out = append(out, *tr)
		}
	}
	return out
}

// State returns the current state of a participant type.
func (t *Tracker) State(pt models.ParticipantType) (State, *time.Time) {
	ts, ok := t.types[pt]
	if !ok {
		return Absent, nil
	}
	return ts.state, ts.lastSeenAt
}

// Snapshot returns the presence of both participant types, organization first.
func (t *Tracker) Snapshot() []models.Presence {
	out := make([]models.Presence, 0, 2)
	for _, pt := range []models.ParticipantType{models.ParticipantOrganization, models.ParticipantCustomer} {
		state, lastSeen := t.State(pt)
		out = append(out, models.Presence{
			ChannelID:       t.channelID,
			ParticipantType: pt,
			IsOnline:        state == Online,
			LastSeenAt:      lastSeen,
		})
	}
	return out
}

// Connections lists the tracked connections ordered by id.
func (t *Tracker) Connections() []models.Connection {
	out := make([]models.Connection, 0, len(t.conns))
	for _, e := range t.conns {
		out = append(out, e.conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live connections for a participant type.
func (t *Tracker) Count(pt models.ParticipantType) int {
	if ts, ok := t.types[pt]; ok {
		return ts.conns
	}
	return 0
}

func (t *Tracker) release(pt models.ParticipantType, at time.Time) *models.Presence {
	ts := t.typeState(pt)
	if ts.conns > 0 {
		ts.conns--
	}
	if ts.conns > 0 || ts.state != Online {
		return nil
	}
	ts.state = Offline
	seen := at
	ts.lastSeenAt = &seen
	return t.transition(pt, ts)
}

func (t *Tracker) typeState(pt models.ParticipantType) *typeState {
	ts, ok := t.types[pt]
	if !ok {
		ts = &typeState{}
		t.types[pt] = ts
	}
	return ts
}

func (t *Tracker) transition(pt models.ParticipantType, ts *typeState) *models.Presence {
	return &models.Presence{
		ChannelID:       t.channelID,
		ParticipantType: pt,
		IsOnline:        ts.state == Online,
		LastSeenAt:      ts.lastSeenAt,
	}
}
