package transport

import (
	"context"
	"sync"
	"time"

	"chat-sync/internal/eventbus"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/presence"
)

type subscription struct {
	sub   Subscriber
	h     Handlers
	guard *eventbus.Guard
}

// room serializes every event of one channel on a single goroutine. The presence
// tracker is owned by that goroutine.
type room struct {
	channelID int64
	hub       *Hub
	tracker   *presence.Tracker
	refs      int

	// highest message id delivered, owned by the room goroutine
	lastMessageID int64

	qmu     sync.Mutex
	queue   []func()
	signal  chan struct{}
	done    chan struct{}
	stopped bool

	smu     sync.Mutex
	nextSub uint64
	subs    map[uint64]*subscription
}

func newRoom(h *Hub, channelID int64) *room {
	return &room{
		channelID: channelID,
		hub:       h,
		tracker:   presence.NewTracker(channelID),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		subs:      make(map[uint64]*subscription),
	}
}

func (r *room) run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.signal:
		}
		for {
			r.qmu.Lock()
			ops := r.queue
			r.queue = nil
			r.qmu.Unlock()
			if len(ops) == 0 {
				break
			}
			for _, op := range ops {
				select {
				case <-r.done:
					return
				default:
				}
				op()
			}
		}
	}
}

func (r *room) enqueue(op func()) bool {
	r.qmu.Lock()
	if r.stopped {
		r.qmu.Unlock()
		return false
	}
	r.queue = append(r.queue, op)
	r.qmu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return true
}

func (r *room) stop() {
	r.qmu.Lock()
	if r.stopped {
		r.qmu.Unlock()
		return
	}
	r.stopped = true
	r.queue = nil
	r.qmu.Unlock()
	close(r.done)
}

func (r *room) addSub(sub Subscriber, h Handlers) func() {
	r.smu.Lock()
	id := r.nextSub
	r.nextSub++
	s := &subscription{sub: sub, h: h, guard: &eventbus.Guard{}}
	r.subs[id] = s
	r.smu.Unlock()

	return func() {
		r.smu.Lock()
		delete(r.subs, id)
		r.smu.Unlock()
		s.guard.Close()
	}
}

func (r *room) snapshotSubs() []*subscription {
	r.smu.Lock()
	defer r.smu.Unlock()
	out := make([]*subscription, 0, len(r.subs))
	for id := uint64(0); id < r.nextSub; id++ {
		if s, ok := r.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *room) handle(e Envelope) {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return
		}
		msg := *e.Message
		if msg.ID <= r.lastMessageID {
			r.hub.logger.Debug().Int64("channel_id", r.channelID).Int64("message_id", msg.ID).
				Int64("last_message_id", r.lastMessageID).Msg("dropping stale message")
			observability.IncTransportDelivery("message_stale")
			return
		}
		r.lastMessageID = msg.ID
		if e.Stripped {
			full, ok := r.hub.rehydrate(msg)
			if !ok {
				return
			}
			msg = full
		}
		r.each(func(s *subscription) {
			if s.h.OnMessage != nil {
				s.h.OnMessage(msg)
			}
		})
	case KindRead:
		if e.Receipt == nil {
			return
		}
		receipt := *e.Receipt
		r.each(func(s *subscription) {
			if s.h.OnRead != nil {
				s.h.OnRead(receipt)
			}
		})
	case KindTyping:
		if e.Typing == nil {
			return
		}
		signal := *e.Typing
		observability.IncTypingRelayed()
		r.each(func(s *subscription) {
			if s.sub.ParticipantID == signal.ParticipantID {
				return
			}
			if s.h.OnTyping != nil {
				s.h.OnTyping(signal)
			}
		})
	case KindTrack, KindHeartbeat:
		now := r.hub.now()
		for _, conn := range e.Connections {
			if tr := r.tracker.Track(conn, now); tr != nil {
				r.emitPresence(*tr)
			}
		}
	case KindUntrack:
		if tr := r.tracker.Untrack(e.ConnID, r.hub.now()); tr != nil {
			r.emitPresence(*tr)
		}
	}
	observability.IncTransportDelivery(string(e.Kind))
}

func (r *room) sweep(ttl time.Duration) {
	for _, tr := range r.tracker.Sweep(r.hub.now(), ttl) {
		r.emitPresence(tr)
	}
}

func (r *room) emitPresence(p models.Presence) {
	if p.IsOnline {
		observability.IncPresenceTransition("online")
	} else {
		observability.IncPresenceTransition("offline")
	}
	r.each(func(s *subscription) {
		if p.IsOnline && s.h.OnPresenceJoin != nil {
			s.h.OnPresenceJoin(p)
		}
		if !p.IsOnline && s.h.OnPresenceLeave != nil {
			s.h.OnPresenceLeave(p)
		}
	})
}

func (r *room) each(fn func(*subscription)) {
	for _, s := range r.snapshotSubs() {
		s.guard.Do(func() { fn(s) })
	}
}

// snapshot asks the room goroutine for the current presence.
func (r *room) snapshot(ctx context.Context) ([]models.Presence, bool) {
	reply := make(chan []models.Presence, 1)
	if !r.enqueue(func() { reply <- r.tracker.Snapshot() }) {
		return nil, false
	}
	select {
	case out := <-reply:
		return out, true
	case <-ctx.Done():
		return nil, false
	case <-r.done:
		return nil, false
	}
}
