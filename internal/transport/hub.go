package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

var errHubClosed = errors.New("hub closed")

// Options tune a Hub. Zero values disable the heartbeat loop and TTL sweep.
type Options struct {
	Heartbeat time.Duration
	TTL       time.Duration
	// SyncWait is how long Presence waits for remote heartbeats when it had to open the room.
	SyncWait time.Duration
	Resolver MessageResolver
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Hub implements Transport on top of a Relay with one serialized room per channel.
type Hub struct {
	node   string
	relay  Relay
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	rooms  map[int64]*room
	local  map[int64]map[string]models.Connection
	lanes  map[int64]*publishLane
}

// publishLane serializes the relay sends of one channel's messages and receipts.
type publishLane struct {
	mu    sync.Mutex
	users int
}

// NewHub starts the relay and, when configured, the heartbeat loop.
func NewHub(relay Relay, opts Options) (*Hub, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		node:   ulid.Make().String(),
		relay:  relay,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "transport").Logger(),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[int64]*room),
		local:  make(map[int64]map[string]models.Connection),
		lanes:  make(map[int64]*publishLane),
	}
	if err := relay.Start(ctx, h.deliver); err != nil {
		cancel()
		return nil, syncerr.Transport("start relay", err)
	}
	if opts.Heartbeat > 0 {
		h.wg.Add(1)
		go h.heartbeatLoop()
	}
	return h, nil
}

func (h *Hub) now() time.Time {
	return h.opts.Now()
}

// Publish fans a stored message out to every subscriber of its channel. Publishes on
// one channel reach the relay one at a time, in call order.
func (h *Hub) Publish(ctx context.Context, msg models.Message) error {
	return h.sendInOrder(ctx, Envelope{Kind: KindMessage, ChannelID: msg.ChannelID, Message: &msg})
}

// PublishRead fans a read receipt out to every subscriber of its channel.
func (h *Hub) PublishRead(ctx context.Context, receipt models.ReadReceipt) error {
	return h.sendInOrder(ctx, Envelope{Kind: KindRead, ChannelID: receipt.ChannelID, Receipt: &receipt})
}

// BroadcastTyping relays a typing signal. Subscribers with the sender's participant id never see it.
func (h *Hub) BroadcastTyping(ctx context.Context, signal models.TypingSignal) error {
	return h.send(ctx, Envelope{Kind: KindTyping, ChannelID: signal.ChannelID, Typing: &signal})
}

// TrackPresence registers a live connection. Tracking a known connection again only refreshes it.
func (h *Hub) TrackPresence(ctx context.Context, channelID int64, conn models.Connection) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return syncerr.Transport("track presence", errHubClosed)
	}
	conns, ok := h.local[channelID]
	if !ok {
		conns = make(map[string]models.Connection)
		h.local[channelID] = conns
	}
	_, known := conns[conn.ID]
	created := false
	if !known {
		var err error
		if _, created, err = h.acquireLocked(ctx, channelID); err != nil {
			if len(conns) == 0 {
				delete(h.local, channelID)
			}
			h.mu.Unlock()
			return err
		}
	}
	conns[conn.ID] = conn
	h.mu.Unlock()

	if created {
		h.requestSync(ctx, channelID)
	}
	err := h.send(ctx, Envelope{Kind: KindTrack, ChannelID: channelID, Connections: []models.Connection{conn}})
	if err != nil && !known {
		// a connection the caller was never told is tracked must not be heartbeated
		h.mu.Lock()
		if conns, ok := h.local[channelID]; ok {
			if _, still := conns[conn.ID]; still {
				delete(conns, conn.ID)
				if len(conns) == 0 {
					delete(h.local, channelID)
				}
				h.releaseLocked(channelID)
			}
		}
		h.mu.Unlock()
	}
	return err
}

// UntrackPresence removes a live connection. Unknown connections are ignored.
func (h *Hub) UntrackPresence(ctx context.Context, channelID int64, connID string) error {
	h.mu.Lock()
	conns := h.local[channelID]
	if _, ok := conns[connID]; !ok {
		h.mu.Unlock()
		return nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.local, channelID)
	}
	h.mu.Unlock()

	err := h.send(ctx, Envelope{Kind: KindUntrack, ChannelID: channelID, ConnID: connID})

	h.mu.Lock()
	h.releaseLocked(channelID)
	h.mu.Unlock()
	return err
}

// Subscribe registers handlers for a channel's live events.
func (h *Hub) Subscribe(ctx context.Context, channelID int64, sub Subscriber, handlers Handlers) (func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, syncerr.Transport("subscribe", errHubClosed)
	}
	r, created, err := h.acquireLocked(ctx, channelID)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	remove := r.addSub(sub, handlers)
	h.mu.Unlock()

	if created {
		h.requestSync(ctx, channelID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			h.mu.Lock()
			h.releaseLocked(channelID)
			h.mu.Unlock()
		})
	}, nil
}

// Presence returns the presence of both participant types as seen by this process.
func (h *Hub) Presence(ctx context.Context, channelID int64) ([]models.Presence, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, syncerr.Transport("presence", errHubClosed)
	}
	r, created, err := h.acquireLocked(ctx, channelID)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer func() {
		h.mu.Lock()
		h.releaseLocked(channelID)
		h.mu.Unlock()
	}()

	if created {
		h.requestSync(ctx, channelID)
		if h.opts.SyncWait > 0 {
			select {
			case <-time.After(h.opts.SyncWait):
			case <-ctx.Done():
				return nil, syncerr.Transport("presence", ctx.Err())
			}
		}
	}
	out, ok := r.snapshot(ctx)
	if !ok {
		return nil, syncerr.Transport("presence", errHubClosed)
	}
	return out, nil
}

// Close stops every room and the relay.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[int64]*room)
	h.local = make(map[int64]map[string]models.Connection)
	h.mu.Unlock()

	for _, r := range rooms {
		r.stop()
	}
	h.cancel()
	h.wg.Wait()
	return h.relay.Close()
}

func (h *Hub) acquireLocked(ctx context.Context, channelID int64) (*room, bool, error) {
	if r, ok := h.rooms[channelID]; ok {
		r.refs++
		return r, false, nil
	}
	if err := h.relay.Join(ctx, channelID); err != nil {
		return nil, false, syncerr.Transport("join channel", err)
	}
	r := newRoom(h, channelID)
	r.refs = 1
	h.rooms[channelID] = r
	go r.run()
	return r, true, nil
}

func (h *Hub) releaseLocked(channelID int64) {
	r, ok := h.rooms[channelID]
	if !ok {
		return
	}
	r.refs--
	if r.refs > 0 {
		return
	}
	delete(h.rooms, channelID)
	r.stop()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	if err := h.relay.Leave(ctx, channelID); err != nil {
		h.logger.Warn().Err(err).Int64("channel_id", channelID).Msg("relay leave failed")
	}
}

func (h *Hub) send(ctx context.Context, e Envelope) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return syncerr.Transport(string(e.Kind), errHubClosed)
	}
	e.Origin = h.node
	e.SentAt = h.now().UTC()
	return syncerr.Transport(string(e.Kind), h.relay.Send(ctx, e))
}

func (h *Hub) sendInOrder(ctx context.Context, e Envelope) error {
	h.mu.Lock()
	lane, ok := h.lanes[e.ChannelID]
	if !ok {
		lane = &publishLane{}
		h.lanes[e.ChannelID] = lane
	}
	lane.users++
	h.mu.Unlock()

	lane.mu.Lock()
	err := h.send(ctx, e)
	lane.mu.Unlock()

	h.mu.Lock()
	lane.users--
	if lane.users == 0 {
		delete(h.lanes, e.ChannelID)
	}
	h.mu.Unlock()
	return err
}

// requestSync asks every process to re-announce its live connections on the channel.
func (h *Hub) requestSync(ctx context.Context, channelID int64) {
	if err := h.send(ctx, Envelope{Kind: KindSync, ChannelID: channelID}); err != nil {
		h.logger.Warn().Err(err).Int64("channel_id", channelID).Msg("presence sync request failed")
	}
}

func (h *Hub) deliver(e Envelope) {
	if e.Kind == KindSync {
		h.announce(e.ChannelID)
		return
	}
	h.mu.Lock()
	r := h.rooms[e.ChannelID]
	h.mu.Unlock()
	if r == nil {
		return
	}
	r.enqueue(func() { r.handle(e) })
}

func (h *Hub) localConnections(channelID int64) []models.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.local[channelID]
	out := make([]models.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) announce(channelID int64) {
	conns := h.localConnections(channelID)
	if len(conns) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	if err := h.send(ctx, Envelope{Kind: KindHeartbeat, ChannelID: channelID, Connections: conns}); err != nil {
		h.logger.Debug().Err(err).Int64("channel_id", channelID).Msg("presence heartbeat failed")
	}
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick re-announces local connections and expires silent remote ones.
func (h *Hub) tick() {
	h.mu.Lock()
	channels := make([]int64, 0, len(h.local))
	for id := range h.local {
		channels = append(channels, id)
	}
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, id := range channels {
		h.announce(id)
	}
	if h.opts.TTL <= 0 {
		return
	}
	for _, r := range rooms {
		r := r
		r.enqueue(func() { r.sweep(h.opts.TTL) })
	}
}

func (h *Hub) rehydrate(stub models.Message) (models.Message, bool) {
	if h.opts.Resolver == nil {
		h.logger.Warn().Int64("message_id", stub.ID).Msg("stripped message without resolver")
		return models.Message{}, false
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	msg, err := h.opts.Resolver.GetMessage(ctx, stub.ChannelID, stub.ID)
	if err != nil {
		h.logger.Warn().Err(err).Int64("message_id", stub.ID).Msg("rehydrate message failed")
		return models.Message{}, false
	}
	return msg, true
}
