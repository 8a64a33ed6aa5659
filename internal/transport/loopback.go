package transport

import (
	"context"
	"errors"
	"sync"
)

var errRelayClosed = errors.New("relay closed")

// LoopbackBus connects in-process relays. Each relay stands in for one service process.
type LoopbackBus struct {
	mu     sync.RWMutex
	relays map[*LoopbackRelay]struct{}
}

// NewLoopbackBus constructs an empty bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{relays: make(map[*LoopbackRelay]struct{})}
}

// Relay attaches a new relay to the bus.
func (b *LoopbackBus) Relay() *LoopbackRelay {
	r := &LoopbackRelay{bus: b, joined: make(map[int64]bool)}
	b.mu.Lock()
	b.relays[r] = struct{}{}
	b.mu.Unlock()
	return r
}

// NewLoopback returns a relay on a private bus, for single-process deployments.
func NewLoopback() *LoopbackRelay {
	return NewLoopbackBus().Relay()
}

func (b *LoopbackBus) members() []*LoopbackRelay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*LoopbackRelay, 0, len(b.relays))
	for r := range b.relays {
		out = append(out, r)
	}
	return out
}

// LoopbackRelay delivers envelopes synchronously to every relay on its bus that joined the channel.
type LoopbackRelay struct {
	bus *LoopbackBus

	mu      sync.Mutex
	deliver func(Envelope)
	joined  map[int64]bool
	closed  bool
	down    bool
}

// Start records the delivery callback.
func (r *LoopbackRelay) Start(ctx context.Context, deliver func(Envelope)) error {
	r.mu.Lock()
	r.deliver = deliver
	r.mu.Unlock()
	return nil
}

// Join starts receiving envelopes for the channel.
func (r *LoopbackRelay) Join(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRelayClosed
	}
	r.joined[channelID] = true
	return nil
}

// Leave stops receiving envelopes for the channel.
func (r *LoopbackRelay) Leave(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	delete(r.joined, channelID)
	r.mu.Unlock()
	return nil
}

// SetDown simulates a lost connection: sends fail until reset.
func (r *LoopbackRelay) SetDown(down bool) {
	r.mu.Lock()
	r.down = down
	r.mu.Unlock()
}

// Send hands the envelope to every relay that joined its channel.
func (r *LoopbackRelay) Send(ctx context.Context, e Envelope) error {
	r.mu.Lock()
	closed, down := r.closed, r.down
	r.mu.Unlock()
	if closed {
		return errRelayClosed
	}
	if down {
		return errors.New("loopback relay down")
	}
	for _, member := range r.bus.members() {
		if deliver := member.target(e); deliver != nil {
			deliver(e)
		}
	}
	return nil
}

func (r *LoopbackRelay) target(e Envelope) func(Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.deliver == nil {
		return nil
	}
	if !r.joined[e.ChannelID] {
		return nil
	}
	return r.deliver
}

// Close detaches the relay from its bus.
func (r *LoopbackRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.bus.mu.Lock()
	delete(r.bus.relays, r)
	r.bus.mu.Unlock()
	return nil
}
