package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisChannelPrefix = "conversation:"
	// the hub joins under its lock, so a lost confirmation must not block it for long
	redisJoinTimeout = 5 * time.Second
)

// redisChannel returns the pub/sub channel name for a conversation.
func redisChannel(channelID int64) string {
	return fmt.Sprintf("%s%d", redisChannelPrefix, channelID)
}

// channelFromRedis parses a pub/sub channel name back to a conversation id.
func channelFromRedis(name string) (int64, bool) {
	if !strings.HasPrefix(name, redisChannelPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, redisChannelPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RedisRelay pushes envelopes through Redis pub/sub, one Redis channel per conversation.
// Join returns only once Redis confirmed the subscription.
type RedisRelay struct {
	client *redis.Client
	logger zerolog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	pending map[string][]chan struct{}
	wg      sync.WaitGroup

	qmu    sync.Mutex
	queue  []Envelope
	signal chan struct{}
}

// NewRedisRelay connects to redisURL and verifies the connection.
func NewRedisRelay(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisRelay(client, logger), nil
}

func newRedisRelay(client *redis.Client, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		logger:  logger.With().Str("component", "redis_relay").Logger(),
		pending: make(map[string][]chan struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// Start opens the subscription connection. One goroutine reads it and resolves
// subscription confirmations; a second hands envelopes to deliver, so a slow
// deliver never holds back a confirmation.
func (r *RedisRelay) Start(ctx context.Context, deliver func(Envelope)) error {
	ps := r.client.Subscribe(ctx)
	r.mu.Lock()
	r.pubsub = ps
	r.mu.Unlock()

	ch := ps.ChannelWithSubscriptions()
	done := make(chan struct{})
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				switch msg := raw.(type) {
				case *redis.Subscription:
					if msg.Kind == "subscribe" {
						r.confirm(msg.Channel)
					}
				case *redis.Message:
					if e, ok := r.decode(msg); ok {
						r.push(e)
					}
				}
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-done:
				return
			case <-r.signal:
			}
			for _, e := range r.drain() {
				deliver(e)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) decode(msg *redis.Message) (Envelope, bool) {
	id, ok := channelFromRedis(msg.Channel)
	if !ok {
		return Envelope{}, false
	}
	e, err := Decode([]byte(msg.Payload))
	if err != nil || e.ChannelID != id {
		r.logger.Warn().Err(err).Str("redis_channel", msg.Channel).Msg("dropping malformed envelope")
		return Envelope{}, false
	}
	return e, true
}

func (r *RedisRelay) push(e Envelope) {
	r.qmu.Lock()
	r.queue = append(r.queue, e)
	r.qmu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *RedisRelay) drain() []Envelope {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	out := r.queue
	r.queue = nil
	return out
}

// expect registers interest in the next subscribe confirmation for name.
func (r *RedisRelay) expect(name string) chan struct{} {
	ready := make(chan struct{})
	r.mu.Lock()
	r.pending[name] = append(r.pending[name], ready)
	r.mu.Unlock()
	return ready
}

func (r *RedisRelay) forget(name string, ready chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.pending[name]
	for i, w := range waiters {
		if w == ready {
			r.pending[name] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.pending[name]) == 0 {
		delete(r.pending, name)
	}
}

func (r *RedisRelay) confirm(name string) {
	r.mu.Lock()
	waiters := r.pending[name]
	delete(r.pending, name)
	r.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Join subscribes to the conversation's Redis channel and waits for the confirmation.
func (r *RedisRelay) Join(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	ps := r.pubsub
	r.mu.Unlock()
	if ps == nil {
		return errRelayClosed
	}
	ctx, cancel := context.WithTimeout(ctx, redisJoinTimeout)
	defer cancel()
	name := redisChannel(channelID)
	ready := r.expect(name)
	if err := ps.Subscribe(ctx, name); err != nil {
		r.forget(name, ready)
		return err
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		r.forget(name, ready)
		return ctx.Err()
	}
}

// Leave unsubscribes from the conversation's Redis channel.
func (r *RedisRelay) Leave(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	ps := r.pubsub
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Unsubscribe(ctx, redisChannel(channelID))
}

// Send publishes the envelope on the conversation's Redis channel.
func (r *RedisRelay) Send(ctx context.Context, e Envelope) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisChannel(e.ChannelID), payload).Err()
}

// Close tears down the subscription and the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	ps := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}
