package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	// NotifyChannel is the LISTEN channel shared by all conversations.
	NotifyChannel = "chat_sync_events"
	// maxNotifyPayload stays under the server's 8000 byte NOTIFY limit.
	maxNotifyPayload = 7900
)

// PGNotifyRelay uses PostgreSQL LISTEN/NOTIFY as a shared change feed. Every process
// listens on one channel and filters by the conversations it joined.
type PGNotifyRelay struct {
	dsn    string
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu     sync.RWMutex
	joined map[int64]bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPGNotifyRelay connects the publishing pool.
func NewPGNotifyRelay(ctx context.Context, dsn string, logger zerolog.Logger) (*PGNotifyRelay, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGNotifyRelay{
		dsn:    dsn,
		pool:   pool,
		logger: logger.With().Str("component", "pgnotify_relay").Logger(),
		joined: make(map[int64]bool),
	}, nil
}

// Start runs the listener loop. It reconnects with a fixed delay when the connection drops.
func (r *PGNotifyRelay) Start(ctx context.Context, deliver func(Envelope)) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			err := r.listen(ctx, deliver)
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Err(err).Msg("listener disconnected, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
	return nil
}

func (r *PGNotifyRelay) listen(ctx context.Context, deliver func(Envelope)) error {
	conn, err := pgx.Connect(ctx, r.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return err
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		e, err := Decode([]byte(n.Payload))
		if err != nil {
			r.logger.Warn().Err(err).Msg("dropping malformed notification")
			continue
		}
		if !r.isJoined(e.ChannelID) {
			continue
		}
		deliver(e)
	}
}

func (r *PGNotifyRelay) isJoined(channelID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined[channelID]
}

// Join starts delivering the conversation's notifications.
func (r *PGNotifyRelay) Join(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	r.joined[channelID] = true
	r.mu.Unlock()
	return nil
}

// Leave stops delivering the conversation's notifications.
func (r *PGNotifyRelay) Leave(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	delete(r.joined, channelID)
	r.mu.Unlock()
	return nil
}

// Send issues pg_notify. Oversized message envelopes are sent without their body.
func (r *PGNotifyRelay) Send(ctx context.Context, e Envelope) error {
	payload, err := notifyPayload(e)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, payload)
	return err
}

func notifyPayload(e Envelope) (string, error) {
	payload, err := Encode(e)
	if err != nil {
		return "", err
	}
	if len(payload) <= maxNotifyPayload {
		return string(payload), nil
	}
	if e.Kind != KindMessage {
		return "", errors.New("notify payload too large")
	}
	payload, err = Encode(strip(e))
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Close stops the listener and the pool.
func (r *PGNotifyRelay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.pool.Close()
	return nil
}
