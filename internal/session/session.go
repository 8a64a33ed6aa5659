package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-sync/internal/eventbus"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/receipts"
	"chat-sync/internal/repositories"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/transport"
)

var tracer = otel.Tracer("chat-sync/session")

var errSessionClosed = fmt.Errorf("session closed: %w", syncerr.ErrInvalidChannel)

// Status is the connection state shown to the user.
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusReconnecting  Status = "reconnecting"
	StatusLoadingFailed Status = "loading_failed"
	StatusClosed        Status = "closed"
)

// Identity is supplied by the auth layer before a session may be built.
type Identity struct {
	OrganizationID  string
	ParticipantType models.ParticipantType
	ParticipantID   string
}

// Config holds the coordinator's timeouts and retry policy.
type Config struct {
	ResolveTimeout    time.Duration
	AppendTimeout     time.Duration
	PageSize          int
	PublishMaxRetries int
	PublishBackoff    time.Duration
}

// Deps are the collaborators shared by every session of a process.
type Deps struct {
	Channels  repositories.ChannelRepository
	Messages  repositories.MessageRepository
	Transport transport.Transport
}

// Factory builds coordinators that share dependencies.
type Factory struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
}

// NewFactory constructs a Factory.
func NewFactory(deps Deps, cfg Config, logger zerolog.Logger) *Factory {
	if cfg.PageSize <= 0 {
		cfg.PageSize = repositories.DefaultPageSize
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 200 * time.Millisecond
	}
	return &Factory{deps: deps, cfg: cfg, logger: logger}
}

// New builds a coordinator for the identity's conversation with customerID.
// A customer may only open its own conversation.
func (f *Factory) New(id Identity, customerID string) (*Coordinator, error) {
	if !id.ParticipantType.Valid() || id.ParticipantID == "" || id.OrganizationID == "" {
		return nil, syncerr.Validation("incomplete identity")
	}
	if id.ParticipantType == models.ParticipantCustomer {
		if customerID == "" {
			customerID = id.ParticipantID
		}
		if customerID != id.ParticipantID {
			return nil, fmt.Errorf("customer %s cannot open conversation of %s: %w", id.ParticipantID, customerID, syncerr.ErrInvalidChannel)
		}
	}
	if customerID == "" {
		return nil, syncerr.Validation("customer id is required")
	}

	connID := ulid.Make().String()
	c := &Coordinator{
		id:         id,
		customerID: customerID,
		connID:     connID,
		deps:       f.deps,
		cfg:        f.cfg,
		logger: f.logger.With().
			Str("component", "session").
			Str("conn_id", connID).
			Str("participant_type", string(id.ParticipantType)).
			Str("participant_id", id.ParticipantID).
			Logger(),
		status:   StatusConnecting,
		outbox:   make(chan models.Message, 256),
		stopping: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Snapshot is the state a client renders right after Connect.
type Snapshot struct {
	Channel  models.Channel   `json:"channel"`
	Page     models.Page      `json:"page"`
	Unread   int              `json:"unread"`
	Presence *models.Presence `json:"presence,omitempty"`
	Status   Status           `json:"status"`
}

// Coordinator is the per-connection facade over the directory, store and transport.
type Coordinator struct {
	id         Identity
	customerID string
	connID     string
	deps       Deps
	cfg        Config
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	channel     *models.Channel
	receipts    *receipts.Maintainer
	unsubscribe func()
	closed      bool
	status      Status

	outbox   chan models.Message
	stopping chan struct{}
	worker   sync.WaitGroup
	startPub sync.Once

	newMessage eventbus.Listeners[models.Message]
	typing     eventbus.Listeners[models.TypingSignal]
	read       eventbus.Listeners[models.ReadReceipt]
	unread     eventbus.Listeners[int]
	presence   eventbus.Listeners[models.Presence]
	statuses   eventbus.Listeners[Status]
}

// ConnID returns the id this session tracks presence under.
func (c *Coordinator) ConnID() string { return c.connID }

// Identity returns the identity the session was built for.
func (c *Coordinator) Identity() Identity { return c.id }

// Channel returns the resolved channel, if any.
func (c *Coordinator) Channel() (models.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return models.Channel{}, false
	}
	return *c.channel, true
}

// Status returns the current connection status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// UnreadCount returns the cached unread count.
func (c *Coordinator) UnreadCount() int {
	c.mu.Lock()
	m := c.receipts
	c.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.Count()
}

// Connect resolves the channel, loads the first page and the authoritative unread count,
// subscribes to live events and registers presence. Only channel resolution is fatal.
func (c *Coordinator) Connect(ctx context.Context) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "session.connect")
	defer span.End()

	if c.isClosed() {
		return Snapshot{}, errSessionClosed
	}
	ch, err := c.resolve(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve channel")
		c.setStatus(StatusLoadingFailed)
		return Snapshot{}, err
	}
	span.SetAttributes(attribute.Int64("channel_id", ch.ID))

	c.startPub.Do(func() {
		c.worker.Add(1)
		go c.publishLoop()
	})

	snap := Snapshot{Channel: ch}
	loadFailed := false

	page, err := c.deps.Messages.Query(ctx, ch.ID, nil, c.cfg.PageSize)
	if err != nil {
		c.logger.Warn().Err(err).Int64("channel_id", ch.ID).Msg("initial page load failed")
		loadFailed = true
	}
	snap.Page = page

	unread, err := c.maintainer().Reconcile(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Int64("channel_id", ch.ID).Msg("initial unread count failed")
		loadFailed = true
	}
	snap.Unread = unread

	transportOK := c.subscribe(ctx, ch.ID) == nil
	if err := c.track(ctx, ch.ID); err != nil {
		transportOK = false
	}
	if transportOK {
		snap.Presence = c.counterpartyPresence(ctx, ch.ID)
	}

	switch {
	case loadFailed:
		c.setStatus(StatusLoadingFailed)
	case !transportOK:
		c.setStatus(StatusReconnecting)
	default:
		c.setStatus(StatusConnected)
	}
	snap.Status = c.Status()
	return snap, nil
}

// Resume re-registers presence and recounts unread after a reconnect or a visibility
// change. Existing subscriptions are kept; missed messages are not re-fetched.
func (c *Coordinator) Resume(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.resume")
	defer span.End()

	if c.isClosed() {
		return errSessionClosed
	}
	ch, ok := c.Channel()
	if !ok {
		_, err := c.Connect(ctx)
		return err
	}

	var errs []error
	c.mu.Lock()
	subscribed := c.unsubscribe != nil
	c.mu.Unlock()
	if !subscribed {
		if err := c.subscribe(ctx, ch.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.track(ctx, ch.ID); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.maintainer().Reconcile(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("unread recount on resume failed")
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		c.setStatus(StatusConnected)
		return nil
	}
	err := errors.Join(errs...)
	if errors.Is(err, syncerr.ErrTransportDisconnected) {
		c.setStatus(StatusReconnecting)
	} else {
		c.setStatus(StatusLoadingFailed)
	}
	span.RecordError(err)
	return err
}

// Close untracks presence, then releases every subscription. It is idempotent.
// The untrack is sent even when tracking reported a failure; the transport ignores
// connections it does not know.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ch := c.channel
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if ch != nil {
		if err := c.deps.Transport.UntrackPresence(ctx, ch.ID, c.connID); err != nil {
			c.logger.Warn().Err(err).Msg("untrack presence failed")
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	close(c.stopping)
	c.worker.Wait()
	c.cancel()

	c.setStatus(StatusClosed)
	c.newMessage.Clear()
	c.typing.Clear()
	c.read.Clear()
	c.unread.Clear()
	c.presence.Clear()
	c.statuses.Clear()
}

// Draft is an outgoing message. ClientMessageID makes retries of the same send idempotent.
type Draft struct {
	Content         string
	Metadata        *models.Metadata
	ClientMessageID string
}

// SendMessage validates and appends the draft, then publishes it in the background.
// Store failures are returned; publish failures only change the status.
func (c *Coordinator) SendMessage(ctx context.Context, d Draft) (models.Message, error) {
	ch, ok := c.Channel()
	if !ok {
		return models.Message{}, fmt.Errorf("send message: %w", syncerr.ErrInvalidChannel)
	}
	if d.ClientMessageID == "" {
		d.ClientMessageID = ulid.Make().String()
	}
	in := models.NewMessage{
		ChannelID:       ch.ID,
		SenderType:      c.id.ParticipantType,
		SenderID:        c.id.ParticipantID,
		Content:         d.Content,
		Metadata:        d.Metadata,
		ClientMessageID: d.ClientMessageID,
	}
	if err := in.Validate(); err != nil {
		return models.Message{}, err
	}

	ctx, span := tracer.Start(ctx, "session.send_message", traceChannel(ch.ID))
	defer span.End()

	actx, cancel := withTimeout(ctx, c.cfg.AppendTimeout)
	defer cancel()
	start := time.Now()
	msg, err := c.deps.Messages.Append(actx, in)
	observability.ObserveStoreLatency("append", time.Since(start))
	if err != nil {
		err = timeoutErr("append message", actx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "append")
		return models.Message{}, err
	}
	observability.IncMessagesAppended(string(msg.SenderType))

	select {
	case c.outbox <- msg:
	case <-c.stopping:
	}
	return msg, nil
}

// MarkChannelRead marks the counterparty's messages read. Failures are logged and returned.
func (c *Coordinator) MarkChannelRead(ctx context.Context) (models.ReadReceipt, error) {
	ch, ok := c.Channel()
	if !ok {
		return models.ReadReceipt{}, fmt.Errorf("mark read: %w", syncerr.ErrInvalidChannel)
	}
	ctx, span := tracer.Start(ctx, "session.mark_read", traceChannel(ch.ID))
	defer span.End()

	receipt, err := c.maintainer().MarkRead(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Int64("channel_id", ch.ID).Msg("mark read failed")
		span.RecordError(err)
		return models.ReadReceipt{}, err
	}
	return receipt, nil
}

// SetTyping broadcasts a typing signal in the background.
func (c *Coordinator) SetTyping(isTyping bool) {
	ch, ok := c.Channel()
	if !ok {
		return
	}
	signal := models.TypingSignal{
		ChannelID:       ch.ID,
		ParticipantType: c.id.ParticipantType,
		ParticipantID:   c.id.ParticipantID,
		IsTyping:        isTyping,
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		if err := c.deps.Transport.BroadcastTyping(ctx, signal); err != nil {
			c.logger.Debug().Err(err).Bool("is_typing", isTyping).Msg("typing broadcast failed")
		}
	}()
}

// LoadEarlierMessages returns the page before cursor; a nil cursor returns the latest page.
func (c *Coordinator) LoadEarlierMessages(ctx context.Context, cursor *int64) (models.Page, error) {
	ch, ok := c.Channel()
	if !ok {
		return models.Page{}, fmt.Errorf("load messages: %w", syncerr.ErrInvalidChannel)
	}
	start := time.Now()
	page, err := c.deps.Messages.Query(ctx, ch.ID, cursor, c.cfg.PageSize)
	observability.ObserveStoreLatency("query", time.Since(start))
	return page, err
}

// SubscribeNewMessage registers a handler for messages delivered live.
func (c *Coordinator) SubscribeNewMessage(fn func(models.Message)) func() {
	return c.newMessage.Add(fn)
}

// SubscribeTyping registers a handler for the counterparty's typing signals.
func (c *Coordinator) SubscribeTyping(fn func(models.TypingSignal)) func() {
	return c.typing.Add(fn)
}

// SubscribeMessagesRead registers a handler for read receipts.
func (c *Coordinator) SubscribeMessagesRead(fn func(models.ReadReceipt)) func() {
	return c.read.Add(fn)
}

// SubscribeUnreadCount registers a handler for unread count changes.
func (c *Coordinator) SubscribeUnreadCount(fn func(int)) func() {
	return c.unread.Add(fn)
}

// SubscribePresence registers a handler for the counterparty's online transitions.
func (c *Coordinator) SubscribePresence(fn func(models.Presence)) func() {
	return c.presence.Add(fn)
}

// SubscribeStatus registers a handler for connection status changes.
func (c *Coordinator) SubscribeStatus(fn func(Status)) func() {
	return c.statuses.Add(fn)
}

func (c *Coordinator) resolve(ctx context.Context) (models.Channel, error) {
	if ch, ok := c.Channel(); ok {
		return ch, nil
	}
	rctx, cancel := withTimeout(ctx, c.cfg.ResolveTimeout)
	defer cancel()
	ch, err := c.deps.Channels.EnsureChannel(rctx, c.id.OrganizationID, c.customerID)
	if err != nil {
		return models.Channel{}, timeoutErr("resolve channel", rctx, err)
	}
	if ch.ID == 0 {
		return models.Channel{}, fmt.Errorf("resolve channel: %w", syncerr.ErrInvalidChannel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		c.channel = &ch
		c.receipts = receipts.New(ch.ID, c.id.ParticipantType, c.deps.Messages, c.deps.Transport, c.logger, c.unread.Emit)
	}
	return *c.channel, nil
}

func (c *Coordinator) maintainer() *receipts.Maintainer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts
}

func (c *Coordinator) subscribe(ctx context.Context, channelID int64) error {
	sub := transport.Subscriber{
		ParticipantType: c.id.ParticipantType,
		ParticipantID:   c.id.ParticipantID,
		ConnID:          c.connID,
	}
	counterparty := c.id.ParticipantType.Counterparty()
	unsubscribe, err := c.deps.Transport.Subscribe(ctx, channelID, sub, transport.Handlers{
		OnMessage: func(msg models.Message) {
			c.maintainer().Observe(msg)
			c.newMessage.Emit(msg)
		},
		OnRead: func(receipt models.ReadReceipt) {
			c.read.Emit(receipt)
			if receipt.ReaderType == c.id.ParticipantType {
				go func() {
					ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
					defer cancel()
					c.maintainer().HandleRead(ctx, receipt)
				}()
			}
		},
		OnTyping: c.typing.Emit,
		OnPresenceJoin: func(p models.Presence) {
			if p.ParticipantType == counterparty {
				c.presence.Emit(p)
			}
		},
		OnPresenceLeave: func(p models.Presence) {
			if p.ParticipantType == counterparty {
				c.presence.Emit(p)
			}
		},
	})
	if err != nil {
		c.logger.Warn().Err(err).Int64("channel_id", channelID).Msg("subscribe failed")
		return err
	}

	c.mu.Lock()
	if c.closed || c.unsubscribe != nil {
		c.mu.Unlock()
		unsubscribe()
		return nil
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) track(ctx context.Context, channelID int64) error {
	conn := models.Connection{ID: c.connID, ParticipantType: c.id.ParticipantType, ParticipantID: c.id.ParticipantID}
	if err := c.deps.Transport.TrackPresence(ctx, channelID, conn); err != nil {
		c.logger.Warn().Err(err).Int64("channel_id", channelID).Msg("track presence failed")
		return err
	}
	if c.isClosed() {
		// Close may have untracked before this registration landed
		if err := c.deps.Transport.UntrackPresence(ctx, channelID, c.connID); err != nil {
			c.logger.Warn().Err(err).Msg("untrack presence failed")
		}
		return errSessionClosed
	}
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) counterpartyPresence(ctx context.Context, channelID int64) *models.Presence {
	snap, err := c.deps.Transport.Presence(ctx, channelID)
	if err != nil {
		c.logger.Debug().Err(err).Msg("presence snapshot failed")
		return nil
	}
	counterparty := c.id.ParticipantType.Counterparty()
	for _, p := range snap {
		if p.ParticipantType == counterparty {
			p := p
			return &p
		}
	}
	return nil
}

// publishLoop delivers appended messages in order, retrying with backoff.
func (c *Coordinator) publishLoop() {
	defer c.worker.Done()
	for {
		select {
		case <-c.stopping:
			return
		case msg := <-c.outbox:
			c.publish(msg)
		}
	}
}

func (c *Coordinator) publish(msg models.Message) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.PublishBackoff), uint64(max(c.cfg.PublishMaxRetries, 0))),
		c.ctx,
	)
	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			observability.IncPublishRetry()
		}
		attempt++
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		return c.deps.Transport.Publish(ctx, msg)
	}, policy)
	if err != nil {
		observability.IncPublishFailure("message")
		c.logger.Warn().Err(err).Int64("message_id", msg.ID).Int("attempts", attempt).Msg("message publish failed")
		c.setStatus(StatusReconnecting)
		return
	}
	if c.Status() == StatusReconnecting {
		c.setStatus(StatusConnected)
	}
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s || (c.status == StatusClosed && s != StatusClosed) {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.statuses.Emit(s)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutErr reports a deadline hit by ctx as ErrTimeout whatever the driver returned.
func timeoutErr(op string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, syncerr.ErrTimeout) {
		return fmt.Errorf("%s: %w", op, syncerr.ErrTimeout)
	}
	return err
}

func traceChannel(channelID int64) trace.SpanStartOption {
	return trace.WithAttributes(attribute.Int64("channel_id", channelID))
}
