package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
	"chat-sync/internal/session"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/transport"
)

const maxPageSize = 200

// ConversationHandler exposes the poll-on-demand REST surface.
type ConversationHandler struct {
	channels  repositories.ChannelRepository
	messages  repositories.MessageRepository
	transport transport.Transport
	audit     *telemetry.AuditEmitter
	logger    zerolog.Logger
	pageSize  int
}

// NewConversationHandler constructs a ConversationHandler. transport and audit may be nil.
func NewConversationHandler(channels repositories.ChannelRepository, messages repositories.MessageRepository, t transport.Transport, audit *telemetry.AuditEmitter, pageSize int, logger zerolog.Logger) *ConversationHandler {
	if pageSize <= 0 {
		pageSize = repositories.DefaultPageSize
	}
	return &ConversationHandler{
		channels:  channels,
		messages:  messages,
		transport: t,
		audit:     audit,
		pageSize:  pageSize,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// Register mounts the routes on r.
func (h *ConversationHandler) Register(r gin.IRouter) {
	r.POST("/conversations/ensure", h.EnsureConversation)
	r.GET("/conversations/:channel_id/messages", h.ListMessages)
	r.POST("/conversations/:channel_id/messages", h.PostMessage)
	r.POST("/conversations/:channel_id/read", h.MarkRead)
	r.GET("/conversations/:channel_id/unread", h.UnreadCount)
	r.GET("/conversations/:channel_id/presence", h.Presence)
}

type ensureRequest struct {
	CustomerID string `json:"customer_id"`
}

func (h *ConversationHandler) EnsureConversation(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	var req ensureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	customerID := req.CustomerID
	if id.ParticipantType == models.ParticipantCustomer {
		if customerID == "" {
			customerID = id.ParticipantID
		}
		if customerID != id.ParticipantID {
			h.fail(c, 0, "ensure channel", syncerr.ErrInvalidChannel)
			return
		}
	}
	if customerID == "" {
		h.fail(c, 0, "ensure channel", syncerr.Validation("customer_id is required"))
		return
	}

	channel, err := h.channels.EnsureChannel(c.Request.Context(), id.OrganizationID, customerID)
	if err != nil {
		h.fail(c, 0, "ensure channel", err)
		return
	}
	h.audit.ChannelEnsured(c.Request.Context(), requestIDFromContext(c), id.ParticipantID, channel.ID, id.OrganizationID, customerID)
	c.JSON(http.StatusOK, channel)
}

func (h *ConversationHandler) ListMessages(c *gin.Context) {
	channel, _, ok := h.authorize(c)
	if !ok {
		return
	}

	var before *int64
	if raw := c.Query("before"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		before = &cursor
	}
	limit := h.pageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	page, err := h.messages.Query(c.Request.Context(), channel.ID, before, limit)
	if err != nil {
		h.fail(c, channel.ID, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":    page.Messages,
		"has_more":    page.HasMore,
		"next_cursor": page.Cursor(),
	})
}

type postMessageRequest struct {
	Content         string           `json:"content"`
	Metadata        *models.Metadata `json:"metadata"`
	ClientMessageID string           `json:"client_message_id"`
}

func (h *ConversationHandler) PostMessage(c *gin.Context) {
	channel, id, ok := h.authorize(c)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	in := models.NewMessage{
		ChannelID:       channel.ID,
		SenderType:      id.ParticipantType,
		SenderID:        id.ParticipantID,
		Content:         req.Content,
		Metadata:        req.Metadata,
		ClientMessageID: req.ClientMessageID,
	}
	if err := in.Validate(); err != nil {
		h.fail(c, channel.ID, "send message", err)
		return
	}

	msg, err := h.messages.Append(c.Request.Context(), in)
	if err != nil {
		h.fail(c, channel.ID, "send message", err)
		return
	}
	observability.IncMessagesAppended(string(msg.SenderType))
	if h.transport != nil {
		if err := h.transport.Publish(c.Request.Context(), msg); err != nil {
			h.logger.Warn().Err(err).Int64("channel_id", channel.ID).Int64("message_id", msg.ID).Msg("publish failed")
		}
	}
	h.audit.MessageSent(c.Request.Context(), requestIDFromContext(c), id.ParticipantID, channel.ID, msg.ID)
	c.JSON(http.StatusCreated, msg)
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	channel, id, ok := h.authorize(c)
	if !ok {
		return
	}

	receipt, err := h.messages.MarkRead(c.Request.Context(), channel.ID, id.ParticipantType)
	if err != nil {
		h.fail(c, channel.ID, "mark read", err)
		return
	}
	if !receipt.Empty() {
		if h.transport != nil {
			if err := h.transport.PublishRead(c.Request.Context(), receipt); err != nil {
				h.logger.Warn().Err(err).Int64("channel_id", channel.ID).Msg("publish read receipt failed")
			}
		}
		h.audit.MessagesRead(c.Request.Context(), requestIDFromContext(c), id.ParticipantID, channel.ID, len(receipt.MessageIDs))
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	channel, id, ok := h.authorize(c)
	if !ok {
		return
	}

	n, err := h.messages.CountUnread(c.Request.Context(), channel.ID, id.ParticipantType)
	if err != nil {
		h.fail(c, channel.ID, "count unread", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channel.ID, "unread": n})
}

func (h *ConversationHandler) Presence(c *gin.Context) {
	channel, _, ok := h.authorize(c)
	if !ok {
		return
	}
	if h.transport == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transport not configured"})
		return
	}

	presence, err := h.transport.Presence(c.Request.Context(), channel.ID)
	if err != nil {
		h.fail(c, channel.ID, "presence", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channel.ID, "presence": presence})
}

// authorize loads the channel named in the path and checks the caller may see it.
func (h *ConversationHandler) authorize(c *gin.Context) (models.Channel, session.Identity, bool) {
	id, ok := identity(c)
	if !ok {
		return models.Channel{}, session.Identity{}, false
	}
	channelID, err := strconv.ParseInt(c.Param("channel_id"), 10, 64)
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return models.Channel{}, session.Identity{}, false
	}

	channel, err := h.channels.GetChannel(c.Request.Context(), channelID)
	if err != nil {
		h.fail(c, channelID, "get channel", err)
		return models.Channel{}, session.Identity{}, false
	}
	if !channel.BelongsTo(id.OrganizationID, id.ParticipantType, id.ParticipantID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for conversation", "code": syncerr.Code(syncerr.ErrInvalidChannel)})
		return models.Channel{}, session.Identity{}, false
	}
	return channel, id, true
}

func (h *ConversationHandler) fail(c *gin.Context, channelID int64, op string, err error) {
	status := syncerr.HTTPStatus(err)
	if errors.Is(err, repositories.ErrChannelNotFound) || errors.Is(err, repositories.ErrMessageNotFound) {
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn().Err(err).Str("op", op).Int64("channel_id", channelID).Msg("request failed")
		if id, ok := middleware.IdentityFrom(c); ok {
			h.audit.Failure(c.Request.Context(), requestIDFromContext(c), id.ParticipantID, channelID, op, err)
		}
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": syncerr.Code(err)})
}

func identity(c *gin.Context) (session.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return session.Identity{}, false
	}
	return id, true
}
