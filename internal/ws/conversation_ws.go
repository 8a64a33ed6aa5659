package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-sync/internal/logging"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/session"
	"chat-sync/internal/syncerr"
)

// ConversationWebSocketHandler serves the live conversation socket.
type ConversationWebSocketHandler struct {
	hub     *Hub
	factory *session.Factory
	logger  zerolog.Logger
}

// NewConversationWebSocketHandler constructs a ConversationWebSocketHandler.
func NewConversationWebSocketHandler(hub *Hub, factory *session.Factory, logger zerolog.Logger) *ConversationWebSocketHandler {
	return &ConversationWebSocketHandler{
		hub:     hub,
		factory: factory,
		logger:  logger.With().Str("component", "ws").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and runs a session for it. Access errors are
// reported as HTTP statuses before the upgrade; channel resolution errors after
// the upgrade arrive as an error frame followed by a close.
func (h *ConversationWebSocketHandler) Handle(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	// The socket outlives the request.
	ctx = context.WithoutCancel(ctx)

	coord, err := h.factory.New(id, c.Query("customer_id"))
	if err != nil {
		c.JSON(syncerr.HTTPStatus(err), gin.H{"error": err.Error(), "code": syncerr.Code(err)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	meta := observability.ClientMetaFromRequest(c.Request)
	if rid := c.GetString(logging.RequestIDKey); rid != "" {
		meta.RequestID = rid
	}
	info := ConnInfo{
		ConnID:          coord.ConnID(),
		OrganizationID:  id.OrganizationID,
		ParticipantType: string(id.ParticipantType),
		ParticipantID:   id.ParticipantID,
		DeviceID:        meta.DeviceID,
		IP:              meta.IP,
		RequestID:       meta.RequestID,
		TraceID:         span.SpanContext().TraceID().String(),
		ConnectedAt:     time.Now(),
	}
	client := newClient(coord, info, h.logger.With().Str("conn_id", info.ConnID).Logger())
	client.conn = conn
	client.ctx = ctx
	client.bind()

	snap, err := coord.Connect(ctx)
	if err != nil {
		span.RecordError(err)
		coord.Close(ctx)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(outboundFrame{Type: frameError, Error: err.Error(), Code: syncerr.Code(err)})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, syncerr.Code(err)),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	info.ChannelID = snap.Channel.ID
	client.info = info
	span.SetAttributes(attribute.Int64("channel_id", info.ChannelID))

	h.hub.Add(info.ChannelID, client, info)
	observability.IncWSActive(info.ParticipantType)
	publishLifecycle(ctx, info, "ws_connect", "")

	client.enqueue(outboundFrame{Type: frameConnected, Snapshot: &snap})

	go client.writePump()
	go func() {
		err := client.readPump()
		unexpected := client.unexpectedClose(err)
		client.shutdown("read loop ended")
		reason := client.reason
		if unexpected {
			reason = err.Error()
			publishLifecycle(ctx, info, "ws_error", reason)
		}

		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		coord.Close(closeCtx)
		cancel()

		h.hub.Remove(info.ChannelID, client)
		observability.DecWSActive(info.ParticipantType)
		publishLifecycle(ctx, info, "ws_disconnect", reason)
		close(client.released)
	}()
}
