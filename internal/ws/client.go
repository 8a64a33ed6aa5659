package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chat-sync/internal/models"
	"chat-sync/internal/session"
	"chat-sync/internal/syncerr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection bound to one session coordinator.
type Client struct {
	conn   *websocket.Conn
	coord  *session.Coordinator
	info   ConnInfo
	logger zerolog.Logger

	ctx  context.Context
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	reason    string
	released  chan struct{}
}

func newClient(coord *session.Coordinator, info ConnInfo, logger zerolog.Logger) *Client {
	return &Client{
		coord:    coord,
		info:     info,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

// bind forwards coordinator events to the socket. It must run before Connect so no
// live event is lost between subscribe and registration.
func (c *Client) bind() {
	c.coord.SubscribeNewMessage(func(m models.Message) {
		c.enqueue(outboundFrame{Type: frameMessage, Message: &m})
	})
	c.coord.SubscribeMessagesRead(func(r models.ReadReceipt) {
		c.enqueue(outboundFrame{Type: frameRead, Receipt: &r})
	})
	c.coord.SubscribeTyping(func(s models.TypingSignal) {
		c.enqueue(outboundFrame{Type: frameTyping, Typing: &s})
	})
	c.coord.SubscribePresence(func(p models.Presence) {
		c.enqueue(outboundFrame{Type: framePresence, Presence: &p})
	})
	c.coord.SubscribeUnreadCount(func(n int) {
		c.enqueue(outboundFrame{Type: frameUnread, Unread: &n})
	})
	c.coord.SubscribeStatus(func(s session.Status) {
		c.enqueue(outboundFrame{Type: frameStatus, Status: s})
	})
}

// enqueue never blocks; a client that cannot keep up is disconnected.
func (c *Client) enqueue(f outboundFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		c.logger.Error().Err(err).Str("frame", f.Type).Msg("encode frame")
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.shutdown("slow consumer")
	}
}

func (c *Client) enqueueError(requestID string, err error) {
	c.enqueue(outboundFrame{Type: frameError, RequestID: requestID, Error: err.Error(), Code: syncerr.Code(err)})
}

// shutdown asks the write loop to send a close frame and drop the socket.
func (c *Client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// readPump decodes inbound frames until the socket fails. The caller releases the session.
func (c *Client) readPump() error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueueError("", syncerr.Validation("malformed frame"))
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f inboundFrame) {
	switch f.Type {
	case frameSend:
		msg, err := c.coord.SendMessage(c.ctx, session.Draft{
			Content:         f.Content,
			Metadata:        f.Metadata,
			ClientMessageID: f.ClientMessageID,
		})
		if err != nil {
			c.enqueueError(f.RequestID, err)
			return
		}
		c.enqueue(outboundFrame{Type: frameAck, RequestID: f.RequestID, Message: &msg})
	case frameTyping:
		c.coord.SetTyping(f.IsTyping)
	case frameRead:
		receipt, err := c.coord.MarkChannelRead(c.ctx)
		if err != nil {
			c.enqueueError(f.RequestID, err)
			return
		}
		c.enqueue(outboundFrame{Type: frameAck, RequestID: f.RequestID, Receipt: &receipt})
	case frameHistory:
		page, err := c.coord.LoadEarlierMessages(c.ctx, f.Before)
		if err != nil {
			c.enqueueError(f.RequestID, err)
			return
		}
		c.enqueue(outboundFrame{Type: frameHistory, RequestID: f.RequestID, Page: &page})
	case frameVisible:
		if err := c.coord.Resume(c.ctx); err != nil {
			c.enqueueError(f.RequestID, err)
		}
	case framePing:
		c.enqueue(outboundFrame{Type: framePong, RequestID: f.RequestID})
	default:
		c.enqueueError(f.RequestID, syncerr.Validation("unknown frame type "+f.Type))
	}
}

// writePump owns all writes to the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown("write loop ended")
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write error")
				publishLifecycle(c.ctx, c.info, "ws_error", err.Error())
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, c.reason),
				time.Now().Add(writeWait))
			return
		}
	}
}

// unexpectedClose reports read errors other than a clean close from either side.
func (c *Client) unexpectedClose(err error) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	}
	return true
}
