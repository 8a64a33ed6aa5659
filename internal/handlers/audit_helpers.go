package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-sync/internal/logging"
	"chat-sync/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(logging.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(logging.RequestIDKey, requestID)
	return requestID
}

func participantIDFromContext(c *gin.Context) *string {
	id, ok := middleware.IdentityFrom(c)
	if !ok || id.ParticipantID == "" {
		return nil
	}
	value := id.ParticipantID
	return &value
}
