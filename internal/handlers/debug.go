package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	// audit-test pushes one audit record through the broker, optionally tagged with a
	// conversation so the downstream consumer can be checked per channel.
	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		var channelID int64
		if raw := c.Query("channel_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
				return
			}
			channelID = id
		}
		emitter.Emit(c.Request.Context(), "DEBUG", "conversation audit check", requestIDFromContext(c), participantIDFromContext(c), channelID)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channel_id": channelID})
	})
}
