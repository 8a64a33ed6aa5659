package ws

import (
	"context"
	"time"

	"chat-sync/internal/observability"
)

const routingKey = "ws_events.conversations"

// publishLifecycle records a connection lifecycle event in metrics and on the event bus.
func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(info.ParticipantType, event)

	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, routingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "conversation",
				"resource_id": info.ChannelID,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"organization_id":  info.OrganizationID,
				"participant_type": info.ParticipantType,
				"participant_id":   info.ParticipantID,
				"device_id":        info.DeviceID,
				"ip":               info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
