package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientMetaFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/conversations", nil)
	r.RemoteAddr = "10.0.0.5:4242"
	r.Header.Set("X-Device-Id", "dev-1")
	r.Header.Set("X-Request-Id", "req-1")

	meta := ClientMetaFromRequest(r)
	assert.Equal(t, ClientMeta{DeviceID: "dev-1", RequestID: "req-1", IP: "10.0.0.5"}, meta)

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientMetaFromRequest(r).IP)
}

func TestBuildHeadersSkipsEmpty(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, BuildHeaders("r", "t"))
}

type recordingPublisher struct {
	keys []string
}

func (p *recordingPublisher) PublishWithHeaders(_ context.Context, routingKey string, _ any, _ map[string]string) error {
	p.keys = append(p.keys, routingKey)
	return nil
}

func TestPublishEventWithoutPublisherIsNoop(t *testing.T) {
	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "ws_events.conversations", EventEnvelope{}, nil))

	p := &recordingPublisher{}
	SetPublisher(p)
	t.Cleanup(func() { SetPublisher(nil) })
	assert.NoError(t, PublishEvent(context.Background(), "ws_events.conversations", EventEnvelope{EventName: "ws_connect"}, nil))
	assert.Equal(t, []string{"ws_events.conversations"}, p.keys)
}
