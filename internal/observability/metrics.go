package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_http_requests_total",
			Help: "Total number of HTTP requests processed by the sync service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_sync_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"participant_type"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"participant_type", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_messages_appended_total",
			Help: "Messages durably appended to the store.",
		},
		[]string{"sender_type"},
	)
	publishRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_publish_retries_total",
			Help: "Transport publish attempts after the first.",
		},
	)
	publishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_publish_failures_total",
			Help: "Transport publishes abandoned after all retries.",
		},
		[]string{"kind"},
	)
	transportDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_transport_deliveries_total",
			Help: "Envelopes processed by channel rooms.",
		},
		[]string{"kind"},
	)
	presenceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_presence_transitions_total",
			Help: "Online/offline presence transitions.",
		},
		[]string{"state"},
	)
	typingRelayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_typing_relayed_total",
			Help: "Typing signals relayed to channel rooms.",
		},
	)
	storeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_store_latency_seconds",
			Help:    "Message store call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesAppendedTotal,
		publishRetriesTotal,
		publishFailuresTotal,
		transportDeliveriesTotal,
		presenceTransitionsTotal,
		typingRelayedTotal,
		storeLatency,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(participantType string) {
	wsActiveConnections.WithLabelValues(participantType).Inc()
}

func DecWSActive(participantType string) {
	wsActiveConnections.WithLabelValues(participantType).Dec()
}

func IncWSEvent(participantType, event string) {
	wsEventsTotal.WithLabelValues(participantType, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncMessagesAppended(senderType string) {
	messagesAppendedTotal.WithLabelValues(senderType).Inc()
}

func IncPublishRetry() {
	publishRetriesTotal.Inc()
}

func IncPublishFailure(kind string) {
	publishFailuresTotal.WithLabelValues(kind).Inc()
}

func IncTransportDelivery(kind string) {
	transportDeliveriesTotal.WithLabelValues(kind).Inc()
}

func IncPresenceTransition(state string) {
	presenceTransitionsTotal.WithLabelValues(state).Inc()
}

func IncTypingRelayed() {
	typingRelayedTotal.Inc()
}

func ObserveStoreLatency(op string, d time.Duration) {
	storeLatency.WithLabelValues(op).Observe(d.Seconds())
}
