package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	grpcserver "chat-sync/internal/grpc"
	"chat-sync/internal/handlers"
	"chat-sync/internal/logging"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/repositories"
	"chat-sync/internal/session"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/transport"
	"chat-sync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.Env).With().Str("service", cfg.Service).Logger()
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Service, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer store.Close()

	relay, err := openRelay(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.Transport).Msg("failed to open transport")
	}
	hub, err := transport.NewHub(relay, transport.Options{
		Heartbeat: cfg.PresenceHeartbeat,
		TTL:       cfg.PresenceTTL,
		SyncWait:  cfg.PresenceSyncWait,
		Resolver:  store,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start transport hub")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.Service, cfg.Env, logger)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")

	factory := session.NewFactory(session.Deps{
		Channels:  store,
		Messages:  store,
		Transport: hub,
	}, session.Config{
		ResolveTimeout:    cfg.ResolveTimeout,
		AppendTimeout:     cfg.AppendTimeout,
		PageSize:          cfg.PageSize,
		PublishMaxRetries: cfg.PublishMaxRetries,
		PublishBackoff:    cfg.PublishBackoff,
	}, logger)

	conversations := handlers.NewConversationHandler(store, store, hub, audit, cfg.PageSize, logger)
	wsHub := ws.NewHub()
	conversationWS := ws.NewConversationWebSocketHandler(wsHub, factory, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Service))
	router.Use(middleware.RequestID())
	router.Use(logging.AccessLog(logger))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", middleware.Auth(cfg.JWTSecret))
	conversations.Register(authed)
	authed.GET("/ws/conversations", conversationWS.Handle)
	handlers.RegisterDebugRoutes(authed, audit, cfg.DebugRoutes)

	health := grpcserver.NewHealthServer(store, logger)
	go health.Watch(ctx, 10*time.Second)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for grpc")
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("grpc_port", cfg.GRPCPort).
			Str("store", cfg.StoreDriver).
			Str("transport", cfg.Transport).
			Msg("starting chat sync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	if err := wsHub.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket sessions not released in time")
	}
	if err := hub.Close(); err != nil {
		logger.Warn().Err(err).Msg("transport close failed")
	}
	health.Stop()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}

	logger.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repositories.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		database, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, err
		}
		return repositories.NewPostgresStore(database), nil
	case "mongo":
		return repositories.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return repositories.NewMemoryStore(), nil
	}
}

func openRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (transport.Relay, error) {
	switch cfg.Transport {
	case "redis":
		return transport.NewRedisRelay(ctx, cfg.RedisURL, logger)
	case "pgnotify":
		return transport.NewPGNotifyRelay(ctx, cfg.DatabaseDSN, logger)
	default:
		return transport.NewLoopback(), nil
	}
}
