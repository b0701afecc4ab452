package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abhinavkale-dev/ChatPulse/internal/bootstrap"
	"github.com/abhinavkale-dev/ChatPulse/internal/cache"
	"github.com/abhinavkale-dev/ChatPulse/internal/platform/rabbitmq"
	"github.com/abhinavkale-dev/ChatPulse/internal/ratelimit"
	"github.com/abhinavkale-dev/ChatPulse/internal/relay"
	"github.com/abhinavkale-dev/ChatPulse/internal/repository"
	"github.com/abhinavkale-dev/ChatPulse/internal/transport/http/handler"
	"github.com/abhinavkale-dev/ChatPulse/internal/transport/http/middleware"
	"github.com/abhinavkale-dev/ChatPulse/internal/transport/ws"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	cfg := app.Config
	gin.SetMode(cfg.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	userRepo := repository.NewUserRepository(app.MySQL)
	messageRepo := repository.NewMessageRepository(app.MySQL)
	historyCache := cache.NewHistoryCache(app.Redis, time.Duration(cfg.Redis.HistoryTTLHours)*time.Hour)
	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisCounter(app.Redis),
		time.Duration(cfg.Relay.RateLimitWindowSeconds)*time.Second,
		cfg.Relay.RateLimitMaxMessages,
		time.Duration(cfg.Relay.RateLimitBlockSeconds)*time.Second,
		app.Logger,
	)

	var publisher relay.EventPublisher
	if app.MQConn != nil {
		publisher = rabbitmq.NewEventPublisher(app.MQConn, cfg.RabbitMQ.MessageEventQueue)
	}

	registry := relay.NewRegistry()
	relaySvc := relay.New(relay.Deps{
		Registry:      registry,
		Hub:           relay.NewHub(registry, app.Logger),
		Cache:         historyCache,
		Store:         messageRepo,
		Users:         userRepo,
		Limiter:       limiter,
		Publisher:     publisher,
		MaxBodyLength: cfg.Relay.MaxBodyLength,
		Logger:        app.Logger,
	})

	healthHandler := handler.NewHealthHandler(app, registry)
	router.GET("/healthz", healthHandler.Check)

	wsHandler := ws.NewHandler(relaySvc, cfg.Auth.JWTSecret, app.Logger)
	router.GET("/ws", wsHandler.Handle)

	historyHandler := handler.NewHistoryHandler(relaySvc)
	v1 := router.Group("/api/v1")
	rooms := v1.Group("/rooms")
	rooms.Use(middleware.AuthJWT(cfg.Auth.JWTSecret))
	rooms.GET("/:room/messages", historyHandler.ListMessages)

	return router
}
