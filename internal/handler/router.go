package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/metaaggregator/escrowgate/internal/config"
	"github.com/metaaggregator/escrowgate/internal/middleware"
	"github.com/metaaggregator/escrowgate/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Relay       *service.RelayService
	Clients     *service.ClientRegistry
	Audit       *service.AuditService
	Idempotency middleware.IdempotencyStore
	// Events is nil when the chain stream is disabled.
	Events *service.EventStream
	// Context bounds long-lived streams; cancel it on shutdown.
	Context context.Context
}

func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	// uint256 message fields must reach the service as json.Number, not float64.
	binding.EnableDecoderUseNumber = true

	r := gin.New()
	r.Use(gin.Recovery())

	// Global Middleware. Metrics and Audit wrap ErrorHandler so they see the
	// final status and body.
	r.Use(middleware.MetricsMiddleware())
	if deps.Audit != nil {
		r.Use(middleware.AuditMiddleware(deps.Audit))
	}
	r.Use(middleware.ErrorHandler())

	// Health Check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "escrowgate"})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	relayHandler := NewRelayHandler(deps.Relay)
	adminHandler := NewAdminHandler(deps.Relay, deps.Audit)
	eventsHandler := NewEventsHandler(deps.Context, deps.Events)

	store := deps.Idempotency
	if store == nil {
		store = middleware.NewInMemIdempotencyStore(0)
	}
	idem := middleware.IdempotencyMiddleware(store)

	// API V1 Routes
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Clients))
	v1.Use(middleware.RateLimitMiddleware(deps.Clients))
	{
		v1.POST("/sign", idem, relayHandler.Sign)
		v1.POST("/verify", relayHandler.Verify)
		v1.POST("/releases", idem, relayHandler.Release)
		v1.GET("/schemas", relayHandler.Schemas)
		v1.GET("/signer", relayHandler.Signer)
		v1.GET("/events/ws", eventsHandler.Stream)
	}

	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.POST("/rotate-key", adminHandler.RotateKey)
		admin.GET("/audit", adminHandler.ListAudit)
	}

	return r
}
