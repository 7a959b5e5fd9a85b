package http

import (
	"time"

	"hardmine/internal/http/handlers"
	"hardmine/internal/http/middleware"
	"hardmine/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Limits are the per-route rate limits.
type Limits struct {
	API         int
	APIWindow   time.Duration
	Auth        int
	AuthWindow  time.Duration
	Claim       int
	ClaimWindow time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		API:         120,
		APIWindow:   time.Minute,
		Auth:        5,
		AuthWindow:  time.Minute,
		Claim:       10,
		ClaimWindow: time.Minute,
	}
}

type Deps struct {
	Handler *handlers.Handler
	Health  *handlers.HealthHandler
	Limiter *middleware.RateLimiter
	Hub     *ws.Hub
	Limits  Limits
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestID(), middleware.Metrics())

	// Health checks (no rate limiting)
	r.GET("/health", d.Health.Health)
	r.GET("/healthz", d.Health.Liveness)
	r.GET("/readyz", d.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(d.Limiter.ByIP(d.Limits.API, d.Limits.APIWindow))
	registerAPIRoutes(v1, d)

	// Legacy /api routes
	api := r.Group("/api")
	api.Use(d.Limiter.ByIP(d.Limits.API, d.Limits.APIWindow))
	api.GET("/health", d.Health.Health)
	registerAPIRoutes(api, d)

	// WebSocket pending stream
	r.GET("/ws/mining", d.Handler.MiningStream(d.Hub))
}

func registerAPIRoutes(api *gin.RouterGroup, d Deps) {
	h := d.Handler

	// Auth
	api.POST("/auth", d.Limiter.ByIP(d.Limits.Auth, d.Limits.AuthWindow), h.Auth)

	// User
	api.GET("/me", middleware.JWT(), h.Me)
	api.GET("/wallet", middleware.JWT(), h.GetWallet)

	// Mining (per user limit on claims, not per IP)
	claimRL := d.Limiter.ByUser("claim", d.Limits.Claim, d.Limits.ClaimWindow)
	mining := api.Group("/mining")
	mining.Use(middleware.JWT())
	{
		mining.GET("", h.GetMining)
		mining.POST("/claim", claimRL, h.Claim)
		mining.POST("/flush", h.Flush)
		mining.POST("/suspend", h.Suspend)
		mining.POST("/resume", h.Resume)
		mining.POST("/tier", h.ChangeTier)
		mining.GET("/claims", h.ListClaims)
	}
}
