package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/feedsnap/api/handler"
	"github.com/use-agent/feedsnap/api/middleware"
	"github.com/use-agent/feedsnap/capture"
	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/models"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health stays outside auth so monitoring probes always work. Captures
// started through the API run on ctx.
func NewRouter(ctx context.Context, runs handler.Runs, browser func() models.BrowserStats, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Server.Mode != gin.TestMode {
		r.Use(gin.Logger())
	}

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(runs, browser, startTime))

	// Protected group: auth and rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(ctx, cfg.RateLimit))

	protected.POST("/captures", handler.PostCapture(ctx, runs, capture.DefaultOptions(cfg)))
	protected.GET("/captures/:id", handler.GetCapture(runs))
	protected.GET("/captures/:id/segments/:n", handler.GetSegment(runs))

	return r
}
