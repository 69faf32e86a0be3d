// Package router builds the gin engine and mounts all routes
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	drjegapi "jeghealth/backend/drjeg/api"
	"jeghealth/backend/pkg/config"
	"jeghealth/backend/pkg/di"
	"jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/middleware"
)

var startTime = time.Now()

// Router is the application's HTTP surface
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Config    *config.Config
}

// New creates a router with the standard middleware chain: request
// logging, error rendering, panic recovery, per-IP burst limiting, CORS
func New(container *di.Container) *Router {
	cfg := container.Config

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(cfg.Security.TrustedProxies)

	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())

	rateLimiter := middleware.NewRateLimiter(container.Logger)
	engine.Use(rateLimiter.Middleware())
	engine.Use(middleware.CORS(cfg.Security.AllowedOrigins))

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Config:    cfg,
	}
}

// SetupRoutes mounts the health endpoint and the assistant API
func (r *Router) SetupRoutes() {
	r.Engine.GET("/health", r.healthCheck)

	api := r.Engine.Group("/api/v1")
	protected := api.Group("/dr-jeg")
	protected.Use(middleware.JWTAuthMiddleware(r.Container.JWTService, r.Logger))

	drjegapi.RegisterRoutes(protected, r.Container.DrJeg.Handler, r.Container.DrJeg.Chat)
}

func (r *Router) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := gin.H{"database": "up"}

	if err := config.TestConnection(r.Container.DB); err != nil {
		components["database"] = "down"
		status = http.StatusServiceUnavailable
	}

	if r.Container.Redis != nil {
		components["redis"] = "up"
		if err := r.Container.Redis.Ping(ctx); err != nil {
			components["redis"] = "down"
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, gin.H{
		"status":         http.StatusText(status),
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
		"components":     components,
	})
}
