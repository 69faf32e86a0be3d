// Package di assembles the application's dependency graph
package di

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"jeghealth/backend/drjeg"
	"jeghealth/backend/pkg/config"
	"jeghealth/backend/pkg/jwt"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/secrets"
	sharedredis "jeghealth/backend/shared/redis"
)

// Container holds all the dependencies for the application
type Container struct {
	DB         *gorm.DB
	Redis      *sharedredis.Client
	Config     *config.Config
	Logger     *logger.Logger
	JWTService *jwt.Service
	DrJeg      *drjeg.Module
}

// New creates the dependency container. Redis is optional: when the
// configured quota backend is redis but the server is unreachable, the
// module falls back to the in-memory store and logs a warning.
func New(db *gorm.DB, log *logger.Logger) (*Container, error) {
	cfg := config.Get()

	// Secrets come from Vault when configured, environment otherwise
	if err := secrets.Init(log); err != nil {
		log.Warn("secrets manager unavailable, using environment fallback", "error", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jwtSecret := secrets.GetSecretWithDefault(ctx, "JWT_SECRET", cfg.JWT.Secret)
	modelAPIKey := secrets.GetSecretWithDefault(ctx, "GEMINI_API_KEY", "")

	jwtService := jwt.NewService(jwtSecret, cfg.JWT.ExpiryHours)

	var redisClient *sharedredis.Client
	if cfg.DrJeg.QuotaBackend == "redis" {
		client := sharedredis.NewClient()
		if err := client.Ping(ctx); err != nil {
			log.Warn("redis unreachable, quota store falling back to memory", "error", err.Error())
		} else {
			redisClient = client
		}
	}

	drjegModule, err := drjeg.NewModule(drjeg.Deps{
		DB:          db,
		Redis:       redisClient,
		Config:      cfg,
		Log:         log,
		Registry:    prometheus.DefaultRegisterer,
		ModelAPIKey: modelAPIKey,
	})
	if err != nil {
		return nil, err
	}

	return &Container{
		DB:         db,
		Redis:      redisClient,
		Config:     cfg,
		Logger:     log,
		JWTService: jwtService,
		DrJeg:      drjegModule,
	}, nil
}
