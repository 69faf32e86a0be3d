package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jeghealth/backend/drjeg/models"
	"jeghealth/backend/pkg/config"
	"jeghealth/backend/pkg/di"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/router"
	"jeghealth/backend/shared/observability"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.New()

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	appLog := logger.New(logConfig)
	logger.SetGlobal(appLog)

	appLog.Info("starting jeghealth backend", "env", cfg.Server.Env)

	db, err := config.NewDB()
	if err != nil {
		appLog.LogError(err, "failed to initialize database")
		os.Exit(1)
	}

	if err := db.AutoMigrate(
		&models.Conversation{},
		&models.Message{},
		&models.ConversationAnalytics{},
		&models.APIUsageLog{},
	); err != nil {
		appLog.LogError(err, "failed to migrate database")
		os.Exit(1)
	}

	shutdownTracing, err := observability.SetupTracing("jeghealth-backend")
	if err != nil {
		appLog.LogError(err, "failed to initialize tracing")
		os.Exit(1)
	}

	if _, err := observability.SetupPrometheusMetrics(":2112"); err != nil {
		appLog.LogError(err, "failed to initialize metrics exporter")
		os.Exit(1)
	}

	container, err := di.New(db, appLog)
	if err != nil {
		appLog.LogError(err, "failed to initialize dependency container")
		os.Exit(1)
	}

	r := router.New(container)
	r.SetupRoutes()

	// No read/write timeouts on the server itself: the WebSocket
	// endpoint holds connections open and manages its own deadlines
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r.Engine,
	}

	go func() {
		appLog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.LogError(err, "server failed to start")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLog.LogError(err, "server forced to shutdown")
	}
	if err := shutdownTracing(ctx); err != nil {
		appLog.LogError(err, "tracing shutdown failed")
	}

	appLog.Info("server exited gracefully")
}
