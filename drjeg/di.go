// Package drjeg wires the assistant's repositories, services, and
// handlers into one module mounted by the server
package drjeg

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"jeghealth/backend/drjeg/api"
	"jeghealth/backend/drjeg/gateway"
	"jeghealth/backend/drjeg/quota"
	"jeghealth/backend/drjeg/repository"
	"jeghealth/backend/drjeg/safety"
	"jeghealth/backend/drjeg/service"
	"jeghealth/backend/drjeg/ws"
	"jeghealth/backend/pkg/cache"
	"jeghealth/backend/pkg/config"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/resilience"
	sharedredis "jeghealth/backend/shared/redis"
)

// Module bundles the assistant's wired components
type Module struct {
	Handler       *api.Handler
	Chat          *ws.ChatServer
	Sessions      *service.SessionManager
	Conversations *service.ConversationService
}

// Deps are the externally constructed dependencies of the module.
// Redis may be nil; the quota store then falls back to memory
// regardless of the configured backend.
type Deps struct {
	DB       *gorm.DB
	Redis    *sharedredis.Client
	Config   *config.Config
	Log      *logger.Logger
	Registry prometheus.Registerer
	// ModelAPIKey authenticates calls to the model endpoint
	ModelAPIKey string
}

// NewModule builds the assistant module
func NewModule(deps Deps) (*Module, error) {
	cfg := deps.Config
	log := deps.Log

	conversationRepo := repository.NewGormConversationRepository(deps.DB)
	analyticsRepo := repository.NewGormAnalyticsRepository(deps.DB)

	var quotaStore quota.Store
	if cfg.DrJeg.QuotaBackend == "redis" && deps.Redis != nil {
		quotaStore = quota.NewRedisStore(deps.Redis, cfg.DrJeg.QuotaWindow)
		log.Info("quota store using redis backend")
	} else {
		quotaStore = quota.NewMemoryStore(cfg.DrJeg.QuotaWindow)
		log.Info("quota store using memory backend")
	}

	filter, err := safety.NewFilter(safety.DefaultRules(), cfg.DrJeg.SafeFallback)
	if err != nil {
		return nil, fmt.Errorf("building safety filter: %w", err)
	}

	modelGateway, err := gateway.NewGeminiGateway(gateway.Config{
		APIKey:        deps.ModelAPIKey,
		BaseURL:       cfg.DrJeg.ModelBaseURL,
		Model:         cfg.DrJeg.ModelName,
		ContextWindow: cfg.DrJeg.ContextWindow,
		MaxTokens:     cfg.DrJeg.MaxTokens,
		Temperature:   cfg.DrJeg.Temperature,
		Timeout:       cfg.DrJeg.ModelTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("building model gateway: %w", err)
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	metrics := service.NewMetrics(registry)

	breaker := resilience.New(resilience.DefaultConfig("model-gateway"), log)

	sessions := service.NewSessionManager(
		conversationRepo,
		analyticsRepo,
		quotaStore,
		filter,
		modelGateway,
		breaker,
		metrics,
		log,
		service.Options{
			RateLimitPerHour: cfg.DrJeg.RateLimitPerHour,
			TitleMaxLen:      cfg.DrJeg.TitleMaxLen,
			ModelName:        cfg.DrJeg.ModelName,
		},
	)

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache = cache.NewCache()
	}
	conversations := service.NewConversationService(
		conversationRepo,
		analyticsRepo,
		responseCache,
		log,
		cfg.DrJeg.PageSize,
		cfg.DrJeg.MaxPageSize,
	)

	return &Module{
		Handler:       api.NewHandler(sessions, conversations, log),
		Chat:          ws.NewChatServer(sessions, log),
		Sessions:      sessions,
		Conversations: conversations,
	}, nil
}
