package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port    string
		Env     string
		Timeout time.Duration
		BaseURL string
	}

	// Database configuration
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		MaxConns int
		Timeout  time.Duration
	}

	// Redis configuration
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// JWT configuration
	JWT struct {
		Secret      string
		ExpiryHours time.Duration
	}

	// Security configuration
	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
		TrustedProxies []string
		MaxBodySize    int64
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// DrJeg holds the conversational assistant settings
	DrJeg struct {
		// RateLimitPerHour caps accepted requests per user per window
		RateLimitPerHour int
		// QuotaWindow is the fixed rate-limit window length
		QuotaWindow time.Duration
		// QuotaBackend selects the quota store: "memory" or "redis"
		QuotaBackend string
		// ContextWindow is the number of recent messages sent to the model
		ContextWindow int
		// TitleMaxLen bounds the derived conversation title, in runes
		TitleMaxLen int
		// ModelName is the generative model identifier
		ModelName string
		// ModelBaseURL is the OpenAI-compatible endpoint base
		ModelBaseURL string
		// ModelTimeout is the per-call deadline for the model gateway
		ModelTimeout time.Duration
		MaxTokens    int
		Temperature  float64
		// SafeFallback replaces assistant text rejected by the safety filter
		SafeFallback string
		PageSize     int
		MaxPageSize  int
	}

	// Cache settings
	Cache struct {
		Enabled     bool
		TTL         time.Duration
		MaxSize     int
		PurgeWindow time.Duration
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = &Config{}

		// Server config
		instance.Server.Port = getEnvString("PORT", "8081")
		instance.Server.Env = getEnvString("APP_ENV", "development")
		instance.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)
		instance.Server.BaseURL = getEnvString("BASE_URL", "http://localhost:"+instance.Server.Port)

		// Database config
		instance.Database.Host = getEnvString("DB_HOST", "localhost")
		instance.Database.Port = getEnvString("DB_PORT", "5432")
		instance.Database.User = getEnvString("DB_USER", "postgres")
		instance.Database.Password = getEnvString("DB_PASSWORD", "postgres")
		instance.Database.Name = getEnvString("DB_NAME", "jeghealth")
		instance.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
		instance.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
		instance.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)

		// Redis config
		instance.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
		instance.Redis.Password = getEnvString("REDIS_PASSWORD", "")
		instance.Redis.DB = getEnvInt("REDIS_DB", 0)

		// JWT config
		instance.JWT.Secret = getEnvString("JWT_SECRET", "default-jwt-secret-do-not-use-in-production")
		instance.JWT.ExpiryHours = getEnvDuration("JWT_EXPIRY", 24*time.Hour)

		// Security config
		instance.Security.RateLimit = float64(getEnvInt("RATE_LIMIT", 5))
		instance.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
		instance.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
		instance.Security.TrustedProxies = getEnvStringSlice("TRUSTED_PROXIES", []string{"127.0.0.1"})
		instance.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 1<<20) // 1MB

		// Logging config
		instance.Logging.Level = getEnvString("LOG_LEVEL", "info")
		instance.Logging.Format = getEnvString("LOG_FORMAT", "json")

		// Dr. Jeg assistant config
		instance.DrJeg.RateLimitPerHour = getEnvInt("DRJEG_RATE_LIMIT_PER_HOUR", 60)
		instance.DrJeg.QuotaWindow = getEnvDuration("DRJEG_QUOTA_WINDOW", time.Hour)
		instance.DrJeg.QuotaBackend = getEnvString("DRJEG_QUOTA_BACKEND", "memory")
		instance.DrJeg.ContextWindow = getEnvInt("DRJEG_CONTEXT_WINDOW", 10)
		instance.DrJeg.TitleMaxLen = getEnvInt("DRJEG_TITLE_MAX_LEN", 80)
		instance.DrJeg.ModelName = getEnvString("DRJEG_MODEL_NAME", "gemini-2.0-flash")
		instance.DrJeg.ModelBaseURL = getEnvString("DRJEG_MODEL_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai")
		instance.DrJeg.ModelTimeout = getEnvDuration("DRJEG_MODEL_TIMEOUT", 30*time.Second)
		instance.DrJeg.MaxTokens = getEnvInt("DRJEG_MAX_TOKENS", 2048)
		instance.DrJeg.Temperature = getEnvFloat("DRJEG_TEMPERATURE", 0.7)
		instance.DrJeg.SafeFallback = getEnvString("DRJEG_SAFE_FALLBACK",
			"I can't help with that. Please talk to a healthcare professional about this topic.")
		instance.DrJeg.PageSize = getEnvInt("DRJEG_PAGE_SIZE", 20)
		instance.DrJeg.MaxPageSize = getEnvInt("DRJEG_MAX_PAGE_SIZE", 100)

		// Cache settings
		instance.Cache.Enabled = getEnvBool("CACHE_ENABLED", true)
		instance.Cache.TTL = getEnvDuration("CACHE_TTL", 5*time.Minute)
		instance.Cache.MaxSize = getEnvInt("CACHE_MAX_SIZE", 1000)
		instance.Cache.PurgeWindow = getEnvDuration("CACHE_PURGE_WINDOW", 10*time.Minute)
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
