package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"

	"jeghealth/backend/pkg/logger"
)

// VaultManager reads secrets from a KV v2 mount. Values are cached for
// cacheTTL so a flapping Vault doesn't sit on the request path; the
// environment is consulted whenever Vault is disabled or missing a key.
type VaultManager struct {
	client *vault.Client
	// mount and secretPath address the KV v2 location, e.g. mount
	// "secret" and path "jeghealth"
	mount      string
	secretPath string
	enabled    bool
	log        *logger.Logger

	mu       sync.RWMutex
	cache    map[string]cachedSecret
	cacheTTL time.Duration
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

// NewVaultManager builds a manager from VAULT_* environment variables.
// With VAULT_ENABLED unset or false the manager serves purely from the
// environment, which is the development default.
func NewVaultManager(log *logger.Logger) (*VaultManager, error) {
	m := &VaultManager{
		mount:      envOr("VAULT_MOUNT", "secret"),
		secretPath: envOr("VAULT_SECRETS_PATH", "jeghealth"),
		log:        log,
		cache:      make(map[string]cachedSecret),
		cacheTTL:   5 * time.Minute,
	}

	switch os.Getenv("VAULT_ENABLED") {
	case "true", "1", "yes":
		m.enabled = true
	default:
		return m, nil
	}

	addr := os.Getenv("VAULT_ADDR")
	token := os.Getenv("VAULT_TOKEN")
	if addr == "" || token == "" {
		return nil, fmt.Errorf("vault enabled but VAULT_ADDR or VAULT_TOKEN is missing")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 10 * time.Second
	cfg.MaxRetries = 3

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(token)
	if ns := os.Getenv("VAULT_NAMESPACE"); ns != "" {
		client.SetNamespace(ns)
	}
	m.client = client

	return m, nil
}

// GetSecret resolves key from cache, Vault, then the environment
func (m *VaultManager) GetSecret(ctx context.Context, key string) (string, error) {
	if value, ok := m.cached(key); ok {
		return value, nil
	}

	if m.enabled {
		value, err := m.readVault(ctx, key)
		if err == nil {
			m.store(key, value)
			return value, nil
		}
		m.log.Warn("vault lookup failed, trying environment", "key", key, "error", err.Error())
	}

	if value, ok := os.LookupEnv(envKey(key)); ok && value != "" {
		m.store(key, value)
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// GetSecretWithDefault resolves key, falling back to defaultValue
func (m *VaultManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return defaultValue
	}
	return value
}

func (m *VaultManager) readVault(ctx context.Context, key string) (string, error) {
	secret, err := m.client.KVv2(m.mount).Get(ctx, m.secretPath)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}
	value, ok := secret.Data[key].(string)
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *VaultManager) cached(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[key]
	if !ok || time.Since(entry.fetchedAt) > m.cacheTTL {
		return "", false
	}
	return entry.value, true
}

func (m *VaultManager) store(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cachedSecret{value: value, fetchedAt: time.Now()}
}

// envKey maps a secret key to its environment variable form
func envKey(key string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToUpper(replacer.Replace(key))
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
