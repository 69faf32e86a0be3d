// Package secrets resolves runtime credentials. Vault is the primary
// source when configured; environment variables are the fallback so
// local development needs no Vault at all. The model API key and the
// JWT signing secret are both resolved through here.
package secrets

import (
	"context"
	"errors"
	"sync"

	"jeghealth/backend/pkg/logger"
)

var (
	ErrNotInitialized = errors.New("secrets: manager not initialized")
	ErrNotFound       = errors.New("secrets: secret not found")
)

// Manager resolves secrets by key
type Manager interface {
	GetSecret(ctx context.Context, key string) (string, error)
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

var (
	mu      sync.RWMutex
	current Manager
)

// Init installs the Vault-backed manager as the process default.
// Safe to call more than once; later calls are no-ops.
func Init(log *logger.Logger) error {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return nil
	}

	manager, err := NewVaultManager(log)
	if err != nil {
		return err
	}
	current = manager
	return nil
}

// SetManager replaces the default manager; tests use this to inject fakes
func SetManager(manager Manager) {
	mu.Lock()
	defer mu.Unlock()
	current = manager
}

// GetSecret resolves key through the default manager
func GetSecret(ctx context.Context, key string) (string, error) {
	mu.RLock()
	manager := current
	mu.RUnlock()
	if manager == nil {
		return "", ErrNotInitialized
	}
	return manager.GetSecret(ctx, key)
}

// GetSecretWithDefault resolves key, returning defaultValue when the
// manager is missing or the key cannot be found
func GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	mu.RLock()
	manager := current
	mu.RUnlock()
	if manager == nil {
		return defaultValue
	}
	return manager.GetSecretWithDefault(ctx, key, defaultValue)
}
