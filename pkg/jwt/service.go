package jwt

import (
	"time"
)

// Service binds a signing secret and token lifetime so callers don't
// pass them around
type Service struct {
	secretKey string
	expiry    time.Duration
}

// NewService creates a JWT service. An empty secret falls back to the
// JWT_SECRET environment variable, a zero expiry to 24 hours.
func NewService(secretKey string, expiry time.Duration) *Service {
	if secretKey == "" {
		secretKey = getSecretKey()
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Service{secretKey: secretKey, expiry: expiry}
}

// GenerateToken issues a token for the given user
func (s *Service) GenerateToken(userID, email string) (string, error) {
	return GenerateToken(userID, email, s.secretKey, s.expiry)
}

// ValidateToken parses and verifies a token, returning its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(tokenString, s.secretKey)
}

// Expiry returns the configured token lifetime
func (s *Service) Expiry() time.Duration {
	return s.expiry
}
