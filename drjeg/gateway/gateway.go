// Package gateway adapts the external generative model behind a narrow
// interface. It supplies bounded conversation context, enforces the
// per-call deadline, and maps transport problems to typed failures.
// It never retries; retry policy belongs to the caller.
package gateway

import (
	"context"
	"fmt"
	"time"

	"jeghealth/backend/drjeg/models"
)

// FailureKind classifies a model call failure
type FailureKind string

const (
	// KindUnavailable covers network errors and 5xx responses
	KindUnavailable FailureKind = "unavailable"
	// KindInvalidRequest covers 4xx responses; retrying won't help
	KindInvalidRequest FailureKind = "invalid_request"
	// KindTimeout means the per-call deadline elapsed
	KindTimeout FailureKind = "timeout"
)

// Failure is a typed model call failure
type Failure struct {
	Kind       FailureKind
	Retryable  bool
	StatusCode int
	Message    string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("model %s (status %d): %s", f.Kind, f.StatusCode, f.Message)
}

// Reply is a successful model response with its metadata
type Reply struct {
	Text       string
	TokensUsed int
	LatencyMs  int64
	Model      string
}

// ModelGateway generates an assistant reply from the conversation
// history and the new user message
type ModelGateway interface {
	Generate(ctx context.Context, history []models.Message, userMessage string) (*Reply, error)
	// Status probes the upstream endpoint; nil means reachable
	Status(ctx context.Context) error
}

// Config holds the gateway settings
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// ContextWindow is the maximum number of history messages forwarded
	ContextWindow int
	MaxTokens     int
	Temperature   float64
	// Timeout is the per-call deadline applied when the caller's context
	// has none
	Timeout time.Duration
}

// DefaultConfig returns gateway defaults matching the Gemini
// OpenAI-compatible endpoint
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://generativelanguage.googleapis.com/v1beta/openai",
		Model:         "gemini-2.0-flash",
		ContextWindow: 10,
		MaxTokens:     2048,
		Temperature:   0.7,
		Timeout:       30 * time.Second,
	}
}
