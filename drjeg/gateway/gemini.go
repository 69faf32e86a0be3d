package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"jeghealth/backend/drjeg/models"
	"jeghealth/backend/pkg/logger"
)

// systemPrompt frames every model call as the Dr. Jeg health companion
const systemPrompt = `You are Dr. Jeg, a knowledgeable and empathetic AI health assistant.

Your role is to:
- Provide helpful health information and general wellness advice
- Listen empathetically to health concerns
- Suggest when users should consult healthcare professionals
- Offer lifestyle and wellness recommendations

Important guidelines:
- Always emphasize that you cannot replace professional medical diagnosis or treatment
- Suggest consulting healthcare providers for serious symptoms or concerns
- Do not provide specific medication dosages or prescriptions
- Be supportive and understanding

Remember: You are a supportive health companion, not a replacement for professional medical care.`

// GeminiGateway calls the Gemini chat-completions endpoint
type GeminiGateway struct {
	config     Config
	httpClient *http.Client
	log        *logger.Logger
}

// NewGeminiGateway creates a gateway for the configured model endpoint
func NewGeminiGateway(config Config, log *logger.Logger) (*GeminiGateway, error) {
	if config.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.ContextWindow <= 0 {
		config.ContextWindow = defaults.ContextWindow
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.Temperature <= 0 {
		config.Temperature = defaults.Temperature
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &GeminiGateway{
		config:     config,
		httpClient: &http.Client{},
		log:        log,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildMessages assembles the request payload: system prompt, the most
// recent ContextWindow history messages, then the new user message.
func (g *GeminiGateway) buildMessages(history []models.Message, userMessage string) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: systemPrompt}}

	if n := len(history); n > g.config.ContextWindow {
		history = history[n-g.config.ContextWindow:]
	}

	for _, msg := range history {
		role := "assistant"
		if msg.Sender == models.SenderUser {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: msg.Content})
	}

	messages = append(messages, chatMessage{Role: "user", Content: userMessage})
	return messages
}

// Generate sends one chat-completion request and returns the reply with
// token and latency metadata, or a typed *Failure. A context canceled by
// the caller is passed through untyped so orchestration can tell user
// disconnects from upstream trouble.
func (g *GeminiGateway) Generate(ctx context.Context, history []models.Message, userMessage string) (*Reply, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	payload := chatRequest{
		Model:       g.config.Model,
		Messages:    g.buildMessages(history, userMessage),
		Temperature: g.config.Temperature,
		MaxTokens:   g.config.MaxTokens,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, &Failure{Kind: KindInvalidRequest, Message: "error marshaling request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &Failure{Kind: KindInvalidRequest, Message: "error creating request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Failure{Kind: KindTimeout, Retryable: true, Message: "model call deadline exceeded"}
		}
		return nil, &Failure{Kind: KindUnavailable, Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Failure{Kind: KindUnavailable, Retryable: true, Message: "error reading response body: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, &Failure{Kind: KindUnavailable, Retryable: true, StatusCode: resp.StatusCode, Message: "error unmarshaling response: " + err.Error()}
	}

	if chatResp.Error != nil {
		return nil, &Failure{Kind: KindUnavailable, Retryable: true, StatusCode: resp.StatusCode, Message: chatResp.Error.Message}
	}

	if len(chatResp.Choices) == 0 {
		return nil, &Failure{Kind: KindUnavailable, Retryable: true, StatusCode: resp.StatusCode, Message: "no response generated"}
	}

	text := chatResp.Choices[0].Message.Content
	tokens := chatResp.Usage.TotalTokens
	if tokens == 0 {
		// Usage block is occasionally absent; approximate by word count
		tokens = len(strings.Fields(text))
	}

	return &Reply{
		Text:       text,
		TokensUsed: tokens,
		LatencyMs:  latency.Milliseconds(),
		Model:      g.config.Model,
	}, nil
}

// classifyStatus maps a non-200 response to a typed failure
func classifyStatus(statusCode int, body []byte) *Failure {
	message := "HTTP " + http.StatusText(statusCode)
	var errBody struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errBody) == nil && errBody.Error.Message != "" {
		message = errBody.Error.Message
	}

	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return &Failure{Kind: KindUnavailable, Retryable: true, StatusCode: statusCode, Message: message}
	}
	return &Failure{Kind: KindInvalidRequest, Retryable: false, StatusCode: statusCode, Message: message}
}

// Status probes the endpoint with a minimal completion request
func (g *GeminiGateway) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	payload := chatRequest{
		Model:     g.config.Model,
		Messages:  []chatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens: 10,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &Failure{Kind: KindUnavailable, Retryable: true, StatusCode: resp.StatusCode, Message: "status probe failed"}
	}
	return nil
}
