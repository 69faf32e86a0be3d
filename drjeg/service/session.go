// Package service orchestrates conversation turns and read-side queries
// for the Dr. Jeg assistant. The turn pipeline is strictly ordered:
// quota, outbound safety, model call, inbound safety, persistence,
// analytics. Quota is consumed before anything else and never refunded.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"jeghealth/backend/drjeg/analytics"
	"jeghealth/backend/drjeg/gateway"
	"jeghealth/backend/drjeg/models"
	"jeghealth/backend/drjeg/quota"
	"jeghealth/backend/drjeg/repository"
	"jeghealth/backend/drjeg/safety"
	apperrors "jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/resilience"
)

// Options tunes the session manager
type Options struct {
	// RateLimitPerHour is the per-user quota per window
	RateLimitPerHour int
	// TitleMaxLen bounds the derived conversation title, in runes
	TitleMaxLen int
	ModelName   string
}

// TurnRequest is one user message aimed at a conversation. An empty
// ConversationID starts a new conversation.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Content        string
}

// TurnResult is the outcome of a successful turn
type TurnResult struct {
	ConversationID string    `json:"conversation_id"`
	Response       string    `json:"response"`
	Redacted       bool      `json:"redacted,omitempty"`
	TokensUsed     int       `json:"tokens_used"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	QuotaRemaining int       `json:"quota_remaining"`
	Timestamp      time.Time `json:"timestamp"`
}

// ServiceStatus is the assistant's operational snapshot for one user
type ServiceStatus struct {
	Available          bool   `json:"available"`
	ModelName          string `json:"model_name"`
	CircuitState       string `json:"circuit_state"`
	QuotaUsed          int    `json:"quota_used"`
	QuotaLimit         int    `json:"quota_limit"`
	TotalConversations int64  `json:"total_conversations"`
	TotalMessages      int64  `json:"total_messages"`
	RecentSuccessful   int64  `json:"recent_successful_calls"`
	RecentFailed       int64  `json:"recent_failed_calls"`
}

// SafetyFilter checks text crossing the model boundary. Satisfied by
// *safety.Filter.
type SafetyFilter interface {
	Inspect(text string, direction safety.Direction) safety.Result
}

// SessionManager runs the conversation turn pipeline
type SessionManager struct {
	conversations repository.ConversationRepository
	analyticsRepo repository.AnalyticsRepository
	quota         quota.Store
	filter        SafetyFilter
	gateway       gateway.ModelGateway
	breaker       *resilience.CircuitBreaker
	aggregator    *analytics.Aggregator
	metrics       *Metrics
	log           *logger.Logger
	opts          Options
	tracer        trace.Tracer

	// locks serializes turns per conversation so interleaved requests
	// cannot corrupt message ordering or the analytics row
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSessionManager wires the turn pipeline
func NewSessionManager(
	conversations repository.ConversationRepository,
	analyticsRepo repository.AnalyticsRepository,
	quotaStore quota.Store,
	filter SafetyFilter,
	modelGateway gateway.ModelGateway,
	breaker *resilience.CircuitBreaker,
	metrics *Metrics,
	log *logger.Logger,
	opts Options,
) *SessionManager {
	if opts.RateLimitPerHour <= 0 {
		opts.RateLimitPerHour = 60
	}
	if opts.TitleMaxLen <= 0 {
		opts.TitleMaxLen = 80
	}
	return &SessionManager{
		conversations: conversations,
		analyticsRepo: analyticsRepo,
		quota:         quotaStore,
		filter:        filter,
		gateway:       modelGateway,
		breaker:       breaker,
		aggregator:    analytics.NewAggregator(),
		metrics:       metrics,
		log:           log,
		opts:          opts,
		tracer:        otel.Tracer("drjeg"),
		locks:         make(map[string]*sync.Mutex),
	}
}

func (m *SessionManager) conversationLock(conversationID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, exists := m.locks[conversationID]
	if !exists {
		lock = &sync.Mutex{}
		m.locks[conversationID] = lock
	}
	return lock
}

// SendMessage processes one conversation turn. Errors are *AppError
// values carrying the client-facing code; RATE_LIMITED errors include a
// retry_after_seconds detail.
func (m *SessionManager) SendMessage(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := m.tracer.Start(ctx, "drjeg.turn")
	defer span.End()

	content := strings.TrimSpace(req.Content)
	if content == "" {
		m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
		return nil, apperrors.NewBadRequestError("INVALID_REQUEST", "Message content is required")
	}
	if req.UserID == "" {
		m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
		return nil, apperrors.NewUnauthorizedError("UNAUTHORIZED", "Authentication required")
	}

	log := m.log.WithUserID(req.UserID).WithConversationID(req.ConversationID)

	// Quota first: a rejected request must cause no side effects, and an
	// accepted one consumes a unit even if the turn later fails.
	decision, err := m.quota.CheckAndConsume(ctx, req.UserID, m.opts.RateLimitPerHour)
	if err != nil {
		m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Rate limit check failed")
	}
	if !decision.Allowed {
		m.metrics.QuotaRejections.Inc()
		m.metrics.TurnsTotal.WithLabelValues(resultRateLimited).Inc()
		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		log.Warn("quota exceeded", "retry_after_seconds", retryAfter)
		return nil, apperrors.NewTooManyRequestsError("RATE_LIMITED",
			fmt.Sprintf("Rate limit of %d requests per hour exceeded", m.opts.RateLimitPerHour)).
			WithDetails(map[string]any{"retry_after_seconds": retryAfter})
	}

	// Resolve or create the conversation
	var conversation *models.Conversation
	newConversation := false
	if req.ConversationID != "" {
		conversation, err = m.conversations.GetOwned(ctx, req.UserID, req.ConversationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
				return nil, apperrors.NewNotFoundError("NOT_FOUND", "Conversation not found")
			}
			m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
			return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to load conversation")
		}
	} else {
		now := time.Now()
		conversation = &models.Conversation{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			Title:     deriveTitle(content, m.opts.TitleMaxLen),
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		newConversation = true
	}
	span.SetAttributes(attribute.String("conversation.id", conversation.ID))
	log = m.log.WithUserID(req.UserID).WithConversationID(conversation.ID)

	lock := m.conversationLock(conversation.ID)
	lock.Lock()
	defer lock.Unlock()

	// Outbound safety: a rejected user message is never sent upstream and
	// never stored. The quota unit stays consumed.
	if result := m.filter.Inspect(content, safety.Outbound); !result.Pass {
		m.metrics.TurnsTotal.WithLabelValues(resultRejected).Inc()
		log.Warn("outbound message rejected", "category", result.Reason)
		return nil, apperrors.NewBadRequestError("INPUT_REJECTED",
			"This message can't be processed. If you're in crisis, please contact a healthcare professional or emergency services.")
	}

	var history []models.Message
	if !newConversation {
		history, err = m.conversations.Messages(ctx, conversation.ID)
		if err != nil {
			m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
			return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to load conversation history")
		}
	}

	// Model call through the circuit breaker
	var reply *gateway.Reply
	modelStart := time.Now()
	callErr := m.breaker.Execute(func() error {
		var genErr error
		reply, genErr = m.gateway.Generate(ctx, history, content)
		return genErr
	})
	m.metrics.ModelLatency.Observe(time.Since(modelStart).Seconds())

	if callErr != nil {
		return nil, m.failTurn(ctx, log, conversation, newConversation, content, callErr, time.Since(modelStart))
	}

	// Inbound safety: rejected assistant text is replaced, not dropped,
	// so the stored transcript stays one reply per user message.
	redacted := false
	responseText := reply.Text
	if result := m.filter.Inspect(reply.Text, safety.Inbound); !result.Pass {
		redacted = true
		responseText = result.Text
		log.Warn("inbound response redacted", "category", result.Reason)
	}

	// Persistence and analytics survive a client disconnect: the model
	// already answered, so the turn is committed.
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now()

	userMessage := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversation.ID,
		Sender:         models.SenderUser,
		Content:        content,
		Timestamp:      now,
	}
	assistantMessage := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversation.ID,
		Sender:         models.SenderAssistant,
		Content:        responseText,
		Timestamp:      now.Add(time.Millisecond),
		ModelName:      reply.Model,
		ResponseTimeMs: reply.LatencyMs,
		TokensUsed:     reply.TokensUsed,
	}

	if newConversation {
		if err := m.conversations.Create(persistCtx, conversation); err != nil {
			m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
			return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to create conversation")
		}
	}
	if err := m.conversations.Append(persistCtx, conversation.ID, &userMessage); err != nil {
		m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to store message")
	}
	if err := m.conversations.Append(persistCtx, conversation.ID, &assistantMessage); err != nil {
		m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to store response")
	}

	m.updateAnalytics(persistCtx, log, conversation.ID, userMessage, assistantMessage)
	m.logUsage(persistCtx, log, &models.APIUsageLog{
		UserID:         req.UserID,
		ConversationID: conversation.ID,
		ModelName:      reply.Model,
		TokensUsed:     reply.TokensUsed,
		ResponseTimeMs: reply.LatencyMs,
		Success:        true,
		StatusCode:     200,
		CreatedAt:      now,
	})

	m.metrics.ModelTokens.Add(float64(reply.TokensUsed))
	if redacted {
		m.metrics.TurnsTotal.WithLabelValues(resultRedacted).Inc()
	} else {
		m.metrics.TurnsTotal.WithLabelValues(resultOK).Inc()
	}

	log.Info("turn completed",
		"new_conversation", newConversation,
		"tokens_used", reply.TokensUsed,
		"response_time_ms", reply.LatencyMs,
		"redacted", redacted,
	)

	return &TurnResult{
		ConversationID: conversation.ID,
		Response:       responseText,
		Redacted:       redacted,
		TokensUsed:     reply.TokensUsed,
		ResponseTimeMs: reply.LatencyMs,
		QuotaRemaining: decision.Remaining,
		Timestamp:      assistantMessage.Timestamp,
	}, nil
}

// failTurn handles a model call failure: the user message is still
// persisted so the transcript shows what was asked, the failure is
// logged to the usage table, and a typed error goes back to the caller.
func (m *SessionManager) failTurn(
	ctx context.Context,
	log *logger.Logger,
	conversation *models.Conversation,
	newConversation bool,
	content string,
	callErr error,
	elapsed time.Duration,
) error {
	// A canceled caller context means the client went away; nothing to
	// persist, nothing to report.
	if errors.Is(callErr, context.Canceled) {
		m.metrics.TurnsTotal.WithLabelValues(resultError).Inc()
		return apperrors.NewError(499, "CLIENT_CLOSED_REQUEST", "Request canceled")
	}

	persistCtx := context.WithoutCancel(ctx)
	now := time.Now()

	userMessage := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversation.ID,
		Sender:         models.SenderUser,
		Content:        content,
		Timestamp:      now,
	}
	persisted := true
	if newConversation {
		if err := m.conversations.Create(persistCtx, conversation); err != nil {
			persisted = false
			log.LogError(err, "failed to create conversation after model failure")
		}
	}
	if persisted {
		if err := m.conversations.Append(persistCtx, conversation.ID, &userMessage); err != nil {
			log.LogError(err, "failed to store user message after model failure")
		} else {
			m.updateAnalytics(persistCtx, log, conversation.ID, userMessage)
		}
	}

	usage := &models.APIUsageLog{
		UserID:         conversation.UserID,
		ConversationID: conversation.ID,
		ModelName:      m.opts.ModelName,
		ResponseTimeMs: elapsed.Milliseconds(),
		Success:        false,
		ErrorMessage:   callErr.Error(),
		CreatedAt:      now,
	}

	m.metrics.TurnsTotal.WithLabelValues(resultModelError).Inc()

	if errors.Is(callErr, resilience.ErrCircuitOpen) {
		usage.StatusCode = 503
		m.logUsage(persistCtx, log, usage)
		log.Warn("model call short-circuited")
		return apperrors.NewServiceUnavailableError("MODEL_UNAVAILABLE",
			"The assistant is temporarily unavailable. Please try again shortly.")
	}

	var failure *gateway.Failure
	if errors.As(callErr, &failure) {
		usage.StatusCode = failure.StatusCode
		m.logUsage(persistCtx, log, usage)
		log.LogError(callErr, "model call failed", "kind", string(failure.Kind))

		switch failure.Kind {
		case gateway.KindTimeout:
			return apperrors.NewGatewayTimeoutError("MODEL_TIMEOUT",
				"The assistant took too long to respond. Please try again.")
		case gateway.KindInvalidRequest:
			return apperrors.NewBadRequestError("INVALID_REQUEST", "The request could not be processed")
		default:
			return apperrors.NewServiceUnavailableError("MODEL_UNAVAILABLE",
				"The assistant is temporarily unavailable. Please try again shortly.")
		}
	}

	m.logUsage(persistCtx, log, usage)
	log.LogError(callErr, "model call failed")
	return apperrors.NewServiceUnavailableError("MODEL_UNAVAILABLE",
		"The assistant is temporarily unavailable. Please try again shortly.")
}

// updateAnalytics folds the appended messages into the conversation's
// summary row. Analytics failures are logged, never surfaced: the turn
// already succeeded from the user's point of view.
func (m *SessionManager) updateAnalytics(ctx context.Context, log *logger.Logger, conversationID string, messages ...models.Message) {
	summary, err := m.analyticsRepo.Get(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.LogError(err, "failed to load analytics")
			return
		}
		summary = &models.ConversationAnalytics{
			ConversationID: conversationID,
			HealthTopics:   models.TopicList{},
			CreatedAt:      time.Now(),
		}
	}

	for _, message := range messages {
		m.aggregator.Apply(summary, message)
	}

	if err := m.analyticsRepo.Save(ctx, summary); err != nil {
		log.LogError(err, "failed to save analytics")
	}
}

func (m *SessionManager) logUsage(ctx context.Context, log *logger.Logger, entry *models.APIUsageLog) {
	if err := m.analyticsRepo.LogUsage(ctx, entry); err != nil {
		log.LogError(err, "failed to write usage log")
	}
}

// Status reports the assistant's health, the caller's quota position and
// their stored conversation totals
func (m *SessionManager) Status(ctx context.Context, userID string) (*ServiceStatus, error) {
	used, err := m.quota.Usage(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to read quota usage")
	}
	// The Redis counter keeps climbing on rejected requests; reporting
	// stays within the limit
	if used > m.opts.RateLimitPerHour {
		used = m.opts.RateLimitPerHour
	}

	totalConversations, err := m.conversations.CountActive(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to read conversation counts")
	}
	totalMessages, err := m.conversations.CountUserMessages(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to read message counts")
	}

	success, failure, err := m.analyticsRepo.RecentUsage(ctx, userID, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to read usage history")
	}

	state := m.breaker.State()
	return &ServiceStatus{
		Available:          state != resilience.StateOpen,
		ModelName:          m.opts.ModelName,
		CircuitState:       string(state),
		QuotaUsed:          used,
		QuotaLimit:         m.opts.RateLimitPerHour,
		TotalConversations: totalConversations,
		TotalMessages:      totalMessages,
		RecentSuccessful:   success,
		RecentFailed:       failure,
	}, nil
}

// deriveTitle builds a conversation title from its first user message,
// truncated to maxLen runes on a best-effort word boundary
func deriveTitle(content string, maxLen int) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) <= maxLen {
		return title
	}

	truncated := string(runes[:maxLen])
	if idx := strings.LastIndex(truncated, " "); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return truncated + "..."
}
