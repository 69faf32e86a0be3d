package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jeghealth/backend/drjeg/gateway"
	"jeghealth/backend/drjeg/models"
	"jeghealth/backend/drjeg/quota"
	"jeghealth/backend/drjeg/repository"
	"jeghealth/backend/drjeg/safety"
	apperrors "jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/resilience"
)

// fakeConversationRepo is an in-memory ConversationRepository
type fakeConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (f *fakeConversationRepo) Create(_ context.Context, c *models.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *c
	f.conversations[c.ID] = &copied
	return nil
}

func (f *fakeConversationRepo) GetOwned(_ context.Context, userID, conversationID string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok || !c.Active || c.UserID != userID {
		return nil, repository.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeConversationRepo) ListActive(_ context.Context, userID string, offset, limit int) ([]models.Conversation, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.Conversation
	for _, c := range f.conversations {
		if c.UserID == userID && c.Active {
			all = append(all, *c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (f *fakeConversationRepo) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeConversationRepo) MessageCounts(_ context.Context, ids []string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, id := range ids {
		counts[id] = int64(len(f.messages[id]))
	}
	return counts, nil
}

func (f *fakeConversationRepo) Append(_ context.Context, conversationID string, m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conversationID] = append(f.messages[conversationID], *m)
	if c, ok := f.conversations[conversationID]; ok {
		c.UpdatedAt = m.Timestamp
	}
	return nil
}

func (f *fakeConversationRepo) SoftDelete(_ context.Context, userID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok || !c.Active || c.UserID != userID {
		return repository.ErrNotFound
	}
	c.Active = false
	return nil
}

func (f *fakeConversationRepo) ClearAll(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var affected int64
	for _, c := range f.conversations {
		if c.UserID == userID && c.Active {
			c.Active = false
			affected++
		}
	}
	return affected, nil
}

func (f *fakeConversationRepo) CountActive(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, c := range f.conversations {
		if c.UserID == userID && c.Active {
			count++
		}
	}
	return count, nil
}

func (f *fakeConversationRepo) CountUserMessages(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for id, c := range f.conversations {
		if c.UserID == userID && c.Active {
			count += int64(len(f.messages[id]))
		}
	}
	return count, nil
}

// fakeAnalyticsRepo is an in-memory AnalyticsRepository
type fakeAnalyticsRepo struct {
	mu        sync.Mutex
	summaries map[string]*models.ConversationAnalytics
	usage     []models.APIUsageLog
}

func newFakeAnalyticsRepo() *fakeAnalyticsRepo {
	return &fakeAnalyticsRepo{summaries: make(map[string]*models.ConversationAnalytics)}
}

func (f *fakeAnalyticsRepo) Get(_ context.Context, conversationID string) (*models.ConversationAnalytics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.summaries[conversationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	copied.HealthTopics = append(models.TopicList(nil), s.HealthTopics...)
	return &copied, nil
}

func (f *fakeAnalyticsRepo) Save(_ context.Context, s *models.ConversationAnalytics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.summaries[s.ConversationID] = &copied
	return nil
}

func (f *fakeAnalyticsRepo) ListByUser(_ context.Context, _ string) ([]models.ConversationAnalytics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ConversationAnalytics
	for _, s := range f.summaries {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeAnalyticsRepo) LogUsage(_ context.Context, entry *models.APIUsageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, *entry)
	return nil
}

func (f *fakeAnalyticsRepo) RecentUsage(_ context.Context, userID string, since time.Time) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var success, failure int64
	for _, entry := range f.usage {
		if entry.UserID != userID || entry.CreatedAt.Before(since) {
			continue
		}
		if entry.Success {
			success++
		} else {
			failure++
		}
	}
	return success, failure, nil
}

// fakeGateway returns a canned reply or error and records what it saw
type fakeGateway struct {
	mu      sync.Mutex
	reply   *gateway.Reply
	err     error
	history []models.Message
	calls   int
}

func (f *fakeGateway) Generate(_ context.Context, history []models.Message, _ string) (*gateway.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.history = append([]models.Message(nil), history...)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeGateway) Status(_ context.Context) error { return f.err }

type sessionFixture struct {
	manager  *SessionManager
	conv     *fakeConversationRepo
	stats    *fakeAnalyticsRepo
	gw       *fakeGateway
	quota    quota.Store
	limit    int
	fallback string
}

func newSessionFixture(t *testing.T, limit int) *sessionFixture {
	t.Helper()

	conv := newFakeConversationRepo()
	stats := newFakeAnalyticsRepo()
	gw := &fakeGateway{reply: &gateway.Reply{
		Text:       "Try to rest and stay hydrated.",
		TokensUsed: 42,
		LatencyMs:  120,
		Model:      "gemini-2.0-flash",
	}}

	const fallback = "I can't help with that."
	filter, err := safety.NewFilter(safety.DefaultRules(), fallback)
	require.NoError(t, err)

	log := logger.New(logger.Config{Level: "error"})
	store := quota.NewMemoryStore(time.Hour)
	breaker := resilience.New(resilience.DefaultConfig("test"), log)
	metrics := NewMetrics(prometheus.NewRegistry())

	manager := NewSessionManager(conv, stats, store, filter, gw, breaker, metrics, log, Options{
		RateLimitPerHour: limit,
		TitleMaxLen:      80,
		ModelName:        "gemini-2.0-flash",
	})

	return &sessionFixture{
		manager:  manager,
		conv:     conv,
		stats:    stats,
		gw:       gw,
		quota:    store,
		limit:    limit,
		fallback: fallback,
	}
}

func TestSendMessageStartsNewConversation(t *testing.T) {
	fx := newSessionFixture(t, 60)

	result, err := fx.manager.SendMessage(context.Background(), TurnRequest{
		UserID:  "user-1",
		Content: "I have a headache that won't go away",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ConversationID)

	assert.Equal(t, "Try to rest and stay hydrated.", result.Response)
	assert.False(t, result.Redacted)
	assert.Equal(t, 42, result.TokensUsed)
	assert.Equal(t, 59, result.QuotaRemaining)

	conversation, err := fx.conv.GetOwned(context.Background(), "user-1", result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "I have a headache that won't go away", conversation.Title)

	messages, _ := fx.conv.Messages(context.Background(), result.ConversationID)
	require.Len(t, messages, 2)
	assert.Equal(t, models.SenderUser, messages[0].Sender)
	assert.Equal(t, models.SenderAssistant, messages[1].Sender)
	assert.Equal(t, 42, messages[1].TokensUsed)

	summary, err := fx.stats.Get(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalMessages)
	assert.Equal(t, 1, summary.TotalUserMessages)
	assert.Equal(t, 1, summary.TotalBotMessages)
	assert.True(t, summary.HealthTopics.Contains("headache"))

	require.Len(t, fx.stats.usage, 1)
	assert.True(t, fx.stats.usage[0].Success)
}

func TestSendMessageContinuesConversation(t *testing.T) {
	fx := newSessionFixture(t, 60)
	ctx := context.Background()

	first, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "I can't sleep lately"})
	require.NoError(t, err)

	second, err := fx.manager.SendMessage(ctx, TurnRequest{
		UserID:         "user-1",
		ConversationID: first.ConversationID,
		Content:        "It started two weeks ago",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	// The gateway saw the first turn's two messages as history
	assert.Len(t, fx.gw.history, 2)

	// The title stays pinned to the first user message
	conversation, _ := fx.conv.GetOwned(ctx, "user-1", first.ConversationID)
	assert.Equal(t, "I can't sleep lately", conversation.Title)

	messages, _ := fx.conv.Messages(ctx, first.ConversationID)
	assert.Len(t, messages, 4)
}

func TestSendMessageRejectsForeignConversation(t *testing.T) {
	fx := newSessionFixture(t, 60)
	ctx := context.Background()

	first, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "hello"})
	require.NoError(t, err)

	_, err = fx.manager.SendMessage(ctx, TurnRequest{
		UserID:         "user-2",
		ConversationID: first.ConversationID,
		Content:        "hijack attempt",
	})
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", apperrors.GetErrorCode(err))
}

func TestSendMessageQuotaExhausted(t *testing.T) {
	fx := newSessionFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "hello"})
		require.NoError(t, err)
	}

	_, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "one too many"})
	require.Error(t, err)

	appErr := apperrors.FromError(err)
	assert.Equal(t, "RATE_LIMITED", appErr.Code)
	assert.Equal(t, 429, appErr.StatusCode)

	details, ok := appErr.Details.(map[string]any)
	require.True(t, ok)
	retryAfter, ok := details["retry_after_seconds"].(int)
	require.True(t, ok)
	assert.Greater(t, retryAfter, 0)

	// The rejected turn left no trace: still two conversations' worth of
	// model calls, no third
	assert.Equal(t, 2, fx.gw.calls)

	// Another user is unaffected
	_, err = fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-2", Content: "hello"})
	assert.NoError(t, err)
}

func TestSendMessageOutboundRejected(t *testing.T) {
	fx := newSessionFixture(t, 60)
	ctx := context.Background()

	_, err := fx.manager.SendMessage(ctx, TurnRequest{
		UserID:  "user-1",
		Content: "What dosage of oxycodone should I take to get high?",
	})
	require.Error(t, err)
	assert.Equal(t, "INPUT_REJECTED", apperrors.GetErrorCode(err))

	// Nothing reached the model and nothing was stored
	assert.Equal(t, 0, fx.gw.calls)
	count, _ := fx.conv.CountActive(ctx, "user-1")
	assert.Zero(t, count)

	// The quota unit stays consumed
	used, _ := fx.quota.Usage(ctx, "user-1")
	assert.Equal(t, 1, used)
}

func TestSendMessageInboundRedacted(t *testing.T) {
	fx := newSessionFixture(t, 60)
	fx.gw.reply = &gateway.Reply{
		Text:       "Here is how to forge a prescription for it.",
		TokensUsed: 10,
		LatencyMs:  80,
		Model:      "gemini-2.0-flash",
	}

	result, err := fx.manager.SendMessage(context.Background(), TurnRequest{
		UserID:  "user-1",
		Content: "I ran out of my medicine early",
	})
	require.NoError(t, err)

	assert.True(t, result.Redacted)
	assert.Equal(t, fx.fallback, result.Response)

	// The stored assistant message carries the fallback, not the raw reply
	messages, _ := fx.conv.Messages(context.Background(), result.ConversationID)
	require.Len(t, messages, 2)
	assert.Equal(t, fx.fallback, messages[1].Content)
}

func TestSendMessageModelTimeout(t *testing.T) {
	fx := newSessionFixture(t, 60)
	fx.gw.err = &gateway.Failure{Kind: gateway.KindTimeout, Retryable: true, Message: "deadline exceeded"}

	_, err := fx.manager.SendMessage(context.Background(), TurnRequest{
		UserID:  "user-1",
		Content: "Is this fever serious?",
	})
	require.Error(t, err)

	appErr := apperrors.FromError(err)
	assert.Equal(t, "MODEL_TIMEOUT", appErr.Code)
	assert.Equal(t, 504, appErr.StatusCode)

	// The user message was persisted even though the turn failed
	conversations, total, _ := fx.conv.ListActive(context.Background(), "user-1", 0, 10)
	require.EqualValues(t, 1, total)
	messages, _ := fx.conv.Messages(context.Background(), conversations[0].ID)
	require.Len(t, messages, 1)
	assert.Equal(t, models.SenderUser, messages[0].Sender)

	// And the failure is in the usage log
	require.Len(t, fx.stats.usage, 1)
	assert.False(t, fx.stats.usage[0].Success)
}

func TestSendMessageModelUnavailableOpensCircuit(t *testing.T) {
	fx := newSessionFixture(t, 60)
	fx.gw.err = &gateway.Failure{Kind: gateway.KindUnavailable, Retryable: true, Message: "connection refused"}
	ctx := context.Background()

	// Drive the breaker past its failure threshold
	for i := 0; i < 5; i++ {
		_, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "hello"})
		require.Error(t, err)
		assert.Equal(t, "MODEL_UNAVAILABLE", apperrors.GetErrorCode(err))
	}

	calls := fx.gw.calls
	_, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "hello"})
	require.Error(t, err)
	assert.Equal(t, "MODEL_UNAVAILABLE", apperrors.GetErrorCode(err))
	// Short-circuited: the gateway was not called again
	assert.Equal(t, calls, fx.gw.calls)
}

func TestSendMessageValidation(t *testing.T) {
	fx := newSessionFixture(t, 60)
	ctx := context.Background()

	_, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "   "})
	assert.Equal(t, "INVALID_REQUEST", apperrors.GetErrorCode(err))

	_, err = fx.manager.SendMessage(ctx, TurnRequest{Content: "hello"})
	assert.Equal(t, "UNAUTHORIZED", apperrors.GetErrorCode(err))
}

func TestStatusReportsQuotaAndCircuit(t *testing.T) {
	fx := newSessionFixture(t, 60)
	ctx := context.Background()

	_, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "hello"})
	require.NoError(t, err)

	status, err := fx.manager.Status(ctx, "user-1")
	require.NoError(t, err)

	assert.True(t, status.Available)
	assert.Equal(t, "gemini-2.0-flash", status.ModelName)
	assert.Equal(t, string(resilience.StateClosed), status.CircuitState)
	assert.Equal(t, 1, status.QuotaUsed)
	assert.Equal(t, 60, status.QuotaLimit)
	assert.EqualValues(t, 1, status.TotalConversations)
	assert.EqualValues(t, 2, status.TotalMessages)
	assert.EqualValues(t, 1, status.RecentSuccessful)
	assert.EqualValues(t, 0, status.RecentFailed)
}

func TestStatusCountsOnlyActiveConversations(t *testing.T) {
	fx := newSessionFixture(t, 60)
	ctx := context.Background()

	first, err := fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "hello"})
	require.NoError(t, err)
	_, err = fx.manager.SendMessage(ctx, TurnRequest{UserID: "user-1", Content: "another thing"})
	require.NoError(t, err)

	require.NoError(t, fx.conv.SoftDelete(ctx, "user-1", first.ConversationID))

	status, err := fx.manager.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.TotalConversations)
	assert.EqualValues(t, 2, status.TotalMessages)
}

// overshootingQuotaStore mimics the Redis counter, which keeps climbing
// past the limit on rejected requests
type overshootingQuotaStore struct{ count int }

func (s *overshootingQuotaStore) CheckAndConsume(_ context.Context, _ string, limit int) (quota.Decision, error) {
	s.count++
	if s.count > limit {
		return quota.Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	return quota.Decision{Allowed: true, Remaining: limit - s.count}, nil
}

func (s *overshootingQuotaStore) Usage(_ context.Context, _ string) (int, error) {
	return s.count, nil
}

func TestStatusClampsQuotaUsedToLimit(t *testing.T) {
	fx := newSessionFixture(t, 60)
	fx.manager.quota = &overshootingQuotaStore{count: 75}

	status, err := fx.manager.Status(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 60, status.QuotaUsed)
	assert.Equal(t, 60, status.QuotaLimit)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "short message", deriveTitle("  short   message ", 80))

	long := "I have been experiencing persistent headaches every morning for the past three weeks now"
	title := deriveTitle(long, 40)
	assert.LessOrEqual(t, len([]rune(title)), 44)
	assert.Contains(t, title, "...")
	assert.NotContains(t, title, "three")
}
