package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jeghealth/backend/drjeg/gateway"
	"jeghealth/backend/drjeg/models"
	"jeghealth/backend/drjeg/quota"
	"jeghealth/backend/drjeg/repository"
	"jeghealth/backend/drjeg/safety"
	"jeghealth/backend/drjeg/service"
	"jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/resilience"
)

// memoryRepo is a map-backed ConversationRepository for handler tests
type memoryRepo struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (r *memoryRepo) Create(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *c
	r.conversations[c.ID] = &copied
	return nil
}

func (r *memoryRepo) GetOwned(_ context.Context, userID, id string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok || !c.Active || c.UserID != userID {
		return nil, repository.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *memoryRepo) ListActive(_ context.Context, userID string, offset, limit int) ([]models.Conversation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.Conversation
	for _, c := range r.conversations {
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

func (r *memoryRepo) Messages(_ context.Context, id string) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.messages[id]...), nil
}

func (r *memoryRepo) MessageCounts(_ context.Context, ids []string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int64)
	for _, id := range ids {
		counts[id] = int64(len(r.messages[id]))
	}
	return counts, nil
}

func (r *memoryRepo) Append(_ context.Context, id string, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[id] = append(r.messages[id], *m)
	if c, ok := r.conversations[id]; ok {
		c.UpdatedAt = m.Timestamp
	}
	return nil
}

func (r *memoryRepo) SoftDelete(_ context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok || !c.Active || c.UserID != userID {
		return repository.ErrNotFound
	}
	c.Active = false
	return nil
}

func (r *memoryRepo) ClearAll(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected int64
	for _, c := range r.conversations {
		if c.UserID == userID && c.Active {
			c.Active = false
			affected++
		}
	}
	return affected, nil
}

func (r *memoryRepo) CountActive(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, c := range r.conversations {
		if c.UserID == userID && c.Active {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepo) CountUserMessages(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for id, c := range r.conversations {
		if c.UserID == userID && c.Active {
			count += int64(len(r.messages[id]))
		}
	}
	return count, nil
}

// memoryAnalytics is a map-backed AnalyticsRepository
type memoryAnalytics struct {
	mu        sync.Mutex
	summaries map[string]*models.ConversationAnalytics
	usage     []models.APIUsageLog
}

func newMemoryAnalytics() *memoryAnalytics {
	return &memoryAnalytics{summaries: make(map[string]*models.ConversationAnalytics)}
}

func (a *memoryAnalytics) Get(_ context.Context, id string) (*models.ConversationAnalytics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.summaries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (a *memoryAnalytics) Save(_ context.Context, s *models.ConversationAnalytics) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := *s
	a.summaries[s.ConversationID] = &copied
	return nil
}

func (a *memoryAnalytics) ListByUser(_ context.Context, _ string) ([]models.ConversationAnalytics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.ConversationAnalytics
	for _, s := range a.summaries {
		out = append(out, *s)
	}
	return out, nil
}

func (a *memoryAnalytics) LogUsage(_ context.Context, entry *models.APIUsageLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage = append(a.usage, *entry)
	return nil
}

func (a *memoryAnalytics) RecentUsage(_ context.Context, userID string, since time.Time) (int64, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var success, failure int64
	for _, entry := range a.usage {
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

// stubGateway returns one canned reply
type stubGateway struct {
	reply *gateway.Reply
	err   error
}

func (s *stubGateway) Generate(_ context.Context, _ []models.Message, _ string) (*gateway.Reply, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.reply, nil
}

func (s *stubGateway) Status(_ context.Context) error { return s.err }

type apiFixture struct {
	engine *gin.Engine
	gw     *stubGateway
	repo   *memoryRepo
}

// fakeAuth stands in for the JWT middleware and trusts a header
func fakeAuth(c *gin.Context) {
	if user := c.GetHeader("X-Test-User"); user != "" {
		c.Set("userId", user)
	}
	c.Next()
}

func newAPIFixture(t *testing.T, limit int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newMemoryRepo()
	stats := newMemoryAnalytics()
	gw := &stubGateway{reply: &gateway.Reply{
		Text:       "Stay hydrated and rest.",
		TokensUsed: 21,
		LatencyMs:  90,
		Model:      "gemini-2.0-flash",
	}}

	filter, err := safety.NewFilter(safety.DefaultRules(), "")
	require.NoError(t, err)

	log := logger.New(logger.Config{Level: "error"})
	sessions := service.NewSessionManager(
		repo, stats,
		quota.NewMemoryStore(time.Hour),
		filter, gw,
		resilience.New(resilience.DefaultConfig("test"), log),
		service.NewMetrics(prometheus.NewRegistry()),
		log,
		service.Options{RateLimitPerHour: limit, TitleMaxLen: 80, ModelName: "gemini-2.0-flash"},
	)
	conversations := service.NewConversationService(repo, stats, nil, log, 20, 100)

	engine := gin.New()
	engine.Use(errors.ErrorHandler())
	group := engine.Group("/api/v1/dr-jeg")
	group.Use(fakeAuth)
	RegisterRoutes(group, NewHandler(sessions, conversations, log), nil)

	return &apiFixture{engine: engine, gw: gw, repo: repo}
}

func (fx *apiFixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}

	w := httptest.NewRecorder()
	fx.engine.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error
}

func TestPostConversation(t *testing.T) {
	fx := newAPIFixture(t, 60)

	w := fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1",
		gin.H{"message": "I have a fever since yesterday"})
	require.Equal(t, http.StatusOK, w.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "Stay hydrated and rest.", result["response"])
	assert.NotEmpty(t, result["conversation_id"])
	assert.EqualValues(t, 21, result["tokens_used"])
	assert.EqualValues(t, 59, result["quota_remaining"])
}

func TestPostConversationMissingMessage(t *testing.T) {
	fx := newAPIFixture(t, 60)

	w := fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, w)["code"])
}

func TestPostConversationUnauthenticated(t *testing.T) {
	fx := newAPIFixture(t, 60)

	w := fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "",
		gin.H{"message": "hello"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostConversationRateLimited(t *testing.T) {
	fx := newAPIFixture(t, 1)

	w := fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{"message": "first"})
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{"message": "second"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	errBody := decodeError(t, w)
	assert.Equal(t, "RATE_LIMITED", errBody["code"])
	details, ok := errBody["details"].(map[string]any)
	require.True(t, ok)
	assert.Greater(t, details["retry_after_seconds"].(float64), float64(0))
}

func TestPostConversationInputRejected(t *testing.T) {
	fx := newAPIFixture(t, 60)

	w := fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1",
		gin.H{"message": "what dosage of fentanyl should I take"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INPUT_REJECTED", decodeError(t, w)["code"])
}

func TestPostConversationModelUnavailable(t *testing.T) {
	fx := newAPIFixture(t, 60)
	fx.gw.err = &gateway.Failure{Kind: gateway.KindUnavailable, Retryable: true, Message: "down"}

	w := fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{"message": "hello"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "MODEL_UNAVAILABLE", decodeError(t, w)["code"])
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	fx := newAPIFixture(t, 60)

	w := fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1",
		gin.H{"message": "my sleep has been terrible"})
	require.Equal(t, http.StatusOK, w.Code)
	var turn map[string]any
	json.Unmarshal(w.Body.Bytes(), &turn)
	conversationID := turn["conversation_id"].(string)

	// Listing shows it
	w = fx.do(http.MethodGet, "/api/v1/dr-jeg/conversations", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page map[string]any
	json.Unmarshal(w.Body.Bytes(), &page)
	assert.EqualValues(t, 1, page["total"])

	// Detail carries the transcript
	w = fx.do(http.MethodGet, "/api/v1/dr-jeg/conversations/"+conversationID, "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail map[string]any
	json.Unmarshal(w.Body.Bytes(), &detail)
	assert.Len(t, detail["messages"], 2)

	// Another user gets a 404, not a 403, for the same id
	w = fx.do(http.MethodGet, "/api/v1/dr-jeg/conversations/"+conversationID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Per-conversation analytics
	w = fx.do(http.MethodGet, "/api/v1/dr-jeg/conversations/"+conversationID+"/analytics", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary map[string]any
	json.Unmarshal(w.Body.Bytes(), &summary)
	assert.EqualValues(t, 2, summary["total_messages"])

	// Delete, then the detail 404s
	w = fx.do(http.MethodDelete, "/api/v1/dr-jeg/conversations/"+conversationID, "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = fx.do(http.MethodGet, "/api/v1/dr-jeg/conversations/"+conversationID, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearConversationsNeedsConfirm(t *testing.T) {
	fx := newAPIFixture(t, 60)

	fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{"message": "hello"})

	w := fx.do(http.MethodDelete, "/api/v1/dr-jeg/conversations", "user-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, w)["code"])

	w = fx.do(http.MethodDelete, "/api/v1/dr-jeg/conversations", "user-1", gin.H{"confirm": false})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.do(http.MethodDelete, "/api/v1/dr-jeg/conversations", "user-1", gin.H{"confirm": true})
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	assert.EqualValues(t, 1, body["deleted_count"])

	// The query form still works for clients that can't send a DELETE body
	fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{"message": "hello again"})
	w = fx.do(http.MethodDelete, "/api/v1/dr-jeg/conversations?confirm=true", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetStatus(t *testing.T) {
	fx := newAPIFixture(t, 60)

	fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{"message": "hello"})

	w := fx.do(http.MethodGet, "/api/v1/dr-jeg/status", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]any
	json.Unmarshal(w.Body.Bytes(), &status)
	assert.Equal(t, true, status["available"])
	assert.Equal(t, "gemini-2.0-flash", status["model_name"])
	assert.EqualValues(t, 60, status["quota_limit"])
	assert.EqualValues(t, 1, status["total_conversations"])
	assert.EqualValues(t, 2, status["total_messages"])
}

func TestGetUserAnalytics(t *testing.T) {
	fx := newAPIFixture(t, 60)

	fx.do(http.MethodPost, "/api/v1/dr-jeg/conversation", "user-1", gin.H{"message": "stress and headache again"})

	w := fx.do(http.MethodGet, "/api/v1/dr-jeg/analytics", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result map[string]any
	json.Unmarshal(w.Body.Bytes(), &result)
	assert.EqualValues(t, 1, result["total_conversations"])
	topics, ok := result["health_topics"].([]any)
	require.True(t, ok)
	assert.Contains(t, topics, "stress")
	assert.Contains(t, topics, "headache")
}
