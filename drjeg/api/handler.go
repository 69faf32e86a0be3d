// Package api exposes the Dr. Jeg assistant over HTTP
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"jeghealth/backend/drjeg/service"
	apperrors "jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/middleware"
)

// Handler holds the HTTP handlers for the assistant endpoints
type Handler struct {
	sessions      *service.SessionManager
	conversations *service.ConversationService
	log           *logger.Logger
}

// NewHandler creates the API handler
func NewHandler(sessions *service.SessionManager, conversations *service.ConversationService, log *logger.Logger) *Handler {
	return &Handler{
		sessions:      sessions,
		conversations: conversations,
		log:           log,
	}
}

type sendMessageRequest struct {
	Message        string `json:"message" binding:"required"`
	ConversationID string `json:"conversation_id"`
}

// SendMessage handles POST /conversation: one turn, optionally starting
// a new conversation
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewBadRequestError("INVALID_REQUEST", "message is required"))
		return
	}

	result, err := h.sessions.SendMessage(c.Request.Context(), service.TurnRequest{
		UserID:         middleware.UserID(c),
		ConversationID: req.ConversationID,
		Content:        req.Message,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListConversations handles GET /conversations
func (h *Handler) ListConversations(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "0"))

	result, err := h.conversations.List(c.Request.Context(), middleware.UserID(c), page, pageSize)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetConversation handles GET /conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	result, err := h.conversations.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// DeleteConversation handles DELETE /conversations/:id
func (h *Handler) DeleteConversation(c *gin.Context) {
	if err := h.conversations.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted"})
}

type clearConversationsRequest struct {
	Confirm bool `json:"confirm"`
}

// ClearConversations handles DELETE /conversations; requires
// confirmation via {"confirm":true} in the body or ?confirm=true
func (h *Handler) ClearConversations(c *gin.Context) {
	var req clearConversationsRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm {
		req.Confirm, _ = strconv.ParseBool(c.Query("confirm"))
	}

	affected, err := h.conversations.ClearAll(c.Request.Context(), middleware.UserID(c), req.Confirm)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Conversations cleared",
		"deleted_count": affected,
	})
}

// GetConversationAnalytics handles GET /conversations/:id/analytics
func (h *Handler) GetConversationAnalytics(c *gin.Context) {
	result, err := h.conversations.Analytics(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetUserAnalytics handles GET /analytics
func (h *Handler) GetUserAnalytics(c *gin.Context) {
	result, err := h.conversations.AnalyticsForUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetStatus handles GET /status
func (h *Handler) GetStatus(c *gin.Context) {
	result, err := h.sessions.Status(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}
