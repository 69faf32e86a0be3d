package api

import (
	"github.com/gin-gonic/gin"
)

// ChatUpgrader serves the WebSocket chat endpoint. Satisfied by
// *ws.ChatServer.
type ChatUpgrader interface {
	Handle(c *gin.Context)
}

// RegisterRoutes mounts the assistant endpoints under group. The group
// must already carry authentication middleware; every route here
// operates on the authenticated user's data only.
func RegisterRoutes(group *gin.RouterGroup, h *Handler, chat ChatUpgrader) {
	group.POST("/conversation", h.SendMessage)
	group.GET("/conversations", h.ListConversations)
	group.GET("/conversations/:id", h.GetConversation)
	group.DELETE("/conversations/:id", h.DeleteConversation)
	group.DELETE("/conversations", h.ClearConversations)
	group.GET("/conversations/:id/analytics", h.GetConversationAnalytics)
	group.GET("/analytics", h.GetUserAnalytics)
	group.GET("/status", h.GetStatus)

	if chat != nil {
		group.GET("/ws", chat.Handle)
	}
}
