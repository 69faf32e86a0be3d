// Package ws serves the assistant over a WebSocket connection. Each
// inbound frame is one conversation turn and goes through the same
// pipeline as the HTTP endpoint; frames on one connection are processed
// sequentially.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"jeghealth/backend/drjeg/service"
	apperrors "jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"
	"jeghealth/backend/pkg/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// ChatServer upgrades connections and drives turns through the session
// manager
type ChatServer struct {
	sessions *service.SessionManager
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// wsConn wraps a connection with a write lock; the ping loop and the
// turn loop both write
type wsConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

// NewChatServer creates a WebSocket chat server
func NewChatServer(sessions *service.SessionManager, log *logger.Logger) *ChatServer {
	return &ChatServer{
		sessions: sessions,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Auth happens via JWT before the upgrade; origin is not
			// restricted beyond that
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type inboundFrame struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type outboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Response       string `json:"response,omitempty"`
	Redacted       bool   `json:"redacted,omitempty"`
	QuotaRemaining int    `json:"quota_remaining,omitempty"`
	Error          *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	} `json:"error,omitempty"`
}

// Handle upgrades the request and serves turns until the peer closes
func (s *ChatServer) Handle(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.Error(apperrors.NewUnauthorizedError("AUTH_REQUIRED", "Authentication required"))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.LogError(err, "websocket upgrade failed")
		return
	}

	log := s.log.WithUserID(userID)
	log.Info("websocket session started")
	s.serve(c, &wsConn{Conn: conn}, userID, log)
	log.Info("websocket session ended")
}

func (s *ChatServer) serve(c *gin.Context, conn *wsConn, userID string, log *logger.Logger) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", "error", err.Error())
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeError(conn, apperrors.NewBadRequestError("INVALID_REQUEST", "Malformed message frame"))
			continue
		}

		result, err := s.sessions.SendMessage(c.Request.Context(), service.TurnRequest{
			UserID:         userID,
			ConversationID: frame.ConversationID,
			Content:        frame.Message,
		})
		if err != nil {
			s.writeError(conn, apperrors.FromError(err))
			continue
		}

		s.write(conn, outboundFrame{
			Type:           "response",
			ConversationID: result.ConversationID,
			Response:       result.Response,
			Redacted:       result.Redacted,
			QuotaRemaining: result.QuotaRemaining,
		})
	}
}

func (s *ChatServer) pingLoop(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *ChatServer) write(conn *wsConn, frame outboundFrame) {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		s.log.Warn("websocket write failed", "error", err.Error())
	}
}

func (s *ChatServer) writeError(conn *wsConn, appErr *apperrors.AppError) {
	frame := outboundFrame{Type: "error"}
	frame.Error = &struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	}{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	s.write(conn, frame)
}
