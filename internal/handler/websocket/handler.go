package websocket

import (
	"net/http"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
// allowedOrigin 为空或 "*" 时接受任意来源。
func NewWebSocketHandler(h *hub.Hub, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || origin == allowedOrigin
		},
	}
	return &WebSocketHandler{upgrader: upgrader, hub: h}
}

// HandleConnection 处理 WebSocket 连接请求。
// GET /ws 建立连接后由客户端发送 join；
// GET /ws/room/:roomId?name=&color= 在连接建立后自动加入该房间。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	roomID := c.Param("roomId")
	logCtx := logrus.WithField("room_id", roomID)

	if roomID != "" {
		if err := service.ValidateRoomID(roomID); err != nil {
			logCtx.WithError(err).Warn("WS Handler: invalid room id")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	participantID := uuid.NewString()
	logCtx = logCtx.WithField("participant_id", participantID)
	client := hub.NewClient(h.hub, conn, participantID)

	if !h.hub.Register(client) {
		logCtx.Error("WS Handler: Hub unavailable, failed to register client")
		client.CloseConn()
		return
	}

	if roomID != "" {
		frame, err := hub.JoinFrame(roomID, domain.User{Name: c.Query("name"), Color: c.Query("color")})
		if err == nil && h.hub.QueueMessage(hub.HubMessage{Type: hub.MessageEvent, Client: client, RawData: frame}) {
			logCtx.Debug("WS Handler: auto-join queued")
		} else {
			logCtx.WithError(err).Warn("WS Handler: failed to queue auto-join")
		}
	}

	client.Run()
	logCtx.Info("WS Handler: Client connected")
}
