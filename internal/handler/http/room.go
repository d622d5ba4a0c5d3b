package http

import (
	"net/http"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RoomHandler 提供活跃房间的只读查询接口
type RoomHandler struct {
	roomService *service.RoomService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService}
}

// ListRoomsResponse 是 GET /api/rooms 的响应
type ListRoomsResponse struct {
	Rooms []domain.RoomInfo `json:"rooms"`
}

// RoomDetailResponse 是 GET /api/rooms/:roomId 的响应
type RoomDetailResponse struct {
	ID           string                 `json:"id"`
	Participants []domain.User          `json:"participants"`
	Canvas       domain.CanvasState     `json:"canvas"`
	History      []domain.HistoryAction `json:"history"`
}

// ListRooms 列出所有活跃房间
func (h *RoomHandler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, ListRoomsResponse{Rooms: h.roomService.ActiveRooms()})
}

// GetRoom 返回单个活跃房间的当前画布、参与者和动作记录
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	logCtx := logrus.WithField("room_id", roomID)

	if err := service.ValidateRoomID(roomID); err != nil {
		HandleServiceError(c, err)
		return
	}
	snap, err := h.roomService.Snapshot(roomID)
	if err != nil {
		logCtx.WithError(err).Debug("Handler.GetRoom: room lookup failed")
		HandleServiceError(c, err)
		return
	}
	participants, err := h.roomService.Participants(roomID)
	if err != nil {
		// 房间可能在两次查询之间关闭
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, RoomDetailResponse{
		ID:           roomID,
		Participants: participants,
		Canvas:       snap.Canvas,
		History:      snap.History,
	})
}
