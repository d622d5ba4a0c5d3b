package tasks

import (
	"encoding/json"
	"fmt"

	"collaborative-canvas/internal/domain"
)

// 定义任务类型常量
const (
	TypeRoomSave  = "room:save"  // 保存单个房间快照
	TypeRoomFlush = "room:flush" // 周期性保存所有活跃房间
)

// RoomSavePayload 定义了房间保存任务的数据结构
type RoomSavePayload struct {
	RoomID   string              `json:"roomId"`
	Snapshot domain.RoomSnapshot `json:"snapshot"`
}

// NewRoomSaveTask 序列化房间保存任务的 payload
func NewRoomSaveTask(roomID string, snapshot domain.RoomSnapshot) ([]byte, error) {
	payloadBytes, err := json.Marshal(RoomSavePayload{RoomID: roomID, Snapshot: snapshot})
	if err != nil {
		return nil, fmt.Errorf("marshal room save payload: %w", err)
	}
	return payloadBytes, nil
}

// ParseRoomSaveTask 反序列化房间保存任务的 payload
func ParseRoomSaveTask(data []byte) (RoomSavePayload, error) {
	var payload RoomSavePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return RoomSavePayload{}, fmt.Errorf("unmarshal room save payload: %w", err)
	}
	if payload.RoomID == "" {
		return RoomSavePayload{}, fmt.Errorf("room save payload: missing roomId")
	}
	payload.Snapshot = payload.Snapshot.Normalize()
	return payload, nil
}

// NewRoomFlushTask 周期任务不需要 payload
func NewRoomFlushTask() ([]byte, error) {
	return nil, nil
}
