// Package dto 定义 WebSocket 线协议的消息信封与各事件负载。
package dto

import (
	"encoding/json"
	"fmt"

	"collaborative-canvas/internal/domain"
)

// 客户端 -> 服务端事件
const (
	EventJoin         = "join"
	EventJoinRoom     = "join-room" // 旧客户端使用的名字，与 join 等价
	EventCanvasUpdate = "canvas-update"
	EventCursorMove   = "cursor-move"
	EventAddToHistory = "add-to-history"
)

// 服务端 -> 客户端事件 (canvas-update 双向共用)
const (
	EventCanvasState   = "canvas-state"
	EventHistoryState  = "history-state"
	EventCurrentUsers  = "current-users"
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"
	EventCursorUpdate  = "cursor-update"
	EventHistoryUpdate = "history-update"
	EventError         = "error"
	EventConnected     = "connected" // 连接建立后告知客户端自己的 id
)

// Envelope 是每一帧 JSON 文本消息的外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload 是 join 事件的负载。
type JoinPayload struct {
	RoomID string      `json:"roomId"`
	User   domain.User `json:"user"`
}

// CanvasUpdatePayload 携带发送者的完整画布。缺少 canvas 字段时 Canvas 为 nil。
type CanvasUpdatePayload struct {
	RoomID string              `json:"roomId"`
	Canvas *domain.CanvasState `json:"canvas"`
}

// CursorMovePayload 是 cursor-move 事件的负载。
type CursorMovePayload struct {
	RoomID string       `json:"roomId"`
	Cursor domain.Point `json:"cursor"`
}

// AddToHistoryPayload 是 add-to-history 事件的负载。
type AddToHistoryPayload struct {
	RoomID string               `json:"roomId"`
	Action domain.HistoryAction `json:"action"`
}

// CursorUpdate 广播某个参与者的光标位置。
type CursorUpdate struct {
	UserID string       `json:"userId"`
	Cursor domain.Point `json:"cursor"`
}

// ConnectedPayload 携带传输层分配给连接的参与者 id。
type ConnectedPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload 是发给请求发送者的错误消息。
type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode 将事件与负载编码为一帧消息。
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode 解析信封；负载留给调用方按事件类型解码。
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// DecodeData 将信封中的负载解码到 v。
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}
