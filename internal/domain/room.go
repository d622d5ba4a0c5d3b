package domain

// RoomSnapshot 是房间的持久化形式，对应快照文件
// { "canvas": CanvasState, "history": HistoryAction[] }。
type RoomSnapshot struct {
	Canvas  CanvasState     `json:"canvas"`
	History []HistoryAction `json:"history"`
}

// Normalize 补齐缺省字段，旧文件缺少 history 时返回空列表。
func (s RoomSnapshot) Normalize() RoomSnapshot {
	s.Canvas = s.Canvas.Normalize()
	if s.History == nil {
		s.History = []HistoryAction{}
	}
	return s
}

// RoomInfo 是活跃房间的只读摘要 (用于 HTTP 查询与周期刷盘)。
type RoomInfo struct {
	ID           string `json:"id"`
	Participants int    `json:"participants"`
	Objects      int    `json:"objects"`
}
