package domain

import "time"

// ActionType 是历史动作的种类。
type ActionType string

const (
	ActionAdd    ActionType = "add"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionBatch  ActionType = "batch"
	ActionClear  ActionType = "clear"
)

// HistoryAction 是一次已完成的画布修改的元数据，用于在线状态/审计展示。
// 它本身不修改画布 (画布修改已经通过 canvas-update 完成)。
type HistoryAction struct {
	Type      ActionType     `json:"type"`
	ObjectID  string         `json:"objectId,omitempty"`
	Object    *CanvasObject  `json:"object,omitempty"`
	Objects   []CanvasObject `json:"objects,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix 毫秒
	UserID    string         `json:"userId,omitempty"`
}

// Stamp 使用服务端时间和操作者 id 覆盖动作的 timestamp/userId。
func (a HistoryAction) Stamp(actorID string, now time.Time) HistoryAction {
	a.Timestamp = now.UnixMilli()
	a.UserID = actorID
	return a
}

// DefaultActionLogLimit 是每个房间保留的历史动作条数上限。
const DefaultActionLogLimit = 100

// ActionLog 是有界的动作列表，超出上限时丢弃最旧的记录。
type ActionLog struct {
	limit   int
	actions []HistoryAction
}

// NewActionLog 创建 ActionLog；limit <= 0 时使用 DefaultActionLogLimit。
// seed 中超出上限的旧记录会被丢弃。
func NewActionLog(limit int, seed []HistoryAction) *ActionLog {
	if limit <= 0 {
		limit = DefaultActionLogLimit
	}
	l := &ActionLog{limit: limit, actions: make([]HistoryAction, 0, len(seed))}
	for _, a := range seed {
		l.Append(a)
	}
	return l
}

// Append 追加一条动作并维持上限。
func (l *ActionLog) Append(a HistoryAction) {
	l.actions = append(l.actions, a)
	if over := len(l.actions) - l.limit; over > 0 {
		l.actions = append([]HistoryAction(nil), l.actions[over:]...)
	}
}

// Len 返回当前保留的条数。
func (l *ActionLog) Len() int { return len(l.actions) }

// List 返回动作列表的拷贝 (从旧到新)。
func (l *ActionLog) List() []HistoryAction {
	out := make([]HistoryAction, len(l.actions))
	copy(out, l.actions)
	return out
}
