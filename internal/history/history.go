// Package history 实现基于完整快照的线性撤销/重做。
package history

import "collaborative-canvas/internal/domain"

// DefaultLimit 是默认保留的快照数量上限。
const DefaultLimit = 100

// History 记录每次提交后的画布深拷贝，以及指向 "当前" 快照的游标。
// 游标为 -1 表示没有任何有效状态。History 不是并发安全的，由持有者串行访问。
type History struct {
	entries []domain.CanvasState
	cursor  int
	limit   int
}

// New 创建 History；limit <= 0 时使用 DefaultLimit。
func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{cursor: -1, limit: limit}
}

// Commit 截断游标之后的所有条目，追加 state 的深拷贝，游标指向新条目。
func (h *History) Commit(state domain.CanvasState) {
	h.entries = append(h.entries[:h.cursor+1], state.Clone())
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append([]domain.CanvasState(nil), h.entries[over:]...)
	}
	h.cursor = len(h.entries) - 1
}

// Undo 将游标后移一步并返回该位置快照的拷贝。
// 游标已在开头 (或历史为空) 时不做任何事，返回 ok=false。
func (h *History) Undo() (domain.CanvasState, bool) {
	if h.cursor <= 0 {
		return domain.CanvasState{}, false
	}
	h.cursor--
	return h.entries[h.cursor].Clone(), true
}

// Redo 将游标前移一步并返回该位置快照的拷贝。
// 游标已在末尾时不做任何事，返回 ok=false。
func (h *History) Redo() (domain.CanvasState, bool) {
	if h.cursor >= len(h.entries)-1 {
		return domain.CanvasState{}, false
	}
	h.cursor++
	return h.entries[h.cursor].Clone(), true
}

// Clear 丢弃全部条目并把游标重置为空。
func (h *History) Clear() {
	h.entries = nil
	h.cursor = -1
}

// Current 返回游标处快照的拷贝。
func (h *History) Current() (domain.CanvasState, bool) {
	if h.cursor < 0 {
		return domain.CanvasState{}, false
	}
	return h.entries[h.cursor].Clone(), true
}

func (h *History) Len() int      { return len(h.entries) }
func (h *History) Cursor() int   { return h.cursor }
func (h *History) CanUndo() bool { return h.cursor > 0 }
func (h *History) CanRedo() bool { return h.cursor < len(h.entries)-1 }
