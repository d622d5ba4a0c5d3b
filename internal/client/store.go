// Package client 是画布客户端的本地状态：服务端画布的副本、参与者、视图、
// 工具样式以及本地撤销历史，另有与同步服务器对话的 Session。
package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/history"

	"github.com/google/uuid"
)

var (
	// ErrObjectNotFound 表示要修改或删除的对象不在画布上
	ErrObjectNotFound = errors.New("object not found")
	// ErrDuplicateObject 表示新对象的 id 已被占用
	ErrDuplicateObject = errors.New("duplicate object id")
)

// Tool 是当前选中的绘图工具
type Tool string

const (
	ToolSelect     Tool = "select"
	ToolPencil     Tool = "pencil"
	ToolBrush      Tool = "brush"
	ToolEraser     Tool = "eraser"
	ToolLine       Tool = "line"
	ToolRectangle  Tool = "rectangle"
	ToolCircle     Tool = "circle"
	ToolArrow      Tool = "arrow"
	ToolTriangle   Tool = "triangle"
	ToolDiamond    Tool = "diamond"
	ToolStar       Tool = "star"
	ToolText       Tool = "text"
	ToolStickyNote Tool = "sticky-note"
	ToolConnector  Tool = "connector"
	ToolPan        Tool = "pan"
)

// 视图缩放范围
const (
	MinScale = 0.1
	MaxScale = 5.0
)

// Style 是新建对象使用的绘制样式
type Style struct {
	Fill        string
	Stroke      string
	StrokeWidth float64
	Opacity     float64
	FontSize    float64
}

// DefaultStyle 返回初始样式
func DefaultStyle() Style {
	return Style{Fill: "#3B82F6", Stroke: "#000000", StrokeWidth: 2, Opacity: 1, FontSize: 16}
}

// Config 是 Store 的初始化参数，由外部 (UI) 提供
type Config struct {
	Tool         Tool
	UserName     string
	UserColor    string
	Background   string
	GridSize     int
	SnapToGrid   bool
	HistoryLimit int
	Style        Style
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Tool:       ToolSelect,
		Background: domain.DefaultBackground,
		GridSize:   domain.DefaultGridSize,
		Style:      DefaultStyle(),
	}
}

// Store 是客户端的本地状态。所有方法都可以在任意 goroutine 中调用。
// 画布修改先乐观地应用到本地并同步提交到本地历史，调用方负责把结果发送给服务器。
type Store struct {
	mu sync.RWMutex

	canvas        domain.CanvasState
	history       *history.History
	remoteActions *domain.ActionLog
	selected      []string

	users       map[string]domain.User
	currentUser *domain.User

	tool        Tool
	style       Style
	scale       float64
	position    domain.Point
	showGrid    bool
	showMiniMap bool

	subMu     sync.Mutex
	subs      map[int]func()
	nextSubID int
}

// NewStore 创建 Store，并把初始画布提交为历史基线
func NewStore(cfg Config) *Store {
	canvas := domain.CanvasState{
		Objects:    []domain.CanvasObject{},
		Background: cfg.Background,
		GridSize:   cfg.GridSize,
		SnapToGrid: cfg.SnapToGrid,
	}.Normalize()
	if cfg.Tool == "" {
		cfg.Tool = ToolSelect
	}
	if cfg.Style == (Style{}) {
		cfg.Style = DefaultStyle()
	}
	s := &Store{
		canvas:        canvas,
		history:       history.New(cfg.HistoryLimit),
		remoteActions: domain.NewActionLog(domain.DefaultActionLogLimit, nil),
		users:         make(map[string]domain.User),
		tool:          cfg.Tool,
		style:         cfg.Style,
		scale:         1,
		showGrid:      true,
		showMiniMap:   true,
		subs:          make(map[int]func()),
	}
	if cfg.UserName != "" || cfg.UserColor != "" {
		s.currentUser = &domain.User{Name: cfg.UserName, Color: cfg.UserColor}
	}
	s.history.Commit(canvas)
	return s
}

// Subscribe 注册变更回调，返回取消函数。回调在锁外调用。
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// update 在写锁内执行 fn，fn 返回 true 时通知订阅者
func (s *Store) update(fn func() bool) {
	s.mu.Lock()
	changed := fn()
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// --- 画布 ---

// Canvas 返回画布的深拷贝
func (s *Store) Canvas() domain.CanvasState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canvas.Clone()
}

// SetCanvas 用服务端广播整体覆盖本地画布，不合并未发送的本地修改，也不记录历史
func (s *Store) SetCanvas(canvas domain.CanvasState) {
	s.update(func() bool {
		s.canvas = canvas.Normalize().Clone()
		return true
	})
}

// Bootstrap 设置加入房间时收到的画布，并以它作为新的历史基线
func (s *Store) Bootstrap(canvas domain.CanvasState) {
	s.update(func() bool {
		s.canvas = canvas.Normalize().Clone()
		s.selected = nil
		s.history.Clear()
		s.history.Commit(s.canvas)
		return true
	})
}

// AddObject 校验并追加对象 (置于最上层)。非法对象被拒绝，不会进入画布。
func (s *Store) AddObject(obj domain.CanvasObject) error {
	if err := obj.Validate(); err != nil {
		return err
	}
	var err error
	s.update(func() bool {
		if s.canvas.IndexOf(obj.ID) >= 0 {
			err = fmt.Errorf("%w: %s", ErrDuplicateObject, obj.ID)
			return false
		}
		s.canvas = s.canvas.WithObject(obj)
		s.history.Commit(s.canvas)
		return true
	})
	return err
}

// UpdateObject 用 fn 生成的替换对象替换 id 对应的对象，id 保持不变
func (s *Store) UpdateObject(id string, fn func(domain.CanvasObject) domain.CanvasObject) error {
	var err error
	s.update(func() bool {
		next, ok := s.canvas.ReplaceObject(id, fn)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrObjectNotFound, id)
			return false
		}
		if verr := next.Objects[next.IndexOf(id)].Validate(); verr != nil {
			err = verr
			return false
		}
		s.canvas = next
		s.history.Commit(s.canvas)
		return true
	})
	return err
}

// DeleteObject 删除对象并将其移出选择集
func (s *Store) DeleteObject(id string) error {
	var err error
	s.update(func() bool {
		next, ok := s.canvas.WithoutObject(id)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrObjectNotFound, id)
			return false
		}
		s.canvas = next
		s.selected = without(s.selected, id)
		s.history.Commit(s.canvas)
		return true
	})
	return err
}

// ClearCanvas 清空所有对象，同时清空选择集和本地历史
func (s *Store) ClearCanvas() {
	s.update(func() bool {
		s.canvas = s.canvas.Clone()
		s.canvas.Objects = []domain.CanvasObject{}
		s.selected = nil
		s.history.Clear()
		return true
	})
}

// --- 历史 ---

// CommitHistory 把当前画布提交到本地历史
func (s *Store) CommitHistory() {
	s.update(func() bool {
		s.history.Commit(s.canvas)
		return true
	})
}

// Undo 回退一步，返回是否发生了变化
func (s *Store) Undo() bool {
	var ok bool
	s.update(func() bool {
		var state domain.CanvasState
		if state, ok = s.history.Undo(); ok {
			s.canvas = state
		}
		return ok
	})
	return ok
}

// Redo 前进一步，返回是否发生了变化
func (s *Store) Redo() bool {
	var ok bool
	s.update(func() bool {
		var state domain.CanvasState
		if state, ok = s.history.Redo(); ok {
			s.canvas = state
		}
		return ok
	})
	return ok
}

// ClearHistory 清空本地历史，不修改画布
func (s *Store) ClearHistory() {
	s.update(func() bool {
		s.history.Clear()
		return true
	})
}

func (s *Store) CanUndo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.CanUndo()
}

func (s *Store) CanRedo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.CanRedo()
}

// HistoryLen 返回本地历史中的快照数
func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Len()
}

// SetRemoteHistory 设置房间的动作记录 (history-state)
func (s *Store) SetRemoteHistory(actions []domain.HistoryAction) {
	s.update(func() bool {
		s.remoteActions = domain.NewActionLog(domain.DefaultActionLogLimit, actions)
		return true
	})
}

// AppendRemoteHistory 追加一条其他参与者的动作 (history-update)
func (s *Store) AppendRemoteHistory(action domain.HistoryAction) {
	s.update(func() bool {
		s.remoteActions.Append(action)
		return true
	})
}

// RemoteHistory 返回房间动作记录的拷贝
func (s *Store) RemoteHistory() []domain.HistoryAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteActions.List()
}

// --- 选择 ---

func (s *Store) SelectObjects(ids []string) {
	s.update(func() bool {
		s.selected = append([]string(nil), ids...)
		return true
	})
}

func (s *Store) ClearSelection() {
	s.update(func() bool {
		s.selected = nil
		return true
	})
}

func (s *Store) Selection() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.selected...)
}

// --- 视图 ---

// SetScale 设置缩放比例，超出 [MinScale, MaxScale] 时截断，返回实际值
func (s *Store) SetScale(scale float64) float64 {
	if scale < MinScale {
		scale = MinScale
	}
	if scale > MaxScale {
		scale = MaxScale
	}
	s.update(func() bool {
		s.scale = scale
		return true
	})
	return scale
}

func (s *Store) Scale() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scale
}

func (s *Store) SetPosition(p domain.Point) {
	s.update(func() bool {
		s.position = p
		return true
	})
}

func (s *Store) Position() domain.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// ResetView 恢复默认缩放和平移
func (s *Store) ResetView() {
	s.update(func() bool {
		s.scale = 1
		s.position = domain.Point{}
		return true
	})
}

func (s *Store) SetShowGrid(v bool) {
	s.update(func() bool {
		s.showGrid = v
		return true
	})
}

func (s *Store) SetShowMiniMap(v bool) {
	s.update(func() bool {
		s.showMiniMap = v
		return true
	})
}

func (s *Store) ShowGrid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.showGrid
}

func (s *Store) ShowMiniMap() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.showMiniMap
}

// --- 工具与样式 ---

func (s *Store) SetTool(t Tool) {
	s.update(func() bool {
		s.tool = t
		return true
	})
}

func (s *Store) Tool() Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tool
}

// UpdateStyle 修改当前样式
func (s *Store) UpdateStyle(fn func(*Style)) {
	s.update(func() bool {
		fn(&s.style)
		return true
	})
}

func (s *Store) Style() Style {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.style
}

// NewShape 按当前样式创建一个新图元：尺寸从 0 开始，画笔/直线以单个点开始。
// 返回的对象尚未加入画布。
func (s *Store) NewShape(t domain.ObjectType, at domain.Point) domain.CanvasObject {
	st := s.Style()
	obj := domain.CanvasObject{
		ID:          uuid.NewString(),
		Type:        t,
		X:           at.X,
		Y:           at.Y,
		Fill:        st.Fill,
		Stroke:      st.Stroke,
		StrokeWidth: domain.Float(st.StrokeWidth),
		Opacity:     domain.Float(st.Opacity),
	}
	switch t {
	case domain.ObjectLine, domain.ObjectArrow:
		obj.X, obj.Y = 0, 0
		obj.Points = []float64{at.X, at.Y}
	case domain.ObjectText:
		obj.Text = domain.String("")
		obj.Style = &domain.ObjectStyle{FontSize: domain.Float(st.FontSize)}
	case domain.ObjectStar:
		obj.Width, obj.Height = domain.Float(0), domain.Float(0)
		obj.NumPoints = domain.Int(5)
		obj.InnerRadius = domain.Float(0)
		obj.OuterRadius = domain.Float(0)
	case domain.ObjectStickyNote:
		obj.Width, obj.Height = domain.Float(0), domain.Float(0)
		obj.Text = domain.String("")
		obj.Style = &domain.ObjectStyle{FontSize: domain.Float(st.FontSize)}
	default:
		obj.Width, obj.Height = domain.Float(0), domain.Float(0)
	}
	return obj
}

// --- 参与者 ---

// SetUsers 用服务端列表替换参与者集合
func (s *Store) SetUsers(users []domain.User) {
	s.update(func() bool {
		s.users = make(map[string]domain.User, len(users))
		for _, u := range users {
			s.users[u.ID] = u.Clone()
		}
		return true
	})
}

func (s *Store) AddUser(u domain.User) {
	s.update(func() bool {
		s.users[u.ID] = u.Clone()
		return true
	})
}

func (s *Store) RemoveUser(id string) {
	s.update(func() bool {
		if _, ok := s.users[id]; !ok {
			return false
		}
		delete(s.users, id)
		return true
	})
}

// UpdateUserCursor 更新已知参与者的光标，未知参与者被忽略
func (s *Store) UpdateUserCursor(id string, cursor domain.Point) bool {
	var ok bool
	s.update(func() bool {
		var u domain.User
		if u, ok = s.users[id]; ok {
			p := cursor
			u.Cursor = &p
			s.users[id] = u
		}
		return ok
	})
	return ok
}

// Users 返回其他参与者 (按名字排序)
func (s *Store) Users() []domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) SetCurrentUser(u domain.User) {
	s.update(func() bool {
		c := u.Clone()
		s.currentUser = &c
		return true
	})
}

// CurrentUser 返回本地用户，未设置时 ok 为 false
func (s *Store) CurrentUser() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentUser == nil {
		return domain.User{}, false
	}
	return s.currentUser.Clone(), true
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
