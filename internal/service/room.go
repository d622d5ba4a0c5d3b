package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"

	"github.com/sirupsen/logrus"
)

// MaxRoomIDLength 限制房间 id 的长度 (id 同时用作快照文件名)。
const MaxRoomIDLength = 128

// loadTimeout 是加入房间时读取快照的超时时间。
const loadTimeout = 5 * time.Second

// Persister 异步保存房间快照。实现必须立即返回，失败只记录日志。
type Persister interface {
	Schedule(roomID string, snapshot domain.RoomSnapshot)
}

// room 是单个活跃房间的权威状态，只由 RoomService 持有和修改。
type room struct {
	id           string
	participants map[string]domain.User
	canvas       domain.CanvasState
	actions      *domain.ActionLog
}

func (r *room) snapshot() domain.RoomSnapshot {
	return domain.RoomSnapshot{Canvas: r.canvas.Clone(), History: r.actions.List()}
}

// JoinResult 是加入房间后发给新参与者的引导数据。
type JoinResult struct {
	Participant domain.User
	Canvas      domain.CanvasState
	History     []domain.HistoryAction
	Others      []domain.User // 不包含加入者本人
	Created     bool          // 本次加入创建了房间
	Restored    bool          // 房间从持久化快照恢复
}

// LeaveResult 描述一次离开的效果。
type LeaveResult struct {
	Removed    bool // 参与者确实在房间中
	RoomClosed bool // 房间因此变空并被持久化、销毁
}

// RoomService 是进程内的房间注册表：房间 id 到房间状态的唯一权威映射。
// 房间在首次加入时创建 (必要时从快照恢复)，在最后一个参与者离开时持久化并销毁。
//
// 冲突策略是最后写入者获胜：canvas-update 直接整体替换画布，不做字段级合并。
type RoomService struct {
	mu    sync.RWMutex
	rooms map[string]*room

	snapshotRepo repository.SnapshotRepository
	persister    Persister
	actionLimit  int
	now          func() time.Time
}

// RoomServiceOption 用于调整 RoomService 的可选参数。
type RoomServiceOption func(*RoomService)

// WithActionLimit 设置每个房间保留的历史动作条数。
func WithActionLimit(limit int) RoomServiceOption {
	return func(s *RoomService) { s.actionLimit = limit }
}

// WithClock 替换时间来源 (测试用)。
func WithClock(now func() time.Time) RoomServiceOption {
	return func(s *RoomService) { s.now = now }
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(snapshotRepo repository.SnapshotRepository, persister Persister, opts ...RoomServiceOption) *RoomService {
	if snapshotRepo == nil {
		panic("SnapshotRepository cannot be nil for RoomService")
	}
	if persister == nil {
		panic("Persister cannot be nil for RoomService")
	}
	s := &RoomService{
		rooms:        make(map[string]*room),
		snapshotRepo: snapshotRepo,
		persister:    persister,
		actionLimit:  domain.DefaultActionLogLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateRoomID 检查房间 id 是否可用。id 是调用方选择的不透明字符串。
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidRoomID, MaxRoomIDLength)
	}
	return nil
}

// Join 将参与者加入房间。房间不存在时尝试从快照恢复，没有快照则创建空画布。
// participantID 由传输层分配，会覆盖 user 中客户端声明的 id。
// Join 会同步读取快照；不能阻塞的调用方应先用 LoadSnapshot 读取，再调用 JoinRestored。
func (s *RoomService) Join(ctx context.Context, roomID, participantID string, user domain.User) (*JoinResult, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	var restored *domain.RoomSnapshot
	if !s.HasRoom(roomID) {
		restored = s.LoadSnapshot(ctx, roomID)
	}
	return s.JoinRestored(ctx, roomID, participantID, user, restored)
}

// LoadSnapshot 读取房间的持久化快照 (不持有注册表锁)。
// 快照不存在或读取失败都返回 nil，即新的空房间。
func (s *RoomService) LoadSnapshot(ctx context.Context, roomID string) *domain.RoomSnapshot {
	logCtx := logrus.WithField("room_id", roomID)
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	snap, err := s.snapshotRepo.Load(loadCtx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			logCtx.Debug("No snapshot found, starting empty room")
		} else {
			logCtx.WithError(err).Warn("Failed to load room snapshot, starting empty room")
		}
		return nil
	}
	if snap == nil {
		return nil
	}
	if err := snap.Canvas.Validate(); err != nil {
		logCtx.WithError(err).Warn("Persisted canvas failed validation, loading it anyway")
	}
	return snap
}

// JoinRestored 与 Join 相同，但房间不存在时用 restored 创建 (nil 表示空画布)，不做任何 I/O。
// 房间已经存在时忽略 restored。
func (s *RoomService) JoinRestored(ctx context.Context, roomID, participantID string, user domain.User, restored *domain.RoomSnapshot) (*JoinResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": participantID})
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if participantID == "" {
		return nil, fmt.Errorf("%w: empty participant id", ErrInternalServer)
	}

	result := &JoinResult{}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{id: roomID, participants: make(map[string]domain.User)}
		if restored != nil {
			r.canvas = restored.Canvas.Normalize()
			r.actions = domain.NewActionLog(s.actionLimit, restored.History)
			result.Restored = true
		} else {
			r.canvas = domain.NewCanvasState()
			r.actions = domain.NewActionLog(s.actionLimit, nil)
		}
		s.rooms[roomID] = r
		result.Created = true
		logCtx.WithField("restored", result.Restored).Info("Room created")
	}

	participant := user.Clone()
	participant.ID = participantID
	if strings.TrimSpace(participant.Name) == "" {
		participant.Name = domain.DefaultUserName
	}
	if participant.Color == "" {
		participant.Color = domain.ColorFor(participantID)
	}
	r.participants[participantID] = participant

	result.Participant = participant.Clone()
	result.Canvas = r.canvas.Clone()
	result.History = r.actions.List()
	result.Others = othersSorted(r.participants, participantID)

	logCtx.WithField("participants", len(r.participants)).Info("Participant joined room")
	return result, nil
}

// Rejoin 为已在房间中的参与者重新生成引导数据，不修改参与者信息。
func (s *RoomService) Rejoin(ctx context.Context, roomID, participantID string) (*JoinResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.memberRoomLocked(roomID, participantID)
	if err != nil {
		return nil, err
	}
	return &JoinResult{
		Participant: r.participants[participantID].Clone(),
		Canvas:      r.canvas.Clone(),
		History:     r.actions.List(),
		Others:      othersSorted(r.participants, participantID),
	}, nil
}

// ApplyCanvasUpdate 用发送者的完整画布整体替换房间画布 (最后写入者获胜)，
// 并安排一次尽力而为的保存。返回存储后的画布拷贝，调用方负责广播。
// 相同的负载重复应用得到相同的状态，且不会增加历史记录。
func (s *RoomService) ApplyCanvasUpdate(ctx context.Context, roomID, participantID string, canvas domain.CanvasState) (domain.CanvasState, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": participantID})
	canvas = canvas.Normalize()
	if err := canvas.Validate(); err != nil {
		logCtx.WithError(err).Warn("Rejected invalid canvas update")
		return domain.CanvasState{}, fmt.Errorf("%w: %v", ErrInvalidCanvas, err)
	}

	s.mu.Lock()
	r, err := s.memberRoomLocked(roomID, participantID)
	if err != nil {
		s.mu.Unlock()
		return domain.CanvasState{}, err
	}
	changed := !r.canvas.Equal(canvas)
	r.canvas = canvas.Clone()
	snap := r.snapshot()
	s.mu.Unlock()

	logCtx.WithFields(logrus.Fields{"objects": len(canvas.Objects), "changed": changed}).Debug("Canvas replaced")
	s.persister.Schedule(roomID, snap)
	return snap.Canvas.Clone(), nil
}

// MoveCursor 只更新该参与者的光标位置。
func (s *RoomService) MoveCursor(ctx context.Context, roomID, participantID string, cursor domain.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.memberRoomLocked(roomID, participantID)
	if err != nil {
		return err
	}
	u := r.participants[participantID]
	p := cursor
	u.Cursor = &p
	r.participants[participantID] = u
	return nil
}

// RecordHistoryAction 追加一条动作元数据 (盖上服务端时间戳和操作者 id)。
// 它不修改画布，保留条数受上限约束，超出时丢弃最旧的记录。
func (s *RoomService) RecordHistoryAction(ctx context.Context, roomID, participantID string, action domain.HistoryAction) (domain.HistoryAction, error) {
	if action.Type == "" {
		return domain.HistoryAction{}, fmt.Errorf("%w: missing type", ErrInvalidAction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.memberRoomLocked(roomID, participantID)
	if err != nil {
		return domain.HistoryAction{}, err
	}
	stamped := action.Stamp(participantID, s.now())
	r.actions.Append(stamped)
	return stamped, nil
}

// Leave 将参与者移出房间。房间变空时持久化最终状态并从注册表中删除。
func (s *RoomService) Leave(ctx context.Context, roomID, participantID string) (LeaveResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": participantID})

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return LeaveResult{}, ErrRoomNotFound
	}
	if _, member := r.participants[participantID]; !member {
		s.mu.Unlock()
		return LeaveResult{}, ErrNotInRoom
	}
	delete(r.participants, participantID)
	result := LeaveResult{Removed: true}

	var final domain.RoomSnapshot
	if len(r.participants) == 0 {
		final = r.snapshot()
		delete(s.rooms, roomID)
		result.RoomClosed = true
	}
	remaining := len(r.participants)
	s.mu.Unlock()

	if result.RoomClosed {
		logCtx.Info("Room empty, persisting final snapshot and closing")
		s.persister.Schedule(roomID, final)
	} else {
		logCtx.WithField("participants", remaining).Info("Participant left room")
	}
	return result, nil
}

// FlushAll 为每个活跃房间安排一次保存，返回房间数量。
// 这是周期刷盘和关闭时的检查点：参与者仍在房间中时也会保存。
func (s *RoomService) FlushAll(ctx context.Context) int {
	s.mu.RLock()
	pending := make(map[string]domain.RoomSnapshot, len(s.rooms))
	for id, r := range s.rooms {
		pending[id] = r.snapshot()
	}
	s.mu.RUnlock()

	for id, snap := range pending {
		if ctx.Err() != nil {
			break
		}
		s.persister.Schedule(id, snap)
	}
	return len(pending)
}

// ActiveRooms 返回所有活跃房间的摘要 (按 id 排序)。
func (s *RoomService) ActiveRooms() []domain.RoomInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(s.rooms))
	for id, r := range s.rooms {
		out = append(out, domain.RoomInfo{ID: id, Participants: len(r.participants), Objects: len(r.canvas.Objects)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot 返回活跃房间当前状态的拷贝。
func (s *RoomService) Snapshot(roomID string) (domain.RoomSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return domain.RoomSnapshot{}, ErrRoomNotFound
	}
	return r.snapshot(), nil
}

// Participants 返回房间内的全部参与者 (按名字排序)。
func (s *RoomService) Participants(roomID string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return othersSorted(r.participants, ""), nil
}

// HasRoom 判断房间当前是否处于活跃状态。
func (s *RoomService) HasRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *RoomService) memberRoomLocked(roomID, participantID string) (*room, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, member := r.participants[participantID]; !member {
		return nil, ErrNotInRoom
	}
	return r, nil
}

func othersSorted(participants map[string]domain.User, exclude string) []domain.User {
	out := make([]domain.User, 0, len(participants))
	for id, u := range participants {
		if id == exclude {
			continue
		}
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
