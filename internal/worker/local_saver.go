package worker

import (
	"context"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"

	"github.com/sirupsen/logrus"
)

// DefaultSaveTimeout 是单次快照写入的超时时间
const DefaultSaveTimeout = 10 * time.Second

// LocalSaver 在后台 goroutine 中保存房间快照。
// 每个房间只保留最新一份待写快照：写入期间到达的多次更新合并为一次写入。
// Schedule 从不阻塞调用方，写入失败只记录日志。
//
// LocalSaver 同时实现 repository.SnapshotRepository：Load 优先返回尚未落盘的快照，
// 所以房间关闭后立即重新打开也能读到最终状态。
type LocalSaver struct {
	repo    repository.SnapshotRepository
	timeout time.Duration
	log     *logrus.Entry

	mu       sync.Mutex
	pending  map[string]domain.RoomSnapshot
	queue    []string // 待写房间 id，按首次排队顺序
	inflight map[string]domain.RoomSnapshot
	closed   bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalSaver 创建 LocalSaver 并启动写入 goroutine。
func NewLocalSaver(repo repository.SnapshotRepository, timeout time.Duration) *LocalSaver {
	if repo == nil {
		panic("SnapshotRepository cannot be nil for LocalSaver")
	}
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}
	s := &LocalSaver{
		repo:     repo,
		timeout:  timeout,
		log:      logrus.WithField("component", "local_saver"),
		pending:  make(map[string]domain.RoomSnapshot),
		inflight: make(map[string]domain.RoomSnapshot),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Schedule 安排一次保存，覆盖该房间尚未写入的旧快照。
func (s *LocalSaver) Schedule(roomID string, snapshot domain.RoomSnapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// 关闭后直接同步写入，避免丢失最终状态
		s.write(roomID, snapshot)
		return
	}
	if _, queued := s.pending[roomID]; !queued {
		s.queue = append(s.queue, roomID)
	}
	s.pending[roomID] = snapshot
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *LocalSaver) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *LocalSaver) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		roomID := s.queue[0]
		s.queue = s.queue[1:]
		snap := s.pending[roomID]
		delete(s.pending, roomID)
		s.inflight[roomID] = snap
		s.mu.Unlock()

		s.write(roomID, snap)

		s.mu.Lock()
		delete(s.inflight, roomID)
		s.mu.Unlock()
	}
}

func (s *LocalSaver) write(roomID string, snap domain.RoomSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	logCtx := s.log.WithField("room_id", roomID)
	if err := s.repo.Save(ctx, roomID, &snap); err != nil {
		logCtx.WithError(err).Error("Failed to save room snapshot")
		return
	}
	logCtx.WithField("objects", len(snap.Canvas.Objects)).Debug("Room snapshot saved")
}

// Load 返回房间的最新快照：先查待写队列，再查正在写入的快照，最后读底层存储。
func (s *LocalSaver) Load(ctx context.Context, roomID string) (*domain.RoomSnapshot, error) {
	s.mu.Lock()
	snap, ok := s.pending[roomID]
	if !ok {
		snap, ok = s.inflight[roomID]
	}
	s.mu.Unlock()
	if ok {
		c := domain.RoomSnapshot{
			Canvas:  snap.Canvas.Clone(),
			History: append([]domain.HistoryAction(nil), snap.History...),
		}.Normalize()
		return &c, nil
	}
	return s.repo.Load(ctx, roomID)
}

// Save 同步写入底层存储。
func (s *LocalSaver) Save(ctx context.Context, roomID string, snapshot *domain.RoomSnapshot) error {
	return s.repo.Save(ctx, roomID, snapshot)
}

// Pending 返回尚未开始写入的房间数。
func (s *LocalSaver) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close 停止接收异步保存并等待队列中的快照写完。
func (s *LocalSaver) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	})
	select {
	case <-s.done:
		s.log.Info("Local saver drained and stopped")
		return nil
	case <-ctx.Done():
		s.log.WithField("pending", s.Pending()).Warn("Local saver close timed out")
		return ctx.Err()
	}
}
