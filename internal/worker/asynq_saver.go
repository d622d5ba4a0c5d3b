package worker

import (
	"context"
	"fmt"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// DefaultQueue 是房间保存任务使用的 asynq 队列
const DefaultQueue = "default"

// AsynqSaver 把快照保存转交给 asynq worker：Save 只负责入队 room:save 任务，
// Load 直接读取底层存储。通常包在 LocalSaver 里使用，使入队的网络 I/O 也不阻塞调用方。
type AsynqSaver struct {
	client *asynq.Client
	reader repository.SnapshotRepository
	queue  string
}

// NewAsynqSaver 创建 AsynqSaver 实例
func NewAsynqSaver(client *asynq.Client, reader repository.SnapshotRepository, queue string) *AsynqSaver {
	if client == nil {
		panic("Asynq client cannot be nil for AsynqSaver")
	}
	if reader == nil {
		panic("SnapshotRepository cannot be nil for AsynqSaver")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &AsynqSaver{client: client, reader: reader, queue: queue}
}

// Load 读取底层存储中的快照
func (s *AsynqSaver) Load(ctx context.Context, roomID string) (*domain.RoomSnapshot, error) {
	return s.reader.Load(ctx, roomID)
}

// Save 将快照作为 room:save 任务入队。任务不自动重试。
func (s *AsynqSaver) Save(ctx context.Context, roomID string, snapshot *domain.RoomSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("enqueue room save %s: nil snapshot", roomID)
	}
	payload, err := tasks.NewRoomSaveTask(roomID, *snapshot)
	if err != nil {
		return err
	}
	task := asynq.NewTask(tasks.TypeRoomSave, payload)
	info, err := s.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Queue(s.queue))
	if err != nil {
		return fmt.Errorf("enqueue room save %s: %w", roomID, err)
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "task_id": info.ID, "queue": info.Queue}).Debug("Room save task enqueued")
	return nil
}
