package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// taskID 从 Task 中取出 ID，手动构造的 Task 没有 ResultWriter
func taskID(t *asynq.Task) string {
	if rw := t.ResultWriter(); rw != nil {
		return rw.TaskID()
	}
	return ""
}

// RoomSaveHandler 处理 room:save 任务，把快照写入存储
type RoomSaveHandler struct {
	repo repository.SnapshotRepository
}

// NewRoomSaveHandler 创建 Handler 实例
func NewRoomSaveHandler(repo repository.SnapshotRepository) *RoomSaveHandler {
	if repo == nil {
		panic("SnapshotRepository cannot be nil for RoomSaveHandler")
	}
	return &RoomSaveHandler{repo: repo}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomSaveHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID(t),
		"task_type": t.Type(),
	})

	payload, err := tasks.ParseRoomSaveTask(t.Payload())
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("room_id", payload.RoomID)

	if err := h.repo.Save(ctx, payload.RoomID, &payload.Snapshot); err != nil {
		logCtx.WithError(err).Error("Failed to save room snapshot")
		return fmt.Errorf("save room %s: %w", payload.RoomID, err)
	}
	logCtx.WithField("objects", len(payload.Snapshot.Canvas.Objects)).Info("Room save task processed successfully")
	return nil
}

// RoomFlusher 为所有活跃房间安排保存 (由 service.RoomService 实现)
type RoomFlusher interface {
	FlushAll(ctx context.Context) int
}

// RoomFlushHandler 处理周期性的 room:flush 任务
type RoomFlushHandler struct {
	rooms RoomFlusher
}

// NewRoomFlushHandler 创建 Handler 实例
func NewRoomFlushHandler(rooms RoomFlusher) *RoomFlushHandler {
	if rooms == nil {
		panic("RoomFlusher cannot be nil for RoomFlushHandler")
	}
	return &RoomFlushHandler{rooms: rooms}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomFlushHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	n := h.rooms.FlushAll(ctx)
	logrus.WithFields(logrus.Fields{
		"task_id":   taskID(t),
		"task_type": t.Type(),
		"rooms":     n,
	}).Info("Periodic room flush completed")
	return nil
}
