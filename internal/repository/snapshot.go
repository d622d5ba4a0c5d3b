package repository

import (
	"context"

	"collaborative-canvas/internal/domain"
)

// SnapshotRepository 定义了房间快照的持久化操作 (每个房间一份扁平快照)。
type SnapshotRepository interface {
	// Load 读取房间的快照。
	// 快照不存在时返回 ErrSnapshotNotFound，调用方应将其视为新的空房间。
	Load(ctx context.Context, roomID string) (*domain.RoomSnapshot, error)

	// Save 覆盖写入房间的快照。
	Save(ctx context.Context, roomID string, snapshot *domain.RoomSnapshot) error
}
