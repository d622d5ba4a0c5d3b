// Package mocks 提供基于 testify/mock 的 Repository 模拟实现。
package mocks

import (
	"context"

	"collaborative-canvas/internal/domain"

	"github.com/stretchr/testify/mock"
)

// SnapshotRepository 是 repository.SnapshotRepository 的 Mock 实现
type SnapshotRepository struct {
	mock.Mock
}

// Load 模拟读取快照
func (m *SnapshotRepository) Load(ctx context.Context, roomID string) (*domain.RoomSnapshot, error) {
	args := m.Called(ctx, roomID)
	var snap *domain.RoomSnapshot
	if v := args.Get(0); v != nil {
		snap = v.(*domain.RoomSnapshot)
	}
	return snap, args.Error(1)
}

// Save 模拟写入快照
func (m *SnapshotRepository) Save(ctx context.Context, roomID string, snapshot *domain.RoomSnapshot) error {
	args := m.Called(ctx, roomID, snapshot)
	return args.Error(0)
}
