package mocks

import (
	"collaborative-canvas/internal/domain"

	"github.com/stretchr/testify/mock"
)

// Persister 是 service.Persister 的 Mock 实现
type Persister struct {
	mock.Mock
}

// Schedule 模拟安排一次异步保存
func (m *Persister) Schedule(roomID string, snapshot domain.RoomSnapshot) {
	m.Called(roomID, snapshot)
}
