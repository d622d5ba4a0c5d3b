package hub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/repository/mocks"
	"collaborative-canvas/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type countingPersister struct{ saves atomic.Int32 }

func (p *countingPersister) Schedule(string, domain.RoomSnapshot) { p.saves.Add(1) }

func TestQueueMessage_UnregisterWaitsForFullQueue(t *testing.T) {
	repo := new(mocks.SnapshotRepository)
	repo.On("Load", mock.Anything, mock.Anything).Return(nil, repository.ErrSnapshotNotFound)
	persister := &countingPersister{}
	rooms := service.NewRoomService(repo, persister)
	h := NewHub(rooms)

	// Run 尚未启动，由测试代替它登记连接并加入房间
	client := &Client{hub: h, id: "p1", send: make(chan []byte, sendBufferSize)}
	h.dispatch(HubMessage{Type: MessageRegister, Client: client})
	_, err := rooms.Join(context.Background(), "r1", "p1", domain.User{Name: "A"})
	require.NoError(t, err)
	h.attach(client, "r1")

	filler := &Client{hub: h, id: "filler", send: make(chan []byte, 1)}
	for i := 0; i < cap(h.messageChan); i++ {
		require.True(t, h.QueueMessage(HubMessage{Type: MessageEvent, Client: filler, RawData: []byte(`{}`)}))
	}

	queued := make(chan bool, 1)
	go func() { queued <- h.QueueMessage(HubMessage{Type: MessageUnregister, Client: client}) }()

	// 队列一直满着，注销也不能被丢弃
	select {
	case <-queued:
		t.Fatal("unregister returned while the queue was full")
	case <-time.After(1500 * time.Millisecond):
	}

	go h.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})

	select {
	case ok := <-queued:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("unregister was never queued")
	}
	require.Eventually(t, func() bool { return !rooms.HasRoom("r1") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), persister.saves.Load())
}

func TestQueueMessage_ReturnsFalseAfterStop(t *testing.T) {
	repo := new(mocks.SnapshotRepository)
	h := NewHub(service.NewRoomService(repo, &countingPersister{}))
	go h.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))

	client := &Client{hub: h, id: "late", send: make(chan []byte, 1)}
	assert.False(t, h.QueueMessage(HubMessage{Type: MessageRegister, Client: client}))
}
