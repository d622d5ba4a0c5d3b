package hub_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"
	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/repository/mocks"
	"collaborative-canvas/internal/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// recordingPersister 记录每次保存请求
type recordingPersister struct {
	mu    sync.Mutex
	saves map[string]int
}

func (p *recordingPersister) Schedule(roomID string, _ domain.RoomSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saves == nil {
		p.saves = make(map[string]int)
	}
	p.saves[roomID]++
}

func (p *recordingPersister) count(roomID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves[roomID]
}

type harness struct {
	hub       *hub.Hub
	rooms     *service.RoomService
	persister *recordingPersister
	server    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := new(mocks.SnapshotRepository)
	repo.On("Load", mock.Anything, mock.Anything).Return(nil, repository.ErrSnapshotNotFound)
	return newHarnessWithRepo(t, repo)
}

func newHarnessWithRepo(t *testing.T, repo repository.SnapshotRepository) *harness {
	t.Helper()
	persister := &recordingPersister{}
	rooms := service.NewRoomService(repo, persister)
	h := hub.NewHub(rooms)
	go h.Run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var seq atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.NewClient(h, conn, fmt.Sprintf("p%d", seq.Add(1)))
		if !h.Register(client) {
			conn.Close()
			return
		}
		client.Run()
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
		srv.Close()
	})
	return &harness{hub: h, rooms: rooms, persister: persister, server: srv}
}

// dial 建立连接并读取 connected 事件，返回连接和分配的 id
func (h *harness) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readEvent(t, conn)
	require.Equal(t, dto.EventConnected, env.Event)
	var p dto.ConnectedPayload
	require.NoError(t, env.DecodeData(&p))
	require.NotEmpty(t, p.UserID)
	return conn, p.UserID
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := dto.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) dto.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := dto.Decode(msg)
	require.NoError(t, err)
	return env
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	env := readEvent(t, conn)
	require.Equal(t, event, env.Event, "unexpected event with data %s", string(env.Data))
	if v != nil {
		require.NoError(t, env.DecodeData(v))
	}
}

// join 发送 join 并按顺序读取三条引导消息，返回 current-users
func join(t *testing.T, conn *websocket.Conn, roomID, name string) []domain.User {
	t.Helper()
	send(t, conn, dto.EventJoin, dto.JoinPayload{RoomID: roomID, User: domain.User{ID: "claimed", Name: name}})
	var canvas domain.CanvasState
	expectEvent(t, conn, dto.EventCanvasState, &canvas)
	var history []domain.HistoryAction
	expectEvent(t, conn, dto.EventHistoryState, &history)
	var users []domain.User
	expectEvent(t, conn, dto.EventCurrentUsers, &users)
	return users
}

func canvasWith(objs ...domain.CanvasObject) *domain.CanvasState {
	c := domain.NewCanvasState()
	for _, o := range objs {
		c = c.WithObject(o)
	}
	return &c
}

func rectangle(id string) domain.CanvasObject {
	return domain.CanvasObject{ID: id, Type: domain.ObjectRectangle, X: 10, Y: 10, Width: domain.Float(50), Height: domain.Float(30)}
}

func TestHub_JoinBootstrapOrder(t *testing.T) {
	h := newHarness(t)
	a, aID := h.dial(t)
	b, bID := h.dial(t)

	users := join(t, a, "r1", "Alice")
	assert.Empty(t, users)

	users = join(t, b, "r1", "Bob")
	require.Len(t, users, 1)
	assert.Equal(t, aID, users[0].ID)
	for _, u := range users {
		assert.NotEqual(t, bID, u.ID, "joiner must not appear in its own current-users")
	}

	var joined domain.User
	expectEvent(t, a, dto.EventUserJoined, &joined)
	assert.Equal(t, bID, joined.ID, "transport id overrides the claimed id")
	assert.Equal(t, "Bob", joined.Name)
	assert.Equal(t, []string{"r1"}, h.hub.GetActiveRoomIDs())
	assert.Equal(t, 2, h.hub.RoomConnections("r1"))
}

func TestHub_JoinRoomAlias(t *testing.T) {
	h := newHarness(t)
	a, _ := h.dial(t)
	send(t, a, dto.EventJoinRoom, dto.JoinPayload{RoomID: "r1", User: domain.User{Name: "A"}})
	expectEvent(t, a, dto.EventCanvasState, nil)
	expectEvent(t, a, dto.EventHistoryState, nil)
	expectEvent(t, a, dto.EventCurrentUsers, nil)
}

func TestHub_LastWriterWins(t *testing.T) {
	h := newHarness(t)
	a, aID := h.dial(t)
	b, _ := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	send(t, a, dto.EventCanvasUpdate, dto.CanvasUpdatePayload{RoomID: "r1", Canvas: canvasWith(rectangle("o1"))})
	var got domain.CanvasState
	expectEvent(t, b, dto.EventCanvasUpdate, &got)
	require.Len(t, got.Objects, 1)
	assert.Equal(t, "o1", got.Objects[0].ID)

	send(t, b, dto.EventCanvasUpdate, dto.CanvasUpdatePayload{RoomID: "r1", Canvas: canvasWith(rectangle("o2"))})
	expectEvent(t, a, dto.EventCanvasUpdate, &got)
	require.Len(t, got.Objects, 1)
	assert.Equal(t, "o2", got.Objects[0].ID)

	snap, err := h.rooms.Snapshot("r1")
	require.NoError(t, err)
	require.Len(t, snap.Canvas.Objects, 1)
	assert.Equal(t, "o2", snap.Canvas.Objects[0].ID)

	// 发送者不会收到自己的广播：B 的下一条消息是 A 的光标
	send(t, a, dto.EventCursorMove, dto.CursorMovePayload{RoomID: "r1", Cursor: domain.Point{X: 1, Y: 2}})
	var cursor dto.CursorUpdate
	expectEvent(t, b, dto.EventCursorUpdate, &cursor)
	assert.Equal(t, aID, cursor.UserID)
	assert.Equal(t, domain.Point{X: 1, Y: 2}, cursor.Cursor)
}

func TestHub_InvalidCanvasRejected(t *testing.T) {
	h := newHarness(t)
	a, _ := h.dial(t)
	b, _ := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	bad := domain.NewCanvasState().WithObject(domain.CanvasObject{ID: "l1", Type: domain.ObjectLine})
	send(t, a, dto.EventCanvasUpdate, dto.CanvasUpdatePayload{RoomID: "r1", Canvas: &bad})
	var errPayload dto.ErrorPayload
	expectEvent(t, a, dto.EventError, &errPayload)
	assert.Contains(t, errPayload.Message, "invalid canvas")

	send(t, a, dto.EventCursorMove, dto.CursorMovePayload{RoomID: "r1", Cursor: domain.Point{X: 5, Y: 5}})
	expectEvent(t, b, dto.EventCursorUpdate, nil)

	snap, err := h.rooms.Snapshot("r1")
	require.NoError(t, err)
	assert.Empty(t, snap.Canvas.Objects)
	assert.Equal(t, 0, h.persister.count("r1"))
}

func TestHub_HistoryUpdateIsStamped(t *testing.T) {
	h := newHarness(t)
	a, aID := h.dial(t)
	b, _ := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	send(t, a, dto.EventAddToHistory, dto.AddToHistoryPayload{
		RoomID: "r1",
		Action: domain.HistoryAction{Type: domain.ActionAdd, ObjectID: "o1", UserID: "spoofed"},
	})
	var action domain.HistoryAction
	expectEvent(t, b, dto.EventHistoryUpdate, &action)
	assert.Equal(t, aID, action.UserID)
	assert.Equal(t, "o1", action.ObjectID)
	assert.Positive(t, action.Timestamp)

	snap, err := h.rooms.Snapshot("r1")
	require.NoError(t, err)
	assert.Len(t, snap.History, 1)
}

func TestHub_RejectsNonMembersAndBadFrames(t *testing.T) {
	h := newHarness(t)
	a, _ := h.dial(t)

	send(t, a, dto.EventCanvasUpdate, dto.CanvasUpdatePayload{RoomID: "r1", Canvas: canvasWith()})
	var errPayload dto.ErrorPayload
	expectEvent(t, a, dto.EventError, &errPayload)
	assert.Equal(t, "not a member of this room", errPayload.Message)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{nope")))
	expectEvent(t, a, dto.EventError, &errPayload)
	assert.Equal(t, "malformed message", errPayload.Message)

	send(t, a, "draw", map[string]int{"x": 1})
	expectEvent(t, a, dto.EventError, &errPayload)
	assert.Equal(t, "unknown event", errPayload.Message)

	send(t, a, dto.EventJoin, dto.JoinPayload{RoomID: "   "})
	expectEvent(t, a, dto.EventError, &errPayload)
	assert.Contains(t, errPayload.Message, "invalid room id")
	assert.Empty(t, h.hub.GetActiveRoomIDs())
}

func TestHub_DisconnectBroadcastsUserLeftAndPersistsOnce(t *testing.T) {
	h := newHarness(t)
	a, _ := h.dial(t)
	b, bID := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	require.NoError(t, b.Close())
	var leftID string
	expectEvent(t, a, dto.EventUserLeft, &leftID)
	assert.Equal(t, bID, leftID)
	assert.Equal(t, 0, h.persister.count("r1"), "room must not be persisted while a participant remains")
	assert.True(t, h.rooms.HasRoom("r1"))

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return !h.rooms.HasRoom("r1") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.persister.count("r1"))
	assert.Empty(t, h.hub.GetActiveRoomIDs())
}

func TestHub_JoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	h := newHarness(t)
	a, aID := h.dial(t)
	b, _ := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	users := join(t, a, "r2", "A")
	assert.Empty(t, users)

	var leftID string
	expectEvent(t, b, dto.EventUserLeft, &leftID)
	assert.Equal(t, aID, leftID)
	assert.Equal(t, []string{"r1", "r2"}, h.hub.GetActiveRoomIDs())
	assert.Equal(t, 1, h.hub.RoomConnections("r1"))

	participants, err := h.rooms.Participants("r1")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "B", participants[0].Name)
}

func TestHub_StopPersistsActiveRooms(t *testing.T) {
	h := newHarness(t)
	a, _ := h.dial(t)
	join(t, a, "r1", "A")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.hub.Stop(ctx))

	assert.Equal(t, 1, h.persister.count("r1"))
	assert.False(t, h.rooms.HasRoom("r1"))
	assert.False(t, h.hub.QueueMessage(hub.HubMessage{Type: hub.MessageEvent}))
}

// slowRepo 读取 slowRoom 时阻塞到 release 关闭，其他房间没有快照
type slowRepo struct {
	slowRoom string
	release  chan struct{}
	loads    atomic.Int32
}

func (r *slowRepo) Load(ctx context.Context, roomID string) (*domain.RoomSnapshot, error) {
	if roomID != r.slowRoom {
		return nil, repository.ErrSnapshotNotFound
	}
	r.loads.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &domain.RoomSnapshot{Canvas: *canvasWith(rectangle("saved"))}, nil
}

func (r *slowRepo) Save(context.Context, string, *domain.RoomSnapshot) error { return nil }

func TestHub_CanvasUpdateWithoutCanvasRejected(t *testing.T) {
	h := newHarness(t)
	a, _ := h.dial(t)
	b, _ := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	send(t, a, dto.EventCanvasUpdate, dto.CanvasUpdatePayload{RoomID: "r1", Canvas: canvasWith(rectangle("o1"))})
	expectEvent(t, b, dto.EventCanvasUpdate, nil)

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"event":"canvas-update","data":{"roomId":"r1"}}`)))
	var errPayload dto.ErrorPayload
	expectEvent(t, b, dto.EventError, &errPayload)
	assert.Contains(t, errPayload.Message, "malformed payload")

	// A 收到的下一条消息是 B 的光标，而不是空画布
	send(t, b, dto.EventCursorMove, dto.CursorMovePayload{RoomID: "r1", Cursor: domain.Point{X: 3, Y: 4}})
	expectEvent(t, a, dto.EventCursorUpdate, nil)

	snap, err := h.rooms.Snapshot("r1")
	require.NoError(t, err)
	require.Len(t, snap.Canvas.Objects, 1)
	assert.Equal(t, "o1", snap.Canvas.Objects[0].ID)
	assert.Equal(t, 1, h.persister.count("r1"))
}

func TestHub_SlowRestoreDoesNotStallOtherRooms(t *testing.T) {
	repo := &slowRepo{slowRoom: "slow", release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(repo.release) }) }
	t.Cleanup(release)

	h := newHarnessWithRepo(t, repo)
	a, aID := h.dial(t)
	b, _ := h.dial(t)
	c, cID := h.dial(t)
	d, _ := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	send(t, c, dto.EventJoin, dto.JoinPayload{RoomID: "slow", User: domain.User{Name: "C"}})
	require.Eventually(t, func() bool { return repo.loads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	send(t, d, dto.EventJoin, dto.JoinPayload{RoomID: "slow", User: domain.User{Name: "D"}})

	start := time.Now()
	send(t, a, dto.EventCursorMove, dto.CursorMovePayload{RoomID: "r1", Cursor: domain.Point{X: 1, Y: 1}})
	var cursor dto.CursorUpdate
	expectEvent(t, b, dto.EventCursorUpdate, &cursor)
	assert.Equal(t, aID, cursor.UserID)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, h.rooms.HasRoom("slow"))

	release()

	var canvas domain.CanvasState
	expectEvent(t, c, dto.EventCanvasState, &canvas)
	require.Len(t, canvas.Objects, 1)
	assert.Equal(t, "saved", canvas.Objects[0].ID)
	expectEvent(t, c, dto.EventHistoryState, nil)
	var users []domain.User
	expectEvent(t, c, dto.EventCurrentUsers, &users)
	assert.Empty(t, users)

	expectEvent(t, d, dto.EventCanvasState, &canvas)
	require.Len(t, canvas.Objects, 1)
	expectEvent(t, d, dto.EventHistoryState, nil)
	expectEvent(t, d, dto.EventCurrentUsers, &users)
	require.Len(t, users, 1)
	assert.Equal(t, cID, users[0].ID)

	expectEvent(t, c, dto.EventUserJoined, nil)
	assert.Equal(t, int32(1), repo.loads.Load(), "snapshot is read once per restore")
	assert.Equal(t, 2, h.hub.RoomConnections("slow"))
}

func TestHub_RejoiningCurrentRoomOnlyResendsBootstrap(t *testing.T) {
	h := newHarness(t)
	a, aID := h.dial(t)
	b, _ := h.dial(t)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	expectEvent(t, a, dto.EventUserJoined, nil)

	send(t, a, dto.EventCanvasUpdate, dto.CanvasUpdatePayload{RoomID: "r1", Canvas: canvasWith(rectangle("o1"))})
	expectEvent(t, b, dto.EventCanvasUpdate, nil)

	users := join(t, b, "r1", "Renamed")
	require.Len(t, users, 1)
	assert.Equal(t, aID, users[0].ID)

	// A 没有收到第二条 user-joined
	send(t, b, dto.EventCursorMove, dto.CursorMovePayload{RoomID: "r1", Cursor: domain.Point{X: 2, Y: 2}})
	expectEvent(t, a, dto.EventCursorUpdate, nil)

	participants, err := h.rooms.Participants("r1")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, []string{"A", "B"}, []string{participants[0].Name, participants[1].Name})
	assert.Equal(t, 2, h.hub.RoomConnections("r1"))
}
