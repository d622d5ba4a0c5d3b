package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"
	"collaborative-canvas/internal/service"

	"github.com/sirupsen/logrus"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize 是单帧消息的默认上限。canvas-update 携带整块画布，所以比较大。
	DefaultMaxMessageSize int64 = 1 << 20
)

// Hub 内部通道的消息类型
const (
	MessageRegister   = "register"
	MessageUnregister = "unregister"
	MessageEvent      = "event"

	// 房间快照读取完成，由后台读取 goroutine 投递
	messageRoomLoaded = "room-loaded"
)

// HubMessage 定义了在 Hub 内部通道传递的消息
type HubMessage struct {
	Type    string  // register / unregister / event
	Client  *Client // 消息来源
	RawData []byte  // 仅用于 event (原始 WebSocket 帧)

	roomID   string               // 仅用于 room-loaded
	snapshot *domain.RoomSnapshot // 仅用于 room-loaded，nil 表示空房间
}

// pendingJoin 是等待房间快照读取完成的加入请求
type pendingJoin struct {
	client *Client
	user   domain.User
}

// Hub 维护活跃连接，并在单个 goroutine 中按到达顺序处理所有事件。
// 同一房间的广播顺序因此与服务端收到消息的顺序一致。
type Hub struct {
	messageChan chan HubMessage

	// 所有已注册的连接，只在 Run goroutine 中访问
	clients map[*Client]struct{}

	// 按房间组织的连接集合，map[roomID]map[*Client]bool
	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	// 正在读取快照的房间及其等待中的加入请求，只在 Run goroutine 中访问
	loading map[string][]pendingJoin

	roomService    *service.RoomService
	maxMessageSize int64

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// Option 调整 Hub 的可选参数。
type Option func(*Hub)

// WithMaxMessageSize 设置客户端单帧消息的上限。
func WithMaxMessageSize(n int64) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxMessageSize = n
		}
	}
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(roomService *service.RoomService, opts ...Option) *Hub {
	if roomService == nil {
		panic("RoomService cannot be nil for Hub")
	}
	h := &Hub{
		messageChan:    make(chan HubMessage, 512),
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]map[*Client]bool),
		loading:        make(map[string][]pendingJoin),
		roomService:    roomService,
		maxMessageSize: DefaultMaxMessageSize,
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run 启动 Hub 的主事件处理循环，应该在单独的 goroutine 中运行。
// 每条消息都在下一条开始前处理完毕。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	defer close(h.stopped)

	for {
		select {
		case msg := <-h.messageChan:
			h.dispatch(msg)
		case <-h.done:
			h.disconnectAll()
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// Stop 停止 Run 循环：所有连接离开各自房间 (最后离开者触发房间持久化) 并被关闭。
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.done) })
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) dispatch(msg HubMessage) {
	if msg.Type == messageRoomLoaded {
		h.handleRoomLoaded(msg.roomID, msg.snapshot)
		return
	}
	if msg.Client == nil {
		logrus.WithField("message_type", msg.Type).Error("Hub: received message without client")
		return
	}
	switch msg.Type {
	case MessageRegister:
		h.registerClient(msg.Client)
	case MessageUnregister:
		h.unregisterClient(msg.Client)
	case MessageEvent:
		h.handleEvent(msg.Client, msg.RawData)
	default:
		logrus.WithField("participant_id", msg.Client.ID()).Warnf("Hub: received unknown message type: %s", msg.Type)
	}
}

// registerClient 登记新连接并告知其传输层分配的 id
func (h *Hub) registerClient(client *Client) {
	logCtx := logrus.WithField("participant_id", client.ID())
	h.clients[client] = struct{}{}
	h.sendTo(client, dto.EventConnected, dto.ConnectedPayload{UserID: client.ID()})
	logCtx.Info("Client registered to Hub")
}

// unregisterClient 处理断开：离开房间、广播 user-left、关闭 send 通道
func (h *Hub) unregisterClient(client *Client) {
	logCtx := logrus.WithField("participant_id", client.ID())
	if _, ok := h.clients[client]; !ok {
		logCtx.Debug("Client already unregistered")
		return
	}
	h.leaveRoom(client)
	delete(h.clients, client)
	// send 只在 Run goroutine 中写入，这里关闭是安全的
	close(client.send)
	logCtx.Info("Client unregistered from Hub")
}

func (h *Hub) disconnectAll() {
	for client := range h.clients {
		h.unregisterClient(client)
	}
}

// handleEvent 解码并处理一个客户端事件
func (h *Hub) handleEvent(client *Client, raw []byte) {
	logCtx := logrus.WithFields(logrus.Fields{"participant_id": client.ID(), "room_id": client.RoomID()})
	if _, ok := h.clients[client]; !ok {
		logCtx.Debug("Dropping event from unregistered client")
		return
	}

	env, err := dto.Decode(raw)
	if err != nil {
		logCtx.WithError(err).Warn("Malformed message")
		h.sendError(client, "malformed message")
		return
	}
	logCtx = logCtx.WithField("event", env.Event)
	logCtx.Debugf("Processing event (data size: %d)", len(env.Data))

	switch env.Event {
	case dto.EventJoin, dto.EventJoinRoom:
		err = h.handleJoin(client, env)
	case dto.EventCanvasUpdate:
		err = h.handleCanvasUpdate(client, env)
	case dto.EventCursorMove:
		err = h.handleCursorMove(client, env)
	case dto.EventAddToHistory:
		err = h.handleAddToHistory(client, env)
	default:
		err = errUnknownEvent
	}
	if err != nil {
		logCtx.WithError(err).Warn("Event rejected")
		h.sendError(client, errorMessage(err))
	}
}

var (
	errUnknownEvent = errors.New("unknown event")
	errBadPayload   = errors.New("malformed payload")
)

func decodePayload(env dto.Envelope, v any) error {
	if err := env.DecodeData(v); err != nil {
		return errors.Join(errBadPayload, err)
	}
	return nil
}

func (h *Hub) handleJoin(client *Client, env dto.Envelope) error {
	var p dto.JoinPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := service.ValidateRoomID(p.RoomID); err != nil {
		return err
	}

	cur := client.RoomID()
	if cur == p.RoomID {
		// 重复加入当前房间：只重发引导数据，不再广播 user-joined
		res, err := h.roomService.Rejoin(context.Background(), p.RoomID, client.ID())
		if err != nil {
			return err
		}
		h.sendBootstrap(client, res)
		return nil
	}
	// 一个连接同时只属于一个房间
	if cur != "" {
		h.leaveRoom(client)
	}
	client.joining = p.RoomID

	if waiting, ok := h.loading[p.RoomID]; ok {
		h.loading[p.RoomID] = append(waiting, pendingJoin{client: client, user: p.User})
		return nil
	}
	if h.roomService.HasRoom(p.RoomID) {
		return h.completeJoin(client, p.RoomID, p.User, nil)
	}

	// 快照读取在后台进行，完成后通过 room-loaded 消息回到 Run goroutine
	h.loading[p.RoomID] = []pendingJoin{{client: client, user: p.User}}
	go h.loadRoom(p.RoomID)
	return nil
}

func (h *Hub) loadRoom(roomID string) {
	snap := h.roomService.LoadSnapshot(context.Background(), roomID)
	select {
	case h.messageChan <- HubMessage{Type: messageRoomLoaded, roomID: roomID, snapshot: snap}:
	case <-h.done:
	}
}

// handleRoomLoaded 按到达顺序完成等待中的加入请求。
// 已断开或已改为加入其他房间的连接被跳过。
func (h *Hub) handleRoomLoaded(roomID string, snap *domain.RoomSnapshot) {
	waiting := h.loading[roomID]
	delete(h.loading, roomID)
	for _, pj := range waiting {
		if _, ok := h.clients[pj.client]; !ok || pj.client.joining != roomID {
			continue
		}
		if err := h.completeJoin(pj.client, roomID, pj.user, snap); err != nil {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": pj.client.ID()}).
				WithError(err).Warn("Join failed after room load")
			h.sendError(pj.client, errorMessage(err))
		}
	}
}

func (h *Hub) completeJoin(client *Client, roomID string, user domain.User, restored *domain.RoomSnapshot) error {
	client.joining = ""
	res, err := h.roomService.JoinRestored(context.Background(), roomID, client.ID(), user, restored)
	if err != nil {
		return err
	}
	h.attach(client, roomID)
	h.sendBootstrap(client, res)
	h.broadcastEvent(roomID, dto.EventUserJoined, res.Participant, client)
	return nil
}

// sendBootstrap 按固定顺序发送引导数据，只发给加入者
func (h *Hub) sendBootstrap(client *Client, res *service.JoinResult) {
	h.sendTo(client, dto.EventCanvasState, res.Canvas)
	h.sendTo(client, dto.EventHistoryState, res.History)
	h.sendTo(client, dto.EventCurrentUsers, res.Others)
}

func (h *Hub) handleCanvasUpdate(client *Client, env dto.Envelope) error {
	var p dto.CanvasUpdatePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.Canvas == nil {
		return fmt.Errorf("%w: missing canvas", errBadPayload)
	}
	roomID, err := h.memberRoom(client, p.RoomID)
	if err != nil {
		return err
	}
	stored, err := h.roomService.ApplyCanvasUpdate(context.Background(), roomID, client.ID(), *p.Canvas)
	if err != nil {
		return err
	}
	h.broadcastEvent(roomID, dto.EventCanvasUpdate, stored, client)
	return nil
}

func (h *Hub) handleCursorMove(client *Client, env dto.Envelope) error {
	var p dto.CursorMovePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	roomID, err := h.memberRoom(client, p.RoomID)
	if err != nil {
		return err
	}
	if err := h.roomService.MoveCursor(context.Background(), roomID, client.ID(), p.Cursor); err != nil {
		return err
	}
	h.broadcastEvent(roomID, dto.EventCursorUpdate, dto.CursorUpdate{UserID: client.ID(), Cursor: p.Cursor}, client)
	return nil
}

func (h *Hub) handleAddToHistory(client *Client, env dto.Envelope) error {
	var p dto.AddToHistoryPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	roomID, err := h.memberRoom(client, p.RoomID)
	if err != nil {
		return err
	}
	stamped, err := h.roomService.RecordHistoryAction(context.Background(), roomID, client.ID(), p.Action)
	if err != nil {
		return err
	}
	h.broadcastEvent(roomID, dto.EventHistoryUpdate, stamped, client)
	return nil
}

// memberRoom 确认连接属于负载声明的房间。负载省略 roomId 时使用当前房间。
func (h *Hub) memberRoom(client *Client, claimed string) (string, error) {
	cur := client.RoomID()
	if cur == "" || (claimed != "" && claimed != cur) {
		return "", service.ErrNotInRoom
	}
	return cur, nil
}

// leaveRoom 将连接移出当前房间并广播 user-left
func (h *Hub) leaveRoom(client *Client) {
	roomID := client.RoomID()
	if roomID == "" {
		return
	}
	h.detach(client, roomID)
	if _, err := h.roomService.Leave(context.Background(), roomID, client.ID()); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": client.ID()}).
			WithError(err).Warn("Leave failed")
	}
	h.broadcastEvent(roomID, dto.EventUserLeft, client.ID(), nil)
}

func (h *Hub) attach(client *Client, roomID string) {
	h.roomsMu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	h.roomsMu.Unlock()
	client.setRoomID(roomID)
}

func (h *Hub) detach(client *Client, roomID string) {
	h.roomsMu.Lock()
	if roomClients, ok := h.rooms[roomID]; ok {
		delete(roomClients, client)
		if len(roomClients) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.roomsMu.Unlock()
	client.setRoomID("")
}

// sendTo 编码并发送一条消息给单个连接
func (h *Hub) sendTo(client *Client, event string, data any) {
	frame, err := dto.Encode(event, data)
	if err != nil {
		logrus.WithField("event", event).WithError(err).Error("Failed to encode message")
		return
	}
	client.trySend(frame)
}

func (h *Hub) sendError(client *Client, message string) {
	h.sendTo(client, dto.EventError, dto.ErrorPayload{Message: message})
}

// broadcastEvent 编码一次，然后发给房间内除 sender 外的所有连接
func (h *Hub) broadcastEvent(roomID, event string, data any, sender *Client) {
	frame, err := dto.Encode(event, data)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "event": event}).WithError(err).Error("Failed to encode broadcast")
		return
	}
	h.broadcast(roomID, frame, sender)
}

// broadcast 将消息发送给指定房间的所有客户端，排除发送者
func (h *Hub) broadcast(roomID string, message []byte, sender *Client) {
	h.roomsMu.RLock()
	roomClients := h.rooms[roomID]
	recipients := make([]*Client, 0, len(roomClients))
	for client := range roomClients {
		if client != sender {
			recipients = append(recipients, client)
		}
	}
	h.roomsMu.RUnlock()

	if len(recipients) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"room_id":         roomID,
		"message_size":    len(message),
		"recipient_count": len(recipients),
	}).Debug("Broadcasting message to clients")

	for _, client := range recipients {
		client.trySend(message)
	}
}

// errorMessage 将错误转换为发给客户端的说明文字
func errorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidCanvas),
		errors.Is(err, service.ErrInvalidRoomID),
		errors.Is(err, service.ErrInvalidAction),
		errors.Is(err, errBadPayload):
		return err.Error()
	case errors.Is(err, service.ErrNotInRoom):
		return "not a member of this room"
	case errors.Is(err, service.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, errUnknownEvent):
		return "unknown event"
	default:
		return "internal server error"
	}
}

// --- 公共方法 ---

// QueueMessage 将消息放入 Hub 的处理队列。队列满时阻塞，直到入队或 Hub 停止。
// 返回 false 表示 Hub 已停止。不能在 Run goroutine 中调用。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.messageChan <- msg:
		return true
	case <-h.done:
		return false
	}
}

// Register 请求 Hub 登记一个新连接。
func (h *Hub) Register(client *Client) bool {
	return h.QueueMessage(HubMessage{Type: MessageRegister, Client: client})
}

// GetActiveRoomIDs 返回当前有连接的房间 id (已排序)。
func (h *Hub) GetActiveRoomIDs() []string {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomConnections 返回房间中的连接数。
func (h *Hub) RoomConnections(roomID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[roomID])
}

// JoinFrame 构造一条 join 事件帧，供自动加入房间的连接使用。
func JoinFrame(roomID string, user domain.User) ([]byte, error) {
	return dto.Encode(dto.EventJoin, dto.JoinPayload{RoomID: roomID, User: user})
}
