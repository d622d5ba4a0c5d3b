package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// sendBufferSize 是每个连接的发送队列长度
const sendBufferSize = 256

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string      // 传输层分配的参与者 id
	send chan []byte // 用于向此客户端发送消息的缓冲通道，只由 Hub 写入和关闭

	mu     sync.RWMutex
	roomID string // 当前所在房间，空表示尚未加入

	joining string // 正在等待快照读取的房间，只在 Hub 的 Run goroutine 中访问
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		id:   id,
		send: make(chan []byte, sendBufferSize),
	}
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

func (c *Client) logCtx() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"participant_id": c.id, "room_id": c.RoomID()})
}

// ReadPump 将消息从 WebSocket 连接泵送到 Hub 的 messageChan。
// 它在自己的 goroutine 中运行。
func (c *Client) ReadPump() {
	defer func() {
		// 注销必须送达：阻塞到入队或 Hub 停止 (停止时 Hub 自己注销所有连接)
		c.hub.QueueMessage(HubMessage{Type: MessageUnregister, Client: c})
		c.conn.Close()
		c.logCtx().Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(c.hub.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logCtx().WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.logCtx().Debug("WebSocket connection closed normally or read error")
			}
			break
		}

		if messageType != websocket.TextMessage {
			c.logCtx().Debugf("Received non-text message type: %d", messageType)
			continue
		}
		// 队列满时阻塞读取，背压传回发送方
		if !c.hub.QueueMessage(HubMessage{Type: MessageEvent, Client: c, RawData: message}) {
			break
		}
	}
}

// WritePump 将消息从 Client 的 send 通道泵送到 WebSocket 连接。
// 它在自己的 goroutine 中运行。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logCtx().Debug("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// send 通道被 Hub 关闭了 (注销时)
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logCtx().WithError(err).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logCtx().WithError(err).Warn("Failed to send ping message")
				return
			}
		}
	}
}

// trySend 非阻塞地把消息放入发送队列，慢客户端的消息会被丢弃
func (c *Client) trySend(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		c.logCtx().Warn("Client send channel full, message dropped")
		return false
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) setRoomID(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *Client) CloseConn() { c.conn.Close() }
